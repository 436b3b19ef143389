package duplication

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-replication/pkg/replica"
	"github.com/dd0wney/cluso-replication/pkg/rpc"
)

// ShipRequest is one batch of mutations on its way to the remote cluster.
// The payload is a snappy-compressed JSON array of mutations; the checksum
// covers the uncompressed bytes.
type ShipRequest struct {
	BatchID       string         `json:"batch_id" validate:"required"`
	Dupid         int32          `json:"dupid" validate:"required,min=1"`
	Gpid          replica.GPID   `json:"gpid"`
	RemoteCluster string         `json:"remote_cluster" validate:"required"`
	StartDecree   replica.Decree `json:"start_decree"`
	LastDecree    replica.Decree `json:"last_decree"`
	MutationCount int            `json:"mutation_count"`
	Payload       []byte         `json:"payload"`
	Checksum      uint32         `json:"checksum"`
}

// ShipResponse acknowledges a batch as durably received remotely.
type ShipResponse struct {
	ConfirmedDecree replica.Decree `json:"confirmed_decree"`
	Error           string         `json:"error,omitempty"`
}

// Transport moves batches to a remote cluster. Implementations must be safe
// for concurrent Ship calls.
type Transport interface {
	Ship(ctx context.Context, req *ShipRequest) (*ShipResponse, error)
	Close() error
}

// TransportFactory opens a transport to the named remote cluster.
type TransportFactory func(remoteCluster string) (Transport, error)

// EncodeMutations packs mutations into a compressed payload plus checksum.
func EncodeMutations(muts []*replica.Mutation) (payload []byte, checksum uint32, err error) {
	raw, err := json.Marshal(muts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode mutations: %w", err)
	}
	return snappy.Encode(nil, raw), crc32.ChecksumIEEE(raw), nil
}

// DecodeMutations unpacks a ship payload, verifying its checksum.
func DecodeMutations(payload []byte, checksum uint32) ([]*replica.Mutation, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress ship payload: %w", err)
	}
	if crc32.ChecksumIEEE(raw) != checksum {
		return nil, fmt.Errorf("ship payload checksum mismatch")
	}
	var muts []*replica.Mutation
	if err := json.Unmarshal(raw, &muts); err != nil {
		return nil, fmt.Errorf("failed to decode mutations: %w", err)
	}
	return muts, nil
}

// mangosTransport ships batches over a mangos req/rep connection to the
// remote cluster's duplication receiver.
type mangosTransport struct {
	client *rpc.Client
}

// NewMangosTransport dials the remote cluster's receiver address.
func NewMangosTransport(addr string, timeout time.Duration) (Transport, error) {
	client, err := rpc.NewClient(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect duplication transport: %w", err)
	}
	return &mangosTransport{client: client}, nil
}

func (t *mangosTransport) Ship(ctx context.Context, req *ShipRequest) (*ShipResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := rpc.NewMessage(rpc.MsgShipMutations, req)
	if err != nil {
		return nil, err
	}
	reply, err := t.client.Call(msg)
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case rpc.MsgShipAck:
		var resp ShipResponse
		if err := reply.Decode(&resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrShipRejected, resp.Error)
		}
		return &resp, nil
	case rpc.MsgError:
		var er rpc.ErrorReply
		if err := reply.Decode(&er); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrShipRejected, er.Message)
	default:
		return nil, fmt.Errorf("unexpected ship reply type %d", reply.Type)
	}
}

func (t *mangosTransport) Close() error {
	return t.client.Close()
}
