package duplication

import (
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/replica"
	"github.com/dd0wney/cluso-replication/pkg/rpc"
	"github.com/dd0wney/cluso-replication/pkg/validation"
)

// Applier is the remote cluster's ingest side: it durably applies a batch of
// duplicated mutations for one partition and returns the highest decree now
// confirmed. Re-delivered decrees must be deduplicated by the applier, since
// a shipper resuming after a pause re-sends unacknowledged batches.
type Applier interface {
	ApplyDuplicated(gpid replica.GPID, muts []*replica.Mutation) (replica.Decree, error)
}

// Receiver answers ship requests on the remote cluster. Batches for
// different partitions apply concurrently; batches for one partition arrive
// serialized in decree order because the shipper transmits on a single
// sender per partition.
type Receiver struct {
	applier Applier
	logger  logging.Logger

	mu        sync.Mutex
	confirmed map[replica.GPID]replica.Decree
}

// NewReceiver wires a receiver onto the router.
func NewReceiver(router *rpc.MessageRouter, applier Applier, logger logging.Logger) *Receiver {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	r := &Receiver{
		applier:   applier,
		logger:    logger.With(logging.Component("duplication-receiver")),
		confirmed: make(map[replica.GPID]replica.Decree),
	}
	rpc.HandleFunc(router, rpc.MsgShipMutations, rpc.MsgShipAck, r.handleShip)
	return r
}

func (r *Receiver) handleShip(req *ShipRequest) (*ShipResponse, error) {
	if err := validation.ValidatePayload(req); err != nil {
		return &ShipResponse{Error: err.Error()}, nil
	}

	muts, err := DecodeMutations(req.Payload, req.Checksum)
	if err != nil {
		r.logger.Warn("rejecting undecodable ship batch",
			logging.String("batch_id", req.BatchID),
			logging.Error(err))
		return &ShipResponse{Error: err.Error()}, nil
	}

	confirmed, err := r.applier.ApplyDuplicated(req.Gpid, muts)
	if err != nil {
		return &ShipResponse{Error: err.Error()}, nil
	}

	r.mu.Lock()
	if confirmed > r.confirmed[req.Gpid] {
		r.confirmed[req.Gpid] = confirmed
	}
	confirmed = r.confirmed[req.Gpid]
	r.mu.Unlock()

	r.logger.Debug("applied duplicated batch",
		logging.GPID(req.Gpid.String()),
		logging.Count(req.MutationCount),
		logging.Decree("confirmed_decree", int64(confirmed)))
	return &ShipResponse{ConfirmedDecree: confirmed}, nil
}

// ConfirmedDecree returns the highest decree confirmed for a partition.
func (r *Receiver) ConfirmedDecree(gpid replica.GPID) replica.Decree {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.confirmed[gpid]; ok {
		return d
	}
	return replica.InvalidDecree
}
