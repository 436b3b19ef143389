package split

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/replica"
	"github.com/dd0wney/cluso-replication/pkg/rpc"
)

// PartitionConfig is the coordinator-owned configuration of one partition,
// carried on register-child replies.
type PartitionConfig struct {
	Gpid           replica.GPID   `json:"gpid"`
	Ballot         replica.Ballot `json:"ballot"`
	Primary        string         `json:"primary"`
	PartitionCount int            `json:"partition_count"`
}

// GroupCheckRequest is the membership check a primary receives; when
// ChildGpid is set it carries a create-child directive (step 1).
type GroupCheckRequest struct {
	App        replica.AppInfo `json:"app"`
	ParentGpid replica.GPID    `json:"parent_gpid"`
	ChildGpid  replica.GPID    `json:"child_gpid"`
	Ballot     replica.Ballot  `json:"ballot"`
	Primary    string          `json:"primary"`
}

// NotifyCatchUpRequest is the child's signal to the parent primary that its
// bootstrap and catch-up are done (step 7).
type NotifyCatchUpRequest struct {
	ParentGpid           replica.GPID   `json:"parent_gpid" validate:"required"`
	ChildGpid            replica.GPID   `json:"child_gpid" validate:"required"`
	ChildBallot          replica.Ballot `json:"child_ballot"`
	ChildCommittedDecree replica.Decree `json:"child_committed_decree"`
}

// NotifyCatchUpResponse tells the child whether the parent accepted the
// notification. A non-empty Error naming the sync point means catch-up must
// continue; it is not a failure.
type NotifyCatchUpResponse struct {
	Error     string         `json:"error,omitempty"`
	SyncPoint replica.Decree `json:"sync_point"`
}

// RegisterChildRequest asks the coordinator to durably register the child as
// an independent partition (step 9).
type RegisterChildRequest struct {
	App          replica.AppInfo `json:"app"`
	ParentConfig PartitionConfig `json:"parent_config"`
	ChildConfig  PartitionConfig `json:"child_config"`
}

// RegisterChildResponse carries the updated partition configuration on
// success.
type RegisterChildResponse struct {
	Error        string          `json:"error,omitempty"`
	App          replica.AppInfo `json:"app"`
	ParentConfig PartitionConfig `json:"parent_config"`
	ChildConfig  PartitionConfig `json:"child_config"`
}

// MetaClient is the parent's view of the coordinator for split registration.
// The coordinator's own admission logic is external.
type MetaClient interface {
	RegisterChildPartition(ctx context.Context, req *RegisterChildRequest) (*RegisterChildResponse, error)
}

// ParentClient is the child's channel to the parent primary.
type ParentClient interface {
	NotifyChildCatchUp(ctx context.Context, req *NotifyCatchUpRequest) (*NotifyCatchUpResponse, error)
}

// mangosMetaClient talks to the coordinator over a req/rep socket.
type mangosMetaClient struct {
	client *rpc.Client
}

// NewMangosMetaClient dials the coordinator.
func NewMangosMetaClient(addr string, timeout time.Duration) (MetaClient, error) {
	client, err := rpc.NewClient(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect meta client: %w", err)
	}
	return &mangosMetaClient{client: client}, nil
}

func (c *mangosMetaClient) RegisterChildPartition(ctx context.Context, req *RegisterChildRequest) (*RegisterChildResponse, error) {
	var resp RegisterChildResponse
	if err := call(ctx, c.client, rpc.MsgRegisterChild, rpc.MsgRegisterChildReply, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// mangosParentClient reaches the parent primary over a req/rep socket.
type mangosParentClient struct {
	client *rpc.Client
}

// NewMangosParentClient dials the parent primary's replication port.
func NewMangosParentClient(addr string, timeout time.Duration) (ParentClient, error) {
	client, err := rpc.NewClient(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect parent client: %w", err)
	}
	return &mangosParentClient{client: client}, nil
}

func (c *mangosParentClient) NotifyChildCatchUp(ctx context.Context, req *NotifyCatchUpRequest) (*NotifyCatchUpResponse, error) {
	var resp NotifyCatchUpResponse
	if err := call(ctx, c.client, rpc.MsgNotifyCatchUp, rpc.MsgNotifyCatchUpReply, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call performs one typed request/reply round trip on an rpc client.
func call(ctx context.Context, client *rpc.Client, reqType, replyType rpc.MessageType, req, resp any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := rpc.NewMessage(reqType, req)
	if err != nil {
		return err
	}
	reply, err := client.Call(msg)
	if err != nil {
		return err
	}
	switch reply.Type {
	case replyType:
		return reply.Decode(resp)
	case rpc.MsgError:
		var er rpc.ErrorReply
		if err := reply.Decode(&er); err != nil {
			return err
		}
		return fmt.Errorf("rpc error: %s", er.Message)
	default:
		return fmt.Errorf("unexpected reply type %d", reply.Type)
	}
}

// RegisterParentHandlers wires the parent-side split RPCs onto a router: the
// group check carrying create-child directives and the child's catch-up
// notification.
func RegisterParentHandlers(router *rpc.MessageRouter, m *Manager) {
	rpc.HandleFunc(router, rpc.MsgNotifyCatchUp, rpc.MsgNotifyCatchUpReply,
		func(req *NotifyCatchUpRequest) (*NotifyCatchUpResponse, error) {
			return m.OnChildCatchUp(req)
		})
}
