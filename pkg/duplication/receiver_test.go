package duplication

import (
	"context"
	"testing"

	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/replica"
	"github.com/dd0wney/cluso-replication/pkg/replica/replicatest"
	"github.com/dd0wney/cluso-replication/pkg/rpc"
)

// memApplier commits duplicated batches into a MemReplica.
type memApplier struct {
	r *replicatest.MemReplica
}

func (a *memApplier) ApplyDuplicated(_ replica.GPID, muts []*replica.Mutation) (replica.Decree, error) {
	for _, m := range muts {
		if m.Decree <= a.r.LastCommittedDecree() {
			continue // re-delivered decree
		}
		a.r.Commit(m)
	}
	return a.r.LastCommittedDecree(), nil
}

// routerTransport dispatches ship requests through a message router
// in-process, standing in for a dialed socket.
type routerTransport struct {
	router *rpc.MessageRouter
}

func (t *routerTransport) Ship(_ context.Context, req *ShipRequest) (*ShipResponse, error) {
	msg, err := rpc.NewMessage(rpc.MsgShipMutations, req)
	if err != nil {
		return nil, err
	}
	reply := t.router.Dispatch(msg)
	var resp ShipResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *routerTransport) Close() error { return nil }

func TestReceiverAppliesAndDeduplicates(t *testing.T) {
	remote := testReplica()
	router := rpc.NewMessageRouter(logging.NewDefaultLogger())
	rcv := NewReceiver(router, &memApplier{r: remote}, logging.NewDefaultLogger())
	transport := &routerTransport{router: router}

	muts := []*replica.Mutation{
		{Decree: 1, Ballot: 1, Data: []byte("a")},
		{Decree: 2, Ballot: 1, Data: []byte("b")},
	}
	payload, checksum, err := EncodeMutations(muts)
	if err != nil {
		t.Fatalf("EncodeMutations failed: %v", err)
	}
	req := &ShipRequest{
		BatchID:       "batch-1",
		Dupid:         1,
		Gpid:          remote.GPID(),
		RemoteCluster: "tcp://remote:34801",
		StartDecree:   1,
		LastDecree:    2,
		MutationCount: len(muts),
		Payload:       payload,
		Checksum:      checksum,
	}

	resp, err := transport.Ship(context.Background(), req)
	if err != nil {
		t.Fatalf("Ship failed: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("ship rejected: %s", resp.Error)
	}
	if resp.ConfirmedDecree != 2 {
		t.Fatalf("confirmed = %d, want 2", resp.ConfirmedDecree)
	}

	// Re-delivery of the same batch is absorbed without error.
	resp, err = transport.Ship(context.Background(), req)
	if err != nil || resp.Error != "" {
		t.Fatalf("re-delivered batch rejected: %v %s", err, resp.Error)
	}
	if resp.ConfirmedDecree != 2 {
		t.Fatalf("confirmed after re-delivery = %d, want 2", resp.ConfirmedDecree)
	}
	if got := rcv.ConfirmedDecree(remote.GPID()); got != 2 {
		t.Fatalf("receiver confirmed = %d, want 2", got)
	}
}

func TestReceiverRejectsCorruptPayload(t *testing.T) {
	remote := testReplica()
	router := rpc.NewMessageRouter(logging.NewDefaultLogger())
	NewReceiver(router, &memApplier{r: remote}, logging.NewDefaultLogger())
	transport := &routerTransport{router: router}

	muts := []*replica.Mutation{{Decree: 1, Ballot: 1, Data: []byte("a")}}
	payload, checksum, err := EncodeMutations(muts)
	if err != nil {
		t.Fatalf("EncodeMutations failed: %v", err)
	}

	resp, err := transport.Ship(context.Background(), &ShipRequest{
		BatchID:       "batch-bad",
		Dupid:         1,
		Gpid:          remote.GPID(),
		RemoteCluster: "tcp://remote:34801",
		StartDecree:   1,
		LastDecree:    1,
		MutationCount: 1,
		Payload:       payload,
		Checksum:      checksum + 1,
	})
	if err != nil {
		t.Fatalf("Ship failed: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("corrupt payload must be rejected")
	}
	if got := remote.LastCommittedDecree(); got != replica.InvalidDecree {
		t.Fatalf("corrupt batch applied, committed = %d", got)
	}
}
