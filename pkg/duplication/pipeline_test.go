package duplication

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// TestPipelineShipsInOrder drives the full Load -> Ship -> Load cycle: a
// duplicator resumed at confirmed decree 5 ships decrees 6..15 from the live
// cache in strictly increasing order and confirms 15 only after every batch
// is acknowledged.
func TestPipelineShipsInOrder(t *testing.T) {
	r := testReplica()
	for d := replica.Decree(1); d <= 15; d++ {
		r.Commit(&replica.Mutation{Decree: d, Ballot: 1, Data: []byte("write")})
	}

	pool := executor.NewLongPool(2)
	defer pool.Shutdown()

	transport := &memTransport{}
	cfg := testConfig()
	cfg.BatchSize = 2 // force multiple batches

	entry := testEntry(StatusStart, map[int32]replica.Decree{1: 5})
	d, err := NewDuplicator(entry, r, transport, pool, metrics.NewRegistry(),
		logging.NewDefaultLogger(), cfg)
	require.NoError(t, err)
	defer d.Close()

	require.Eventually(t, func() bool {
		return d.Progress().ConfirmedDecree == 15
	}, 5*time.Second, 5*time.Millisecond)

	batches := transport.shippedBatches()
	require.NotEmpty(t, batches)

	next := replica.Decree(6)
	for _, b := range batches {
		assert.Equal(t, next, b.StartDecree, "batches must leave in decree order")
		muts, err := DecodeMutations(b.Payload, b.Checksum)
		require.NoError(t, err)
		for _, m := range muts {
			assert.Equal(t, next, m.Decree)
			next++
		}
	}
	assert.Equal(t, replica.Decree(16), next, "decrees 6..15 each shipped exactly once")

	p := d.Progress()
	assert.LessOrEqual(t, p.ConfirmedDecree, p.LastDecree)
}

// TestPipelineForksToPrivateLog evicts the needed decrees from the mutation
// cache so the pipeline must re-derive them from the durable log.
func TestPipelineForksToPrivateLog(t *testing.T) {
	r := testReplica()
	for d := replica.Decree(1); d <= 15; d++ {
		r.Commit(&replica.Mutation{Decree: d, Ballot: 1, Data: []byte("write")})
	}
	// Cache now starts at 11; decrees 6..10 only exist in the log.
	r.Cache.EvictUpTo(10)

	d, transport := newTestDuplicator(t, StatusStart, 5, r)

	require.Eventually(t, func() bool {
		return d.Progress().ConfirmedDecree == 15
	}, 5*time.Second, 5*time.Millisecond)

	muts, err := DecodeMutations(transport.shippedBatches()[0].Payload, transport.shippedBatches()[0].Checksum)
	require.NoError(t, err)
	assert.Equal(t, replica.Decree(6), muts[0].Decree)
}

// TestPipelineStopsOnGCTruncation reclaims log segments the duplication
// still needs; the pipeline must stop with a visible data-loss error rather
// than retry.
func TestPipelineStopsOnGCTruncation(t *testing.T) {
	r := testReplica()
	for d := replica.Decree(1); d <= 15; d++ {
		r.Commit(&replica.Mutation{Decree: d, Ballot: 1, Data: []byte("write")})
	}
	r.Cache.EvictUpTo(10)
	r.Log.GCUpTo(10) // decrees <= 10 are gone everywhere

	d, transport := newTestDuplicator(t, StatusStart, 5, r)

	require.Eventually(t, func() bool {
		return d.Err() != nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, d.Err(), ErrLogGced)
	assert.Empty(t, transport.shippedBatches())
	assert.NotEmpty(t, d.Snapshot().FatalError)
}

// TestTransientShipFailuresAreRetried fails the first ships and expects the
// pipeline to absorb the failures with backoff, never surfacing an error.
func TestTransientShipFailuresAreRetried(t *testing.T) {
	r := testReplica()
	for d := replica.Decree(1); d <= 5; d++ {
		r.Commit(&replica.Mutation{Decree: d, Ballot: 1, Data: []byte("write")})
	}

	pool := executor.NewLongPool(2)
	defer pool.Shutdown()

	transport := &memTransport{failures: 3}
	entry := testEntry(StatusStart, map[int32]replica.Decree{1: 0})
	d, err := NewDuplicator(entry, r, transport, pool, metrics.NewRegistry(),
		logging.NewDefaultLogger(), testConfig())
	require.NoError(t, err)
	defer d.Close()

	require.Eventually(t, func() bool {
		return d.Progress().ConfirmedDecree == 5
	}, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, d.Err())
}

// TestPauseResumeContinuesFromConfirmed pauses a running duplicator, commits
// more writes, and expects resume to pick up from the confirmed decree.
func TestPauseResumeContinuesFromConfirmed(t *testing.T) {
	r := testReplica()
	for d := replica.Decree(1); d <= 5; d++ {
		r.Commit(&replica.Mutation{Decree: d, Ballot: 1, Data: []byte("write")})
	}

	d, _ := newTestDuplicator(t, StatusStart, 0, r)
	require.Eventually(t, func() bool {
		return d.Progress().ConfirmedDecree == 5
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, d.SetStatus(StatusPause))

	for dec := replica.Decree(6); dec <= 8; dec++ {
		r.Commit(&replica.Mutation{Decree: dec, Ballot: 1, Data: []byte("late")})
	}
	assert.Equal(t, replica.Decree(5), d.Progress().ConfirmedDecree)

	require.NoError(t, d.SetStatus(StatusStart))
	require.Eventually(t, func() bool {
		return d.Progress().ConfirmedDecree == 8
	}, 5*time.Second, 5*time.Millisecond)
}

// stallTransport blocks its first Ship until the run is cancelled and
// acknowledges everything after that.
type stallTransport struct {
	memTransport
	once    sync.Once
	started chan struct{}
}

func (t *stallTransport) Ship(ctx context.Context, req *ShipRequest) (*ShipResponse, error) {
	first := false
	t.once.Do(func() { first = true })
	if first {
		close(t.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return t.memTransport.Ship(ctx, req)
}

// TestPauseDuringInFlightShipRecoversOnResume pauses while a batch is stuck
// mid-transmit. The abandoned batch must not wedge confirmation: resume has
// to re-ship from the confirmed decree and drive progress to the end.
func TestPauseDuringInFlightShipRecoversOnResume(t *testing.T) {
	r := testReplica()
	for dec := replica.Decree(1); dec <= 4; dec++ {
		r.Commit(&replica.Mutation{Decree: dec, Ballot: 1, Data: []byte("write")})
	}

	pool := executor.NewLongPool(2)
	defer pool.Shutdown()

	transport := &stallTransport{started: make(chan struct{})}
	entry := testEntry(StatusStart, map[int32]replica.Decree{1: 0})
	d, err := NewDuplicator(entry, r, transport, pool, metrics.NewRegistry(),
		logging.NewDefaultLogger(), testConfig())
	require.NoError(t, err)
	defer d.Close()

	select {
	case <-transport.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first ship never reached the transport")
	}

	require.NoError(t, d.SetStatus(StatusPause))
	assert.Equal(t, replica.Decree(0), d.Progress().ConfirmedDecree)

	require.NoError(t, d.SetStatus(StatusStart))
	require.Eventually(t, func() bool {
		return d.Progress().ConfirmedDecree == 4
	}, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, d.Err())
}

// serialCheckTransport acknowledges slowly and records whether two Ship calls
// ever overlapped.
type serialCheckTransport struct {
	memTransport
	inFlight int32
	overlap  int32
}

func (t *serialCheckTransport) Ship(ctx context.Context, req *ShipRequest) (*ShipResponse, error) {
	if atomic.AddInt32(&t.inFlight, 1) > 1 {
		atomic.StoreInt32(&t.overlap, 1)
	}
	defer atomic.AddInt32(&t.inFlight, -1)
	time.Sleep(2 * time.Millisecond)
	return t.memTransport.Ship(ctx, req)
}

// TestWireTransmissionIsSerialized fills the outstanding window with several
// single-decree batches against a slow remote. The wire must see one batch at
// a time, in decree order: the window bounds handoff, never concurrent sends.
func TestWireTransmissionIsSerialized(t *testing.T) {
	r := testReplica()
	for dec := replica.Decree(1); dec <= 6; dec++ {
		r.Commit(&replica.Mutation{Decree: dec, Ballot: 1, Data: []byte("write")})
	}

	pool := executor.NewLongPool(2)
	defer pool.Shutdown()

	transport := &serialCheckTransport{}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.MaxInFlight = 4

	entry := testEntry(StatusStart, map[int32]replica.Decree{1: 0})
	d, err := NewDuplicator(entry, r, transport, pool, metrics.NewRegistry(),
		logging.NewDefaultLogger(), cfg)
	require.NoError(t, err)
	defer d.Close()

	require.Eventually(t, func() bool {
		return d.Progress().ConfirmedDecree == 6
	}, 5*time.Second, 5*time.Millisecond)

	assert.Zero(t, atomic.LoadInt32(&transport.overlap), "ship calls must never overlap")

	batches := transport.shippedBatches()
	require.Len(t, batches, 6)
	for i, b := range batches {
		assert.Equal(t, replica.Decree(i+1), b.StartDecree, "batches must arrive in decree order")
	}
}

// TestGapInsidePrivateLogScanIsFatal corrupts the log tail by reclaiming a
// middle range, producing a decree gap the scan must refuse to paper over.
func TestGapInsidePrivateLogScanIsFatal(t *testing.T) {
	r := testReplica()
	// Log holds 6..15 but the cache holds nothing useful.
	for d := replica.Decree(6); d <= 15; d++ {
		r.Log.Append(&replica.Mutation{Decree: d, Ballot: 1, Data: []byte("w")})
	}
	r.SetLastCommitted(15)
	// Drop 8..10 from the log without moving the GC mark.
	r.Log.Remove(8, 10)

	d, _ := newTestDuplicator(t, StatusStart, 5, r)

	require.Eventually(t, func() bool {
		return d.Err() != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, d.Err(), ErrMissingLogEntries)
}
