package split

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/replica"
	"github.com/dd0wney/cluso-replication/pkg/replica/replicatest"
)

// fakeMeta registers children unconditionally, echoing back the doubled
// partition count the way the coordinator would.
type fakeMeta struct {
	mu    sync.Mutex
	calls int
}

func (m *fakeMeta) RegisterChildPartition(_ context.Context, req *RegisterChildRequest) (*RegisterChildResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	app := req.App
	app.PartitionCount = req.ChildConfig.PartitionCount
	return &RegisterChildResponse{
		App:          app,
		ParentConfig: PartitionConfig{Gpid: req.ParentConfig.Gpid, Ballot: req.ParentConfig.Ballot, Primary: req.ParentConfig.Primary, PartitionCount: app.PartitionCount},
		ChildConfig:  PartitionConfig{Gpid: req.ChildConfig.Gpid, Ballot: req.ChildConfig.Ballot, Primary: req.ChildConfig.Primary, PartitionCount: app.PartitionCount},
	}, nil
}

func (m *fakeMeta) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// localParentClient forwards catch-up notifications to the parent manager
// in-process, recording the sync point the parent reports and optionally
// running a hook before the first notification.
type localParentClient struct {
	parent *Manager

	mu            sync.Mutex
	beforeFirst   func()
	syncPointSeen replica.Decree
}

func (c *localParentClient) NotifyChildCatchUp(_ context.Context, req *NotifyCatchUpRequest) (*NotifyCatchUpResponse, error) {
	c.mu.Lock()
	if c.beforeFirst != nil {
		hook := c.beforeFirst
		c.beforeFirst = nil
		c.mu.Unlock()
		hook()
	} else {
		c.mu.Unlock()
	}

	resp, err := c.parent.OnChildCatchUp(req)
	if resp != nil && resp.SyncPoint > 0 {
		c.mu.Lock()
		c.syncPointSeen = resp.SyncPoint
		c.mu.Unlock()
	}
	return resp, err
}

func (c *localParentClient) seenSyncPoint() replica.Decree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncPointSeen
}

// logReplayerFor reads the parent's in-memory log, standing in for
// plog.ReplayFiles over real segment files.
func logReplayerFor(parent *replicatest.MemReplica) LogReplayer {
	return func(_ []string, handler func(*replica.Mutation) error) error {
		muts, err := parent.Log.ReadFrom(0, 1<<20)
		if err != nil {
			return err
		}
		for _, m := range muts {
			if err := handler(m); err != nil {
				return err
			}
		}
		return nil
	}
}

// testCluster wires a parent and (lazily) a child split manager in-process.
type testCluster struct {
	t      *testing.T
	pool   *executor.LongPool
	parent *replicatest.MemReplica
	meta   *fakeMeta
	client *localParentClient

	parentMgr *Manager

	mu         sync.Mutex
	childRep   *replicatest.MemReplica
	childMgr   *Manager
	failedGpid replica.GPID
	failedErr  error
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	pool := executor.NewLongPool(4)
	t.Cleanup(pool.Shutdown)

	parent := replicatest.NewMemReplica(
		replica.GPID{AppID: 2, PartitionIndex: 1},
		replica.AppInfo{AppID: 2, AppName: "temp", PartitionCount: 4})

	c := &testCluster{t: t, pool: pool, parent: parent, meta: &fakeMeta{}}
	c.parentMgr = NewParentManager(parent, nil, c.meta, c, "tcp://parent:34801",
		t.TempDir(), pool, metrics.NewRegistry(), logging.NewDefaultLogger(), testSplitConfig())
	c.client = &localParentClient{parent: c.parentMgr}
	return c
}

func testSplitConfig() Config {
	cfg := DefaultConfig()
	cfg.NotifyRetryDelay = 2 * time.Millisecond
	cfg.RegisterRetryDelay = 2 * time.Millisecond
	return cfg
}

// StartChild implements ChildStarter.
func (c *testCluster) StartChild(app replica.AppInfo, parentGpid, childGpid replica.GPID,
	ballot replica.Ballot, primary string) (ChildHandle, error) {

	childRep := replicatest.NewMemReplica(childGpid, app)
	childMgr, err := NewChildManager(childRep, parentGpid, ballot, c.client,
		&ReplicaCatchUpSource{Parent: c.parent}, logReplayerFor(c.parent),
		c.pool, metrics.NewRegistry(), logging.NewDefaultLogger(), testSplitConfig(),
		func(gpid replica.GPID, err error) {
			c.mu.Lock()
			c.failedGpid, c.failedErr = gpid, err
			c.mu.Unlock()
		})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.childRep, c.childMgr = childRep, childMgr
	c.mu.Unlock()
	return childMgr, nil
}

func (c *testCluster) child() (*replicatest.MemReplica, *Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childRep, c.childMgr
}

func (c *testCluster) childFailure() (replica.GPID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedGpid, c.failedErr
}

func commitRange(r *replicatest.MemReplica, from, to replica.Decree) {
	for d := from; d <= to; d++ {
		r.Commit(&replica.Mutation{Decree: d, Ballot: 1, Data: []byte("write")})
	}
}

// TestSplitHappyPath walks the full protocol: snapshot at decree 50, log
// tail 51..60, catch-up over 61..63 committed during the handoff, sync point
// 61 confirmed, registration, and a simultaneous partition-version move on
// both sides.
func TestSplitHappyPath(t *testing.T) {
	c := newTestCluster(t)
	commitRange(c.parent, 1, 60)
	c.parent.SetCheckpointDecree(50)

	// The handoff window: three more decrees land on the parent right
	// before the child first reports in.
	c.client.beforeFirst = func() { commitRange(c.parent, 61, 63) }

	childGpid := replica.GPID{AppID: 2, PartitionIndex: 5}
	err := c.parentMgr.OnGroupCheck(&GroupCheckRequest{
		App:        *c.parent.AppInfo(),
		ParentGpid: c.parent.GPID(),
		ChildGpid:  childGpid,
		Ballot:     c.parent.Ballot(),
		Primary:    "tcp://parent:34801",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, mgr := c.child()
		return mgr != nil && mgr.Active()
	}, 5*time.Second, 5*time.Millisecond)

	childRep, childMgr := c.child()

	// Bootstrap order held: checkpoint then log tail then catch-up.
	assert.Contains(t, childRep.AppliedCheckpoint(), "checkpoint-50")
	assert.Equal(t, replica.Decree(63), childRep.LastCommittedDecree())

	// The first notification carried committed decree 60 and was turned
	// away with the sync point.
	assert.Equal(t, replica.Decree(61), c.client.seenSyncPoint())

	// Both sides moved to the doubled partition count together.
	assert.Equal(t, 8, c.parent.AppInfo().PartitionCount)
	assert.Equal(t, 8, childRep.AppInfo().PartitionCount)
	assert.Equal(t, int32(7), c.parentMgr.Tracker().PartitionVersion())
	assert.Equal(t, int32(7), childMgr.Tracker().PartitionVersion())
	assert.Equal(t, replica.StatusPrimary, childRep.Status())

	// Requests routed with the pre-split version are rejected until the
	// client refreshes.
	assert.ErrorIs(t, c.parentMgr.Tracker().AllowRequest(3), ErrStaleVersion)
	assert.NoError(t, c.parentMgr.Tracker().AllowRequest(7))

	// Split context released on both sides.
	assert.False(t, c.parentMgr.Tracker().Splitting())
	assert.True(t, c.parentMgr.Tracker().ChildGPID().IsZero())
	assert.Equal(t, 1, c.meta.callCount())

	parentSnap := c.parentMgr.Snapshot()
	assert.Equal(t, "parent", parentSnap.Role)
	assert.False(t, parentSnap.Splitting)
	assert.Equal(t, int32(7), parentSnap.PartitionVersion)
	childSnap := childMgr.Snapshot()
	assert.Equal(t, "child", childSnap.Role)
	assert.True(t, childSnap.Active)
}

// TestSplitAbortsOnBallotChange changes the parent's ballot mid-split: the
// split must clean up, the child must never activate, and the coordinator
// must never be asked to register.
func TestSplitAbortsOnBallotChange(t *testing.T) {
	c := newTestCluster(t)
	commitRange(c.parent, 1, 10)

	childGpid := replica.GPID{AppID: 2, PartitionIndex: 5}
	err := c.parentMgr.OnAddChild(&GroupCheckRequest{
		App:        *c.parent.AppInfo(),
		ParentGpid: c.parent.GPID(),
		ChildGpid:  childGpid,
		Ballot:     c.parent.Ballot(),
		Primary:    "tcp://parent:34801",
	})
	require.NoError(t, err)

	// Leadership moves before the child can report catch-up.
	c.parent.SetBallot(2)

	require.Eventually(t, func() bool {
		gpid, _ := c.childFailure()
		return !c.parentMgr.Tracker().Splitting() && gpid == childGpid
	}, 5*time.Second, 5*time.Millisecond)

	_, childMgr := c.child()
	childRep, _ := c.child()
	assert.False(t, childMgr.Active())
	assert.Equal(t, replica.StatusError, childRep.Status())

	_, failErr := c.childFailure()
	assert.ErrorIs(t, failErr, ErrChildMustStop)

	// Partition versions unchanged: no half-applied configuration.
	assert.Equal(t, int32(3), c.parentMgr.Tracker().PartitionVersion())
	assert.Equal(t, VersionRejectAll, childMgr.Tracker().PartitionVersion())
	assert.Equal(t, 0, c.meta.callCount())
}

// TestStaleBallotDirectiveRejected refuses a create-child directive carrying
// a ballot the parent has already moved past.
func TestStaleBallotDirectiveRejected(t *testing.T) {
	c := newTestCluster(t)
	c.parent.SetBallot(5)

	err := c.parentMgr.OnAddChild(&GroupCheckRequest{
		App:        *c.parent.AppInfo(),
		ParentGpid: c.parent.GPID(),
		ChildGpid:  replica.GPID{AppID: 2, PartitionIndex: 5},
		Ballot:     4,
		Primary:    "tcp://parent:34801",
	})
	require.ErrorIs(t, err, ErrBallotChanged)
	assert.False(t, c.parentMgr.Tracker().Splitting())
}

// TestNonPrimaryCannotSpawnChild rejects the directive on a replica whose
// role is not eligible.
func TestNonPrimaryCannotSpawnChild(t *testing.T) {
	c := newTestCluster(t)
	c.parent.SetStatus(replica.StatusSecondary)

	err := c.parentMgr.OnAddChild(&GroupCheckRequest{
		App:        *c.parent.AppInfo(),
		ParentGpid: c.parent.GPID(),
		ChildGpid:  replica.GPID{AppID: 2, PartitionIndex: 5},
		Ballot:     1,
	})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

// TestReplayDiscontinuityFailsChild feeds the child a log tail with a decree
// gap; the child must report a must-not-continue outcome, not crash, and
// keep rejecting requests.
func TestReplayDiscontinuityFailsChild(t *testing.T) {
	pool := executor.NewLongPool(2)
	defer pool.Shutdown()

	parent := replicatest.NewMemReplica(
		replica.GPID{AppID: 2, PartitionIndex: 1},
		replica.AppInfo{AppID: 2, AppName: "temp", PartitionCount: 4})
	commitRange(parent, 1, 60)
	parent.Log.Remove(53, 53)

	childRep := replicatest.NewMemReplica(
		replica.GPID{AppID: 2, PartitionIndex: 5},
		*parent.AppInfo())

	var mu sync.Mutex
	var failErr error
	childMgr, err := NewChildManager(childRep, parent.GPID(), 1,
		&localParentClient{}, &ReplicaCatchUpSource{Parent: parent}, logReplayerFor(parent),
		pool, metrics.NewRegistry(), logging.NewDefaultLogger(), testSplitConfig(),
		func(_ replica.GPID, err error) {
			mu.Lock()
			failErr = err
			mu.Unlock()
		})
	require.NoError(t, err)

	err = childMgr.LearnStates(&LearnedChildState{
		CheckpointPath:      "checkpoint-50",
		CheckpointDecree:    50,
		LogFiles:            []string{"plog.51.seg"},
		LastCommittedDecree: 60,
	}, replica.NewPrepareList(nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failErr != nil
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	got := failErr
	mu.Unlock()
	assert.ErrorIs(t, got, ErrChildMustStop)
	assert.Equal(t, replica.StatusError, childRep.Status())
	assert.Equal(t, VersionRejectAll, childMgr.Tracker().PartitionVersion())
	assert.True(t, errors.Is(childMgr.Tracker().AllowRequest(3), ErrNotServing))
}
