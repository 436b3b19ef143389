// Package split implements partition split coordination: a parent replica
// snapshots its state for a newly carved-out child, the child bootstraps and
// catches up asynchronously, and the coordinator registers the child before
// it becomes independently servable. Every step is gated on one guard (the
// replica's role is still valid and the ballot has not moved since the split
// began) so the abort path is a single function, not a check scattered per
// step.
package split

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// ChildHandle is the parent's non-owning handle to the child side of the
// protocol: in-process when the child lives in the same replica server,
// remote otherwise.
type ChildHandle interface {
	// LearnStates hands the child its bootstrap bundle plus the parent's
	// in-flight prepare list. The child applies asynchronously.
	LearnStates(state *LearnedChildState, prepares *replica.PrepareList) error

	// Activate applies the registered partition configuration; the child
	// becomes independently servable.
	Activate(cfg PartitionConfig) error

	// Cancel aborts the child side. The child must never serve a partially
	// constructed key range, so it reports a must-not-continue outcome to
	// its owner rather than limping on.
	Cancel(reason error)
}

// ChildStarter constructs the child replica and its split manager when the
// parent receives a create-child directive.
type ChildStarter interface {
	StartChild(app replica.AppInfo, parentGpid, childGpid replica.GPID,
		ballot replica.Ballot, primary string) (ChildHandle, error)
}

// Manager drives one side of the split protocol for one replica. A replica
// is either the parent of a split or a freshly carved child, never both.
type Manager struct {
	tracker *StateTracker
	pool    *executor.LongPool
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Registry

	// Parent role.
	parent      ParentReplica
	meta        MetaClient
	starter     ChildStarter
	primaryAddr string
	learnDir    string

	// Child role.
	childReplica ChildReplica
	parentGpid   replica.GPID
	parentClient ParentClient
	source       CatchUpSource
	replayLogs   LogReplayer
	onChildFail  func(gpid replica.GPID, err error)

	mu         sync.Mutex
	child      ChildHandle
	syncPoint  replica.Decree
	splitStart time.Time
	canceled   bool
	active     bool
}

// NewParentManager creates the parent-side split manager for a replica.
func NewParentManager(r ParentReplica, tracker *StateTracker, meta MetaClient, starter ChildStarter,
	primaryAddr, learnDir string, pool *executor.LongPool, reg *metrics.Registry,
	logger logging.Logger, cfg Config) *Manager {

	cfg.ApplyDefaults()
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if tracker == nil {
		tracker = NewStateTracker(int32(r.AppInfo().PartitionCount - 1))
	}
	return &Manager{
		tracker:     tracker,
		pool:        pool,
		cfg:         cfg,
		logger:      logger.With(logging.Component("split-parent"), logging.GPID(r.GPID().String())),
		metrics:     reg,
		parent:      r,
		meta:        meta,
		starter:     starter,
		primaryAddr: primaryAddr,
		learnDir:    learnDir,
	}
}

// Tracker exposes the split state tracker, e.g. for request routing.
func (m *Manager) Tracker() *StateTracker { return m.tracker }

// SyncPoint returns the handoff marker decree, zero before states are
// prepared.
func (m *Manager) SyncPoint() replica.Decree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncPoint
}

// guardParent is the single abort gate evaluated before every parent-side
// transition: the replica must still be primary, a split must be tracked,
// and the ballot must not have moved since the split began.
func (m *Manager) guardParent() error {
	if !m.tracker.Splitting() {
		return ErrNotSplitting
	}
	if s := m.parent.Status(); s != replica.StatusPrimary {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, s)
	}
	if b := m.parent.Ballot(); b != m.tracker.InitBallot() {
		return fmt.Errorf("%w: started at %d, now %d", ErrBallotChanged, m.tracker.InitBallot(), b)
	}
	return nil
}

// OnGroupCheck handles a membership check from the coordinator. A request
// carrying a child gpid is a create-child directive.
func (m *Manager) OnGroupCheck(req *GroupCheckRequest) error {
	if req.ChildGpid.IsZero() {
		return nil
	}
	return m.OnAddChild(req)
}

// OnAddChild begins a split (step 1): validate eligibility, record the split
// identity, construct the child, and kick off state preparation.
func (m *Manager) OnAddChild(req *GroupCheckRequest) error {
	if s := m.parent.Status(); s != replica.StatusPrimary {
		return fmt.Errorf("%w: %s cannot spawn children", ErrInvalidStatus, s)
	}
	if b := m.parent.Ballot(); b != req.Ballot {
		return fmt.Errorf("%w: directive at %d, replica at %d", ErrBallotChanged, req.Ballot, b)
	}
	if err := m.tracker.StartSplit(req.ChildGpid, req.Ballot); err != nil {
		return err
	}

	child, err := m.starter.StartChild(req.App, m.parent.GPID(), req.ChildGpid, req.Ballot, m.primaryAddr)
	if err != nil {
		m.tracker.Reset()
		return fmt.Errorf("failed to start child %s: %w", req.ChildGpid, err)
	}

	m.mu.Lock()
	m.child = child
	m.splitStart = time.Now()
	m.mu.Unlock()

	m.logger.Info("split started",
		logging.String("child_gpid", req.ChildGpid.String()),
		logging.Ballot(int64(req.Ballot)))

	if !m.pool.Submit(m.prepareAndLearn) {
		m.abort(fmt.Errorf("long pool rejected split state preparation"))
		return nil
	}
	return nil
}

// prepareAndLearn produces the LearnedChildState and hands it to the child
// (steps 3-4).
func (m *Manager) prepareAndLearn() {
	if err := m.guardParent(); err != nil {
		m.abort(err)
		return
	}

	state, err := m.PrepareStates(m.learnDir)
	if err != nil {
		m.abort(fmt.Errorf("failed to prepare child states: %w", err))
		return
	}

	if err := m.guardParent(); err != nil {
		m.abort(err)
		return
	}

	m.mu.Lock()
	child := m.child
	m.mu.Unlock()
	if err := child.LearnStates(state, m.parent.PrepareList()); err != nil {
		m.abort(fmt.Errorf("child rejected learned state: %w", err))
	}
}

// PrepareStates builds the child's bootstrap bundle rooted at dir (step 3):
// a checkpoint, the private log files extending it, and the in-memory
// mutation tail. The first decree after the snapshot becomes the sync point
// the child must commit before registration.
func (m *Manager) PrepareStates(dir string) (*LearnedChildState, error) {
	ckptPath, ckptDecree, err := m.parent.CopyCheckpoint(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint copy failed: %w", err)
	}

	logFiles, totalBytes, err := m.parent.PrivateLog().SegmentsSince(ckptDecree + 1)
	if err != nil {
		return nil, fmt.Errorf("failed to reference private log files: %w", err)
	}

	lastCommitted := m.parent.LastCommittedDecree()

	// Tail mutations still resident in memory. Anything the window has
	// already evicted is covered by the log files.
	var tail []*replica.Mutation
	cache := m.parent.MutationCache()
	for d := ckptDecree + 1; d <= lastCommitted; d++ {
		if mut, ok := cache.Get(d); ok {
			tail = append(tail, mut)
		}
	}

	m.mu.Lock()
	m.syncPoint = lastCommitted + 1
	m.mu.Unlock()

	m.metrics.SplitLearnBytes.Add(float64(totalBytes))
	m.logger.Info("prepared child states",
		logging.Decree("checkpoint_decree", int64(ckptDecree)),
		logging.Decree("last_committed", int64(lastCommitted)),
		logging.Count(len(logFiles)))

	return &LearnedChildState{
		CheckpointPath:      ckptPath,
		CheckpointDecree:    ckptDecree,
		Mutations:           tail,
		LogFiles:            logFiles,
		TotalBytes:          totalBytes,
		LastCommittedDecree: lastCommitted,
	}, nil
}

// OnChildCatchUp handles the child's catch-up notification (steps 8-9). If
// the sync point is committed on the child, registration with the
// coordinator begins; otherwise the child is told to keep catching up.
func (m *Manager) OnChildCatchUp(req *NotifyCatchUpRequest) (*NotifyCatchUpResponse, error) {
	if err := m.guardParent(); err != nil {
		if errors.Is(err, ErrBallotChanged) {
			m.abort(err)
		}
		return nil, err
	}
	if req.ChildGpid != m.tracker.ChildGPID() {
		return nil, fmt.Errorf("%w: notification from unexpected child %s", ErrInvalidStatus, req.ChildGpid)
	}
	if req.ChildBallot != m.tracker.InitBallot() {
		return nil, fmt.Errorf("%w: child at %d, split began at %d",
			ErrBallotChanged, req.ChildBallot, m.tracker.InitBallot())
	}

	if err := m.checkSyncPointCommit(req.ChildCommittedDecree); err != nil {
		m.mu.Lock()
		sync := m.syncPoint
		m.mu.Unlock()
		return &NotifyCatchUpResponse{Error: err.Error(), SyncPoint: sync}, nil
	}

	m.logger.Info("child caught up",
		logging.String("child_gpid", req.ChildGpid.String()),
		logging.Decree("child_committed", int64(req.ChildCommittedDecree)))

	if !m.pool.Submit(m.registerChildOnMeta) {
		m.abort(fmt.Errorf("long pool rejected child registration"))
	}
	return &NotifyCatchUpResponse{}, nil
}

// checkSyncPointCommit verifies the handoff gate: the child has committed
// the first decree sent to it synchronously. If the parent has written
// nothing since the snapshot, the child only needs to match the parent's
// committed decree.
func (m *Manager) checkSyncPointCommit(childCommitted replica.Decree) error {
	m.mu.Lock()
	sync := m.syncPoint
	m.mu.Unlock()

	if childCommitted >= sync {
		return nil
	}
	if childCommitted >= m.parent.LastCommittedDecree() {
		return nil
	}
	return fmt.Errorf("%w: sync point %d, child committed %d", ErrSyncPointNotCommitted, sync, childCommitted)
}

// registerChildOnMeta asks the coordinator to durably register the child
// (step 9), retrying transient failures with backoff while the guard holds.
func (m *Manager) registerChildOnMeta() {
	app := *m.parent.AppInfo()
	req := &RegisterChildRequest{
		App: app,
		ParentConfig: PartitionConfig{
			Gpid:           m.parent.GPID(),
			Ballot:         m.tracker.InitBallot(),
			Primary:        m.primaryAddr,
			PartitionCount: app.PartitionCount,
		},
		ChildConfig: PartitionConfig{
			Gpid:           m.tracker.ChildGPID(),
			Ballot:         m.tracker.InitBallot(),
			Primary:        m.primaryAddr,
			PartitionCount: app.PartitionCount * 2,
		},
	}

	backoff := m.cfg.RegisterRetryDelay
	for {
		if err := m.guardParent(); err != nil {
			m.abort(err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RPCTimeout)
		resp, err := m.meta.RegisterChildPartition(ctx, req)
		cancel()
		if err == nil && resp.Error == "" {
			m.onRegisterReply(resp)
			return
		}
		if err == nil {
			err = fmt.Errorf("coordinator refused registration: %s", resp.Error)
		}

		m.logger.Warn("child registration failed, backing off",
			logging.Duration("backoff", backoff),
			logging.Error(err))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > m.cfg.RegisterMaxDelay {
			backoff = m.cfg.RegisterMaxDelay
		}
	}
}

// onRegisterReply finishes the split (step 10): the parent and child apply
// the registered configuration, their partition versions move to the new
// partition count together, and the split context is released.
func (m *Manager) onRegisterReply(resp *RegisterChildResponse) {
	if err := m.guardParent(); err != nil {
		m.abort(err)
		return
	}

	m.mu.Lock()
	child := m.child
	start := m.splitStart
	m.mu.Unlock()

	m.parent.SetPartitionCount(resp.App.PartitionCount)
	m.tracker.SetPartitionVersion(int32(resp.App.PartitionCount - 1))
	m.metrics.SetPartitionVersion(m.parent.GPID().String(), int32(resp.App.PartitionCount-1))

	if err := child.Activate(resp.ChildConfig); err != nil {
		// Registration is durable at the coordinator; the child will be
		// re-activated through normal configuration sync. The parent side
		// of the split is done either way.
		m.logger.Warn("child activation failed after registration", logging.Error(err))
	}

	m.metrics.RecordSplitResult("registered", time.Since(start))
	m.logger.Info("split registered",
		logging.String("child_gpid", resp.ChildConfig.Gpid.String()),
		logging.Int("partition_count", resp.App.PartitionCount))

	m.CleanupSplitContext()
}

// abort runs the parent's single abort path: cancel the child, clear the
// split context, and let normal replication continue. A ballot change lands
// here too; it is an expected concurrency outcome, not an error.
func (m *Manager) abort(reason error) {
	m.mu.Lock()
	child := m.child
	m.mu.Unlock()

	if errors.Is(reason, ErrBallotChanged) {
		m.logger.Info("split aborted by leadership change", logging.Error(reason))
	} else {
		m.logger.Warn("split aborted", logging.Error(reason))
	}

	if child != nil {
		child.Cancel(reason)
	}
	m.metrics.RecordSplitResult("aborted", 0)
	m.CleanupSplitContext()
}

// CleanupSplitContext resets the parent's split state so a later split (or
// plain operation) can proceed.
func (m *Manager) CleanupSplitContext() {
	m.tracker.Reset()
	m.mu.Lock()
	m.child = nil
	m.syncPoint = 0
	m.mu.Unlock()
}

// StatusSnapshot is the introspection view of one split manager, serialized
// on status endpoints.
type StatusSnapshot struct {
	Role             string         `json:"role"`
	Gpid             string         `json:"gpid"`
	Splitting        bool           `json:"splitting"`
	ChildGpid        string         `json:"child_gpid,omitempty"`
	SyncPoint        replica.Decree `json:"sync_point,omitempty"`
	PartitionVersion int32          `json:"partition_version"`
	Active           bool           `json:"active,omitempty"`
}

// Snapshot returns the current introspection view.
func (m *Manager) Snapshot() StatusSnapshot {
	m.mu.Lock()
	sync := m.syncPoint
	active := m.active
	m.mu.Unlock()

	snap := StatusSnapshot{
		Splitting:        m.tracker.Splitting(),
		SyncPoint:        sync,
		PartitionVersion: m.tracker.PartitionVersion(),
	}
	if m.parent != nil {
		snap.Role = "parent"
		snap.Gpid = m.parent.GPID().String()
		if child := m.tracker.ChildGPID(); !child.IsZero() {
			snap.ChildGpid = child.String()
		}
	} else {
		snap.Role = "child"
		snap.Gpid = m.childReplica.GPID().String()
		snap.Active = active
	}
	return snap
}
