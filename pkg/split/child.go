package split

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/plog"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// LogReplayer streams the entries of learned private log files, oldest
// first, through a handler. Production uses plog.ReplayFiles.
type LogReplayer func(paths []string, handler func(*replica.Mutation) error) error

// NewChildManager constructs the child-side split manager and performs child
// replica initialization (step 2): the child records its parent's identity
// and the ballot the split began under, takes the transient split role, and
// rejects every client request until it is activated. A nil replayer means
// plog.ReplayFiles.
func NewChildManager(r ChildReplica, parentGpid replica.GPID, ballot replica.Ballot,
	parentClient ParentClient, source CatchUpSource, replayer LogReplayer,
	pool *executor.LongPool, reg *metrics.Registry, logger logging.Logger, cfg Config,
	onFail func(gpid replica.GPID, err error)) (*Manager, error) {

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if replayer == nil {
		replayer = plog.ReplayFiles
	}

	tracker := NewStateTracker(VersionRejectAll)
	if err := tracker.StartSplit(r.GPID(), ballot); err != nil {
		return nil, err
	}
	r.SetStatus(replica.StatusPartitionSplit)

	m := &Manager{
		tracker: tracker,
		pool:    pool,
		cfg:     cfg,
		logger: logger.With(logging.Component("split-child"),
			logging.GPID(r.GPID().String()),
			logging.String("parent_gpid", parentGpid.String())),
		metrics:      reg,
		childReplica: r,
		parentGpid:   parentGpid,
		parentClient: parentClient,
		source:       source,
		replayLogs:   replayer,
		onChildFail:  onFail,
	}
	m.metrics.SetPartitionVersion(r.GPID().String(), VersionRejectAll)
	m.logger.Info("child replica initialized", logging.Ballot(int64(ballot)))
	return m, nil
}

// guardChild is the child's single abort gate: it must still hold the
// transient split role and not have been cancelled.
func (m *Manager) guardChild() error {
	m.mu.Lock()
	canceled := m.canceled
	m.mu.Unlock()
	if canceled {
		return ErrChildMustStop
	}
	if !m.tracker.Splitting() {
		return ErrNotSplitting
	}
	if s := m.childReplica.Status(); s != replica.StatusPartitionSplit {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, s)
	}
	return nil
}

// LearnStates implements ChildHandle (step 4): the prepare list is copied
// first so in-flight writes are not lost, then the bundle is applied
// asynchronously in checkpoint -> log -> memory order.
func (m *Manager) LearnStates(state *LearnedChildState, prepares *replica.PrepareList) error {
	if err := m.guardChild(); err != nil {
		return err
	}

	m.childReplica.CopyPrepareList(prepares)

	if !m.pool.Submit(func() { m.applyLearnedState(state) }) {
		return fmt.Errorf("long pool rejected learned state application")
	}
	return nil
}

// applyLearnedState installs the checkpoint, replays the private log tail,
// and commits the carried-over in-memory mutations, then moves to catch-up.
// Any failure here is unrecoverable for the child.
func (m *Manager) applyLearnedState(state *LearnedChildState) {
	if err := m.guardChild(); err != nil {
		m.failChild(err)
		return
	}

	if err := m.childReplica.ApplyCheckpoint(state.CheckpointPath, state.CheckpointDecree); err != nil {
		m.failChild(fmt.Errorf("failed to apply checkpoint: %w", err))
		return
	}

	if err := m.applyPrivateLogs(state); err != nil {
		m.failChild(err)
		return
	}

	// The in-memory tail overlaps the log files; only decrees not yet
	// applied remain to commit.
	var pending []*replica.Mutation
	applied := m.childReplica.LastCommittedDecree()
	for _, mut := range state.Mutations {
		if mut.Decree > applied {
			pending = append(pending, mut)
		}
	}
	if len(pending) > 0 {
		if err := m.childReplica.ApplyMutations(pending); err != nil {
			m.failChild(fmt.Errorf("failed to apply mutation tail: %w", err))
			return
		}
	}

	m.logger.Info("child bootstrap applied",
		logging.Decree("checkpoint_decree", int64(state.CheckpointDecree)),
		logging.Decree("committed", int64(m.childReplica.LastCommittedDecree())))

	m.ChildCatchUpStates()
}

// applyPrivateLogs replays learned log entries up to, but not exceeding, the
// parent's last-committed decree at snapshot time (step 5). Corruption or a
// decree discontinuity is an error code, not a crash; it is distinct from
// the GC-truncation case in duplication, which is unrecoverable data loss.
func (m *Manager) applyPrivateLogs(state *LearnedChildState) error {
	expected := state.CheckpointDecree + 1
	var batch []*replica.Mutation

	err := m.replayLogs(state.LogFiles, func(mut *replica.Mutation) error {
		if mut.Decree < expected {
			// Segments start on file boundaries; leading entries the
			// checkpoint already covers are skipped.
			return nil
		}
		if mut.Decree > state.LastCommittedDecree {
			return nil
		}
		if mut.Decree != expected {
			return fmt.Errorf("%w: wanted decree %d, log has %d", ErrReplayDiscontinuity, expected, mut.Decree)
		}
		batch = append(batch, mut)
		expected++
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReplayDiscontinuity, err)
	}

	if len(batch) == 0 {
		return nil
	}
	if err := m.childReplica.ApplyMutations(batch); err != nil {
		return fmt.Errorf("failed to apply replayed mutations: %w", err)
	}
	return nil
}

// ChildCatchUpStates runs the asynchronous catch-up pass (step 6): absorb
// mutations the parent committed after the snapshot, then notify the parent
// (step 7). Notification is repeated while the parent reports the sync point
// uncommitted.
func (m *Manager) ChildCatchUpStates() {
	if !m.pool.Submit(m.catchUpLoop) {
		m.failChild(fmt.Errorf("long pool rejected catch-up"))
	}
}

func (m *Manager) catchUpLoop() {
	for {
		if err := m.guardChild(); err != nil {
			if err != ErrNotSplitting {
				m.failChild(err)
			}
			return
		}

		next := m.childReplica.LastCommittedDecree() + 1
		muts, err := m.source.Read(next, m.cfg.CatchUpBatch)
		if err != nil {
			m.failChild(fmt.Errorf("catch-up read failed: %w", err))
			return
		}
		if len(muts) > 0 {
			if err := m.childReplica.ApplyMutations(muts); err != nil {
				m.failChild(fmt.Errorf("catch-up apply failed: %w", err))
				return
			}
			m.metrics.SplitCatchUpMutations.Add(float64(len(muts)))
			continue
		}

		// Caught up to everything the parent has committed; tell the
		// parent. It may still see the sync point uncommitted if it
		// committed more in the meantime, in which case we go around again.
		done, err := m.notifyCatchUp()
		if err != nil {
			m.logger.Warn("catch-up notification failed, retrying", logging.Error(err))
		}
		if done {
			return
		}
		time.Sleep(m.cfg.NotifyRetryDelay)
	}
}

// notifyCatchUp sends one catch-up notification. Returns true when the
// parent accepted it and registration is underway.
func (m *Manager) notifyCatchUp() (bool, error) {
	req := &NotifyCatchUpRequest{
		ParentGpid:           m.parentGpid,
		ChildGpid:            m.childReplica.GPID(),
		ChildBallot:          m.tracker.InitBallot(),
		ChildCommittedDecree: m.childReplica.LastCommittedDecree(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RPCTimeout)
	defer cancel()

	resp, err := m.parentClient.NotifyChildCatchUp(ctx, req)
	if err != nil {
		return false, err
	}
	if resp.Error != "" {
		m.logger.Debug("sync point not committed yet",
			logging.Decree("sync_point", int64(resp.SyncPoint)),
			logging.Decree("committed", int64(req.ChildCommittedDecree)))
		return false, nil
	}
	return true, nil
}

// Activate implements ChildHandle (step 10): the registered configuration is
// applied and the child becomes independently servable. The parent has
// already moved its own partition version by the time this runs.
func (m *Manager) Activate(cfg PartitionConfig) error {
	if err := m.guardChild(); err != nil {
		return err
	}
	if cfg.Gpid != m.childReplica.GPID() {
		return fmt.Errorf("%w: activation for %s", ErrInvalidStatus, cfg.Gpid)
	}

	m.childReplica.SetPartitionCount(cfg.PartitionCount)
	m.childReplica.SetStatus(replica.StatusPrimary)
	m.tracker.SetPartitionVersion(int32(cfg.PartitionCount - 1))
	m.metrics.SetPartitionVersion(m.childReplica.GPID().String(), int32(cfg.PartitionCount-1))

	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	m.tracker.Reset()

	m.logger.Info("child partition active",
		logging.Int("partition_count", cfg.PartitionCount),
		logging.Ballot(int64(cfg.Ballot)))
	return nil
}

// Active reports whether the child has been activated.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Cancel implements ChildHandle: the parent aborted the split.
func (m *Manager) Cancel(reason error) {
	m.failChild(reason)
}

// failChild is the child's single error path. The child must never answer
// client requests with an undefined split boundary, so it drops to the error
// role, keeps rejecting every request, and reports a must-not-continue
// outcome to its owner; the owner performs the actual teardown.
func (m *Manager) failChild(reason error) {
	m.mu.Lock()
	if m.canceled {
		m.mu.Unlock()
		return
	}
	m.canceled = true
	m.mu.Unlock()

	m.childReplica.SetStatus(replica.StatusError)
	m.tracker.SetPartitionVersion(VersionRejectAll)
	m.tracker.Reset()
	m.metrics.RecordSplitResult("failed", 0)
	m.logger.Warn("child split failed, replica must not continue", logging.Error(reason))

	if m.onChildFail != nil {
		m.onChildFail(m.childReplica.GPID(), fmt.Errorf("%w: %v", ErrChildMustStop, reason))
	}
}
