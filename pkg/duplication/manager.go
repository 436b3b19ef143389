package duplication

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// Manager owns every duplicator of one replica, keyed by duplication id. The
// coordinator periodically sends the full set of duplication entries for the
// partition; SyncDuplications reconciles the owned duplicators against it.
type Manager struct {
	r            replica.Replica
	pool         *executor.LongPool
	reg          *metrics.Registry
	logger       logging.Logger
	cfg          Config
	newTransport TransportFactory

	mu     sync.Mutex
	dups   map[int32]*Duplicator
	closed bool
}

// NewManager creates an empty manager for the replica.
func NewManager(r replica.Replica, newTransport TransportFactory, pool *executor.LongPool,
	reg *metrics.Registry, logger logging.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Manager{
		r:            r,
		pool:         pool,
		reg:          reg,
		logger:       logger.With(logging.Component("duplication-manager"), logging.GPID(r.GPID().String())),
		cfg:          cfg,
		newTransport: newTransport,
		dups:         make(map[int32]*Duplicator),
	}
}

// SyncDuplications reconciles owned duplicators against the coordinator's
// full entry set: unknown dupids are created, known ones get their status
// applied, and duplicators absent from the set are torn down. Entry
// validation happens here, at the boundary where coordinator state is
// accepted.
func (m *Manager) SyncDuplications(entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDuplicatorClosed
	}

	seen := make(map[int32]bool, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		seen[e.Dupid] = true

		if d, ok := m.dups[e.Dupid]; ok {
			if err := d.SetStatus(e.Status); err != nil {
				return err
			}
			continue
		}

		transport, err := m.newTransport(e.RemoteCluster)
		if err != nil {
			return fmt.Errorf("failed to open transport for dup %d: %w", e.Dupid, err)
		}
		d, err := NewDuplicator(e, m.r, transport, m.pool, m.reg, m.logger, m.cfg)
		if err != nil {
			transport.Close()
			return err
		}
		m.dups[e.Dupid] = d
	}

	m.removeNonExistedLocked(seen)
	return nil
}

// removeNonExistedLocked tears down duplicators the coordinator no longer
// knows about.
func (m *Manager) removeNonExistedLocked(keep map[int32]bool) {
	for id, d := range m.dups {
		if keep[id] {
			continue
		}
		m.logger.Info("removing duplication no longer assigned", logging.Dupid(id))
		d.Close()
		delete(m.dups, id)
	}
}

// ConfirmedDecrees returns the confirmed decree per dupid, for reporting
// back to the coordinator.
func (m *Manager) ConfirmedDecrees() map[int32]replica.Decree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int32]replica.Decree, len(m.dups))
	for id, d := range m.dups {
		out[id] = d.Progress().ConfirmedDecree
	}
	return out
}

// MinConfirmedDecree returns the lowest confirmed decree across every owned
// duplicator, or InvalidDecree when none exist. The private log must not GC
// past this bound while duplication is assigned.
func (m *Manager) MinConfirmedDecree() replica.Decree {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := replica.InvalidDecree
	for _, d := range m.dups {
		c := d.Progress().ConfirmedDecree
		if min == replica.InvalidDecree || c < min {
			min = c
		}
	}
	return min
}

// Snapshots returns the introspection view of every owned duplicator.
func (m *Manager) Snapshots() []StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatusSnapshot, 0, len(m.dups))
	for _, d := range m.dups {
		out = append(out, d.Snapshot())
	}
	return out
}

// Count returns the number of owned duplicators.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dups)
}

// Close tears down every duplicator and rejects further syncs.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, d := range m.dups {
		d.Close()
		delete(m.dups, id)
	}
}
