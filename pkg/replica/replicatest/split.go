package replicatest

import (
	"fmt"
	"path/filepath"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// Split-side surfaces of MemReplica: checkpoint production for parents,
// learned-state application for children.

// SetCheckpointDecree pins the decree the next CopyCheckpoint covers.
// Unset, a checkpoint covers everything committed.
func (r *MemReplica) SetCheckpointDecree(d replica.Decree) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpointDecree = d
}

// CopyCheckpoint fabricates a checkpoint handle under dir.
func (r *MemReplica) CopyCheckpoint(dir string) (string, replica.Decree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.checkpointDecree
	if d == 0 || d > r.lastCommitted {
		d = r.lastCommitted
	}
	return filepath.Join(dir, fmt.Sprintf("checkpoint-%d", d)), d, nil
}

// PrepareList returns the replica's in-flight prepare list.
func (r *MemReplica) PrepareList() *replica.PrepareList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.prepareList == nil {
		return replica.NewPrepareList(nil)
	}
	return r.prepareList
}

// SetPrepareList installs an in-flight prepare list.
func (r *MemReplica) SetPrepareList(pl *replica.PrepareList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareList = pl
}

// ApplyCheckpoint installs a learned checkpoint, leaving the committed
// decree at upTo.
func (r *MemReplica) ApplyCheckpoint(path string, upTo replica.Decree) error {
	r.mu.Lock()
	r.appliedCheckpoint = path
	if upTo > r.lastCommitted {
		r.lastCommitted = upTo
	}
	r.mu.Unlock()
	return nil
}

// AppliedCheckpoint returns the path of the last checkpoint applied.
func (r *MemReplica) AppliedCheckpoint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.appliedCheckpoint
}

// ApplyMutations commits learned mutations in order. Decrees at or below the
// committed decree are rejected as a discontinuity in the caller's ordering.
func (r *MemReplica) ApplyMutations(muts []*replica.Mutation) error {
	for _, m := range muts {
		if m.Decree <= r.LastCommittedDecree() {
			return fmt.Errorf("mutation decree %d already committed", m.Decree)
		}
		r.Commit(m)
	}
	return nil
}

// CopyPrepareList installs the parent's in-flight prepare list.
func (r *MemReplica) CopyPrepareList(pl *replica.PrepareList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareList = pl
}
