package split

import "github.com/dd0wney/cluso-replication/pkg/replica"

// Replica is the mutable surface the split protocol drives on the replica it
// manages. It extends the read-only collaborator view with the two pieces of
// state the protocol owns at its end: replica role and app partition count.
// The manager holds it by non-owning reference; the base layer owns the
// replica and its lifetime strictly exceeds the manager's.
type Replica interface {
	replica.Replica
	SetStatus(replica.PartitionStatus)
	SetPartitionCount(n int)
}

// ParentReplica adds what only a split parent must provide: its prepare list
// and the ability to copy a checkpoint for the child.
type ParentReplica interface {
	Replica

	// PrepareList snapshots the mutations proposed but not yet committed.
	PrepareList() *replica.PrepareList

	// CopyCheckpoint materializes a checkpoint under dir and returns its
	// path plus the highest decree it covers.
	CopyCheckpoint(dir string) (path string, lastDecree replica.Decree, err error)
}

// ChildReplica adds what only a split child must provide: applying learned
// state in checkpoint -> log -> memory order.
type ChildReplica interface {
	Replica

	// ApplyCheckpoint installs the parent's snapshot, leaving the child's
	// committed decree at upTo.
	ApplyCheckpoint(path string, upTo replica.Decree) error

	// ApplyMutations commits learned mutations in decree order.
	ApplyMutations(muts []*replica.Mutation) error

	// CopyPrepareList installs the parent's in-flight prepare list so
	// prepared-but-uncommitted writes survive the handoff.
	CopyPrepareList(pl *replica.PrepareList)
}

// CatchUpSource is where a child reads mutations the parent committed after
// the snapshot was taken. It is the same learning surface ordinary replica
// recovery uses.
type CatchUpSource interface {
	Read(from replica.Decree, maxCount int) ([]*replica.Mutation, error)
	LastCommittedDecree() replica.Decree
}

// ReplicaCatchUpSource adapts a parent replica into a CatchUpSource: serve
// from the live mutation cache when it still covers the range, fall back to
// the private log otherwise.
type ReplicaCatchUpSource struct {
	Parent replica.Replica
}

// Read returns up to maxCount committed mutations starting at from.
func (s *ReplicaCatchUpSource) Read(from replica.Decree, maxCount int) ([]*replica.Mutation, error) {
	committed := s.Parent.LastCommittedDecree()
	if from > committed {
		return nil, nil
	}

	cache := s.Parent.MutationCache()
	if min := cache.MinDecree(); min != replica.InvalidDecree && from >= min {
		out := make([]*replica.Mutation, 0, maxCount)
		for d := from; d <= committed && len(out) < maxCount; d++ {
			m, ok := cache.Get(d)
			if !ok {
				break
			}
			out = append(out, m)
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return s.Parent.PrivateLog().ReadFrom(from, maxCount)
}

// LastCommittedDecree returns the parent's committed decree.
func (s *ReplicaCatchUpSource) LastCommittedDecree() replica.Decree {
	return s.Parent.LastCommittedDecree()
}
