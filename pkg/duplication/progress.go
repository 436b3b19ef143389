package duplication

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// Progress is the two-field heart of a duplication task.
//
// Invariants, enforced on every update:
//   - ConfirmedDecree <= LastDecree
//   - both fields are non-decreasing over the tracker's lifetime
type Progress struct {
	// LastDecree is the highest decree observed locally for duplication.
	LastDecree replica.Decree `json:"last_decree"`
	// ConfirmedDecree is the highest decree acknowledged as durably received
	// by the remote cluster.
	ConfirmedDecree replica.Decree `json:"confirmed_decree"`
}

// progressTracker guards Progress behind a read/write lock: the shipping
// stage writes, the metrics timer and introspection read. Stages never hold a
// direct reference to the fields across a suspension point.
type progressTracker struct {
	mu sync.RWMutex
	p  Progress
}

func newProgressTracker(confirmed replica.Decree) *progressTracker {
	return &progressTracker{
		p: Progress{LastDecree: confirmed, ConfirmedDecree: confirmed},
	}
}

// Update merges delta into the current progress. Fields set to
// replica.InvalidDecree carry no information. A caller supplying a confirmed
// decree lower than the stored value, or a merge that ends with
// confirmed > last, is a programming error and panics.
func (t *progressTracker) Update(delta Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if delta.ConfirmedDecree > replica.InvalidDecree && delta.ConfirmedDecree < t.p.ConfirmedDecree {
		panic(fmt.Sprintf("duplication: confirmed decree must never decrease: new(%d) old(%d)",
			delta.ConfirmedDecree, t.p.ConfirmedDecree))
	}

	if delta.ConfirmedDecree > t.p.ConfirmedDecree {
		t.p.ConfirmedDecree = delta.ConfirmedDecree
	}
	if delta.LastDecree > t.p.LastDecree {
		t.p.LastDecree = delta.LastDecree
	}

	if t.p.ConfirmedDecree > t.p.LastDecree {
		panic(fmt.Sprintf("duplication: last decree (%d) must never fall behind confirmed decree (%d)",
			t.p.LastDecree, t.p.ConfirmedDecree))
	}
}

// Get returns a consistent snapshot under shared lock.
func (t *progressTracker) Get() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.p
}
