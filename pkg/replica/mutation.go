package replica

import "sync"

// Mutation is a single replicated write: its position (decree), the
// leadership epoch it was proposed under, and the opaque payload the
// storage engine applies.
type Mutation struct {
	Decree    Decree `json:"decree"`
	Ballot    Ballot `json:"ballot"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

// MutationCache is the in-memory window of recently committed mutations kept
// by the base replication layer. Old entries are evicted as the window slides
// forward, so a reader may miss decrees that are still in the durable log.
type MutationCache interface {
	// Get returns the mutation at the given decree, or false if it has been
	// evicted from the window (or never committed).
	Get(d Decree) (*Mutation, bool)
	// MinDecree returns the lowest decree still held in memory.
	MinDecree() Decree
	// MaxDecree returns the highest committed decree held in memory.
	MaxDecree() Decree
}

// PrepareList is a snapshot of mutations that have been proposed and
// acknowledged but not yet committed. A split child copies the parent's
// prepare list so in-flight writes are not lost across the handoff.
type PrepareList struct {
	mu        sync.RWMutex
	mutations []*Mutation
}

// NewPrepareList builds a prepare list from the given mutations.
func NewPrepareList(mutations []*Mutation) *PrepareList {
	return &PrepareList{mutations: mutations}
}

// Mutations returns a copy of the prepared-but-uncommitted mutations.
func (pl *PrepareList) Mutations() []*Mutation {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]*Mutation, len(pl.mutations))
	copy(out, pl.mutations)
	return out
}

// Len returns the number of prepared mutations.
func (pl *PrepareList) Len() int {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return len(pl.mutations)
}
