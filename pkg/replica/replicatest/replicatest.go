// Package replicatest provides in-memory implementations of the base-replica
// interfaces for tests and local experiments.
package replicatest

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// MemCache is an in-memory mutation window with explicit eviction.
type MemCache struct {
	mu        sync.RWMutex
	mutations map[replica.Decree]*replica.Mutation
	min       replica.Decree
	max       replica.Decree
}

// NewMemCache creates an empty mutation cache.
func NewMemCache() *MemCache {
	return &MemCache{
		mutations: make(map[replica.Decree]*replica.Mutation),
		min:       replica.InvalidDecree,
		max:       replica.InvalidDecree,
	}
}

// Put inserts a mutation into the window.
func (c *MemCache) Put(m *replica.Mutation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations[m.Decree] = m
	if c.min == replica.InvalidDecree || m.Decree < c.min {
		c.min = m.Decree
	}
	if m.Decree > c.max {
		c.max = m.Decree
	}
}

// EvictUpTo drops every mutation with decree <= d, simulating the window
// sliding forward.
func (c *MemCache) EvictUpTo(d replica.Decree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for dec := range c.mutations {
		if dec <= d {
			delete(c.mutations, dec)
		}
	}
	if c.min <= d {
		c.min = d + 1
	}
}

// Get implements replica.MutationCache.
func (c *MemCache) Get(d replica.Decree) (*replica.Mutation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mutations[d]
	return m, ok
}

// MinDecree implements replica.MutationCache.
func (c *MemCache) MinDecree() replica.Decree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.min
}

// MaxDecree implements replica.MutationCache.
func (c *MemCache) MaxDecree() replica.Decree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.max
}

// MemLog is an in-memory private log with controllable GC.
type MemLog struct {
	mu        sync.RWMutex
	mutations []*replica.Mutation
	maxGced   replica.Decree
}

// NewMemLog creates an empty in-memory private log.
func NewMemLog() *MemLog {
	return &MemLog{maxGced: replica.InvalidDecree}
}

// Append adds a mutation to the log tail.
func (l *MemLog) Append(m *replica.Mutation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mutations = append(l.mutations, m)
}

// GCUpTo reclaims every entry with decree <= d.
func (l *MemLog) GCUpTo(d replica.Decree) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.mutations[:0]
	for _, m := range l.mutations {
		if m.Decree > d {
			kept = append(kept, m)
		}
	}
	l.mutations = kept
	if d > l.maxGced {
		l.maxGced = d
	}
}

// Remove drops a decree range without moving the GC mark, simulating a
// damaged log for discontinuity tests.
func (l *MemLog) Remove(from, to replica.Decree) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.mutations[:0]
	for _, m := range l.mutations {
		if m.Decree < from || m.Decree > to {
			kept = append(kept, m)
		}
	}
	l.mutations = kept
}

// MaxGcedDecree implements replica.PrivateLog.
func (l *MemLog) MaxGcedDecree(replica.GPID) replica.Decree {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxGced
}

// ReadFrom implements replica.PrivateLog.
func (l *MemLog) ReadFrom(start replica.Decree, maxCount int) ([]*replica.Mutation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*replica.Mutation, 0, maxCount)
	for _, m := range l.mutations {
		if m.Decree >= start {
			out = append(out, m)
			if len(out) >= maxCount {
				break
			}
		}
	}
	return out, nil
}

// SegmentsSince implements replica.PrivateLog. The in-memory log has no real
// files, so it fabricates one pseudo path per call.
func (l *MemLog) SegmentsSince(d replica.Decree) ([]string, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var size uint64
	for _, m := range l.mutations {
		if m.Decree >= d {
			size += uint64(len(m.Data))
		}
	}
	if size == 0 {
		return nil, 0, nil
	}
	return []string{fmt.Sprintf("memlog-%d.seg", d)}, size, nil
}

// MemReplica is a controllable stand-in for a base replica.
type MemReplica struct {
	mu            sync.RWMutex
	gpid          replica.GPID
	app           replica.AppInfo
	ballot        replica.Ballot
	status        replica.PartitionStatus
	lastCommitted replica.Decree

	Cache *MemCache
	Log   *MemLog

	checkpointDecree  replica.Decree
	appliedCheckpoint string
	prepareList       *replica.PrepareList
}

// NewMemReplica creates a replica double for the given partition.
func NewMemReplica(gpid replica.GPID, app replica.AppInfo) *MemReplica {
	return &MemReplica{
		gpid:          gpid,
		app:           app,
		ballot:        1,
		status:        replica.StatusPrimary,
		lastCommitted: replica.InvalidDecree,
		Cache:         NewMemCache(),
		Log:           NewMemLog(),
	}
}

// Commit appends a mutation to the cache and log and advances the committed
// decree, the way the base commit path would.
func (r *MemReplica) Commit(m *replica.Mutation) {
	r.Cache.Put(m)
	r.Log.Append(m)
	r.mu.Lock()
	if m.Decree > r.lastCommitted {
		r.lastCommitted = m.Decree
	}
	r.mu.Unlock()
}

// SetBallot simulates a leadership change.
func (r *MemReplica) SetBallot(b replica.Ballot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ballot = b
}

// SetStatus changes the replica role.
func (r *MemReplica) SetStatus(s replica.PartitionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// SetLastCommitted moves the committed decree directly.
func (r *MemReplica) SetLastCommitted(d replica.Decree) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCommitted = d
}

// GPID implements replica.Replica.
func (r *MemReplica) GPID() replica.GPID { return r.gpid }

// AppInfo implements replica.Replica.
func (r *MemReplica) AppInfo() *replica.AppInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app := r.app
	return &app
}

// SetPartitionCount updates the app's partition count (post-split).
func (r *MemReplica) SetPartitionCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.app.PartitionCount = n
}

// Ballot implements replica.Replica.
func (r *MemReplica) Ballot() replica.Ballot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ballot
}

// Status implements replica.Replica.
func (r *MemReplica) Status() replica.PartitionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// LastCommittedDecree implements replica.Replica.
func (r *MemReplica) LastCommittedDecree() replica.Decree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCommitted
}

// PrivateLog implements replica.Replica.
func (r *MemReplica) PrivateLog() replica.PrivateLog { return r.Log }

// MutationCache implements replica.Replica.
func (r *MemReplica) MutationCache() replica.MutationCache { return r.Cache }
