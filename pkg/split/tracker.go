package split

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// VersionRejectAll is the partition-version sentinel that rejects every
// client request. Any non-negative version is partitionCount - 1.
const VersionRejectAll int32 = -1

// StateTracker holds a partition's split identity: the child being carved
// out, the ballot in effect when the split began, and the serving-eligibility
// version consulted on the hot request path.
//
// The partition version is a lone atomic because it is read on every client
// request and written only on configuration change; child identity is
// mutated from split steps only and sits behind a mutex.
type StateTracker struct {
	mu              sync.Mutex
	childGpid       replica.GPID
	childInitBallot replica.Ballot

	partitionVersion atomic.Int32
}

// NewStateTracker creates a tracker in the "not splitting" state with the
// given serving version.
func NewStateTracker(version int32) *StateTracker {
	t := &StateTracker{childInitBallot: replica.InvalidBallot}
	t.partitionVersion.Store(version)
	return t
}

// StartSplit records the child identity and the ballot the split began
// under. Fails if a different split is already tracked.
func (t *StateTracker) StartSplit(child replica.GPID, ballot replica.Ballot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.childGpid.IsZero() {
		if t.childGpid == child && t.childInitBallot == ballot {
			return nil
		}
		return fmt.Errorf("%w: already splitting into %s", ErrSplitInProgress, t.childGpid)
	}
	t.childGpid = child
	t.childInitBallot = ballot
	return nil
}

// Reset returns the tracker to the "not splitting" sentinel. Called on
// completion and on abort; the partition version is left untouched.
func (t *StateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.childGpid = replica.GPID{}
	t.childInitBallot = replica.InvalidBallot
}

// Splitting reports whether a split is being tracked.
func (t *StateTracker) Splitting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.childGpid.IsZero()
}

// ChildGPID returns the tracked child partition, zero when not splitting.
func (t *StateTracker) ChildGPID() replica.GPID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childGpid
}

// InitBallot returns the ballot in effect when the split began.
func (t *StateTracker) InitBallot() replica.Ballot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childInitBallot
}

// PartitionVersion returns the current routing version.
func (t *StateTracker) PartitionVersion() int32 {
	return t.partitionVersion.Load()
}

// SetPartitionVersion publishes a new routing version.
func (t *StateTracker) SetPartitionVersion(v int32) {
	t.partitionVersion.Store(v)
}

// AllowRequest gates a client request by its routing version. Requests
// carried on an outdated version are rejected so clients refresh their
// partition configuration before the key range moves under them.
func (t *StateTracker) AllowRequest(clientVersion int32) error {
	v := t.partitionVersion.Load()
	if v == VersionRejectAll {
		return ErrNotServing
	}
	if clientVersion != v {
		return fmt.Errorf("%w: client(%d) partition(%d)", ErrStaleVersion, clientVersion, v)
	}
	return nil
}
