package split

import "errors"

// Expected concurrency outcomes. A ballot change mid-split is a normal
// leadership event, not a failure; the split cleans up and ordinary
// replication continues.
var (
	ErrBallotChanged = errors.New("ballot changed since split began")
	ErrNotSplitting  = errors.New("no split in progress")
)

// Protocol violations and unrecoverable conditions.
var (
	// ErrInvalidStatus means the replica's role is no longer eligible for
	// the split step being attempted.
	ErrInvalidStatus = errors.New("replica status not valid for split")

	// ErrSplitInProgress rejects a second create-child directive while one
	// split is still running.
	ErrSplitInProgress = errors.New("partition split already in progress")

	// ErrReplayDiscontinuity means private log replay hit corruption or a
	// decree gap while bootstrapping the child. Returned as an error code,
	// never a crash.
	ErrReplayDiscontinuity = errors.New("private log replay hit a decree discontinuity")

	// ErrSyncPointNotCommitted means the child has not yet committed the
	// handoff sync point; catch-up must continue before registration.
	ErrSyncPointNotCommitted = errors.New("child has not committed the sync point")

	// ErrChildMustStop is the distinguished must-not-continue outcome a
	// child reports to its owner. The owner performs the teardown; a child
	// must never serve a partially constructed key range.
	ErrChildMustStop = errors.New("split child must not continue")
)

// Request-routing outcomes derived from the partition version.
var (
	// ErrNotServing rejects all requests while the partition version is the
	// reject-all sentinel.
	ErrNotServing = errors.New("partition is not serving requests")

	// ErrStaleVersion tells a client its routing table predates the split;
	// it must refresh partition configuration and retry.
	ErrStaleVersion = errors.New("request routed with stale partition version")
)
