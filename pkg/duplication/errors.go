package duplication

import "errors"

// Configuration contract violations. The coordinator and this replica have
// diverged in understanding; these are never silently tolerated.
var (
	ErrInvalidDuplicationStatus = errors.New("invalid duplication status")
	ErrMissingProgressEntry     = errors.New("no progress entry for this partition")
	ErrDuplicatorClosed         = errors.New("duplicator is closed")
)

// Data-loss conditions. Retrying cannot un-truncate a log, so these stop the
// duplication task for the partition.
var (
	// ErrLogGced means the log segment needed to resume duplication has
	// already been reclaimed by garbage collection.
	ErrLogGced = errors.New("logs not yet duplicated were truncated by GC")

	// ErrMissingLogEntries means the durable log scan came back with a decree
	// gap where a contiguous range was expected.
	ErrMissingLogEntries = errors.New("private log scan returned a decree gap")
)

// ErrDecreeEvicted is the cache-miss signal inside the pipeline: the decree
// was already evicted from the in-memory mutation window and must be
// re-derived from the durable log. Never surfaced outside the pipeline.
var ErrDecreeEvicted = errors.New("decree evicted from mutation cache")

// ErrShipRejected is a transient remote-side rejection; the shipper retries
// it with backoff.
var ErrShipRejected = errors.New("remote cluster rejected batch")
