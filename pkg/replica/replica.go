// Package replica defines the surface of the base replication layer that the
// replication-control protocols (duplication, partition split) consume. The
// commit path, leader election and ballot advancement live behind these
// interfaces and are not reimplemented here.
package replica

// PrivateLog is a replica's local durable write-ahead log. It is garbage
// collected independently of duplication progress, which is why duplication
// must verify its start decree against MaxGcedDecree before scanning.
type PrivateLog interface {
	// MaxGcedDecree returns the highest decree that has been reclaimed by
	// garbage collection for the partition, or InvalidDecree if nothing has
	// been reclaimed yet.
	MaxGcedDecree(g GPID) Decree

	// ReadFrom scans the durable log starting at the given decree and returns
	// up to maxCount mutations in decree order.
	ReadFrom(start Decree, maxCount int) ([]*Mutation, error)

	// SegmentsSince returns the log file paths holding decrees >= d, plus
	// their total byte size. Used to hand log references to a split child.
	SegmentsSince(d Decree) ([]string, uint64, error)
}

// Replica is the read-only view of a base replica that duplication and split
// hold by non-owning reference. The owner's lifetime strictly exceeds every
// holder's.
type Replica interface {
	GPID() GPID
	AppInfo() *AppInfo
	Ballot() Ballot
	Status() PartitionStatus
	LastCommittedDecree() Decree
	PrivateLog() PrivateLog
	MutationCache() MutationCache
}
