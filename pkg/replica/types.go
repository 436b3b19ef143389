package replica

import "fmt"

// Decree is the position of a write in a partition's replicated log.
// Decrees increase monotonically; InvalidDecree marks "no decree yet".
type Decree int64

// InvalidDecree is the sentinel for an unset decree.
const InvalidDecree Decree = -1

// Ballot is the leadership epoch of a partition. It increases on every
// leadership change and is used to fence stale in-flight operations.
type Ballot int64

// InvalidBallot is the sentinel for "not set" (e.g. no split in progress).
const InvalidBallot Ballot = 0

// GPID is a global partition identifier: application id plus partition index.
type GPID struct {
	AppID          int32 `json:"app_id"`
	PartitionIndex int32 `json:"partition_index"`
}

// String formats a GPID as "appid.index", e.g. "2.1".
func (g GPID) String() string {
	return fmt.Sprintf("%d.%d", g.AppID, g.PartitionIndex)
}

// IsZero reports whether the GPID is the "no partition" sentinel.
func (g GPID) IsZero() bool {
	return g.AppID == 0 && g.PartitionIndex == 0
}

// PartitionStatus is the role of a replica within its partition group.
type PartitionStatus uint8

const (
	StatusInactive PartitionStatus = iota
	StatusError
	StatusPrimary
	StatusSecondary
	StatusPotentialSecondary
	// StatusPartitionSplit is the transient role of a child replica that is
	// still bootstrapping from its parent and must not serve client requests.
	StatusPartitionSplit
)

// String returns the string representation of a partition status.
func (s PartitionStatus) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusError:
		return "ERROR"
	case StatusPrimary:
		return "PRIMARY"
	case StatusSecondary:
		return "SECONDARY"
	case StatusPotentialSecondary:
		return "POTENTIAL_SECONDARY"
	case StatusPartitionSplit:
		return "PARTITION_SPLIT"
	default:
		return "UNKNOWN"
	}
}

// AppInfo describes the table/app a partition belongs to.
type AppInfo struct {
	AppID          int32  `json:"app_id"`
	AppName        string `json:"app_name"`
	AppType        string `json:"app_type"`
	PartitionCount int    `json:"partition_count"`
}
