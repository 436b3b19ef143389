package partition

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// IndexForKey hashes a key to a partition index in [0, partitionCount).
// The same key always lands on the same index for a given count, so a
// table can recompute routing locally after a split doubles the count.
func IndexForKey(key []byte, partitionCount int) int32 {
	if partitionCount <= 0 {
		panic(fmt.Sprintf("partition: invalid partition count %d", partitionCount))
	}
	h := fnv.New64a()
	h.Write(key)
	return int32(h.Sum64() % uint64(partitionCount))
}

// ChildIndex returns the index a parent's child occupies once a split
// doubles the partition count from oldCount.
func ChildIndex(parentIndex int32, oldCount int) int32 {
	return parentIndex + int32(oldCount)
}

// ParentIndex returns the parent index for a child created by doubling the
// partition count to newCount. It panics if childIndex is not in the upper
// half of the doubled range.
func ParentIndex(childIndex int32, newCount int) int32 {
	half := int32(newCount / 2)
	if childIndex < half || childIndex >= int32(newCount) {
		panic(fmt.Sprintf("partition: index %d is not a child under count %d", childIndex, newCount))
	}
	return childIndex - half
}

// ServingVersion returns the partition version a fully serving partition
// carries for the given count.
func ServingVersion(partitionCount int) int32 {
	return int32(partitionCount) - 1
}

// MovesToChild reports whether key leaves the parent for its child when the
// partition count doubles from oldCount. Keys that hash into the upper half
// of the doubled range are owned by the child.
func MovesToChild(key []byte, parentIndex int32, oldCount int) bool {
	idx := IndexForKey(key, oldCount*2)
	return idx == ChildIndex(parentIndex, oldCount)
}

// Table routes keys to partitions per app. Counts change at runtime when a
// split registers its children, so lookups take a read lock.
type Table struct {
	mu     sync.RWMutex
	counts map[int32]int
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{counts: make(map[int32]int)}
}

// SetPartitionCount records the partition count for an app.
func (t *Table) SetPartitionCount(appID int32, count int) {
	if count <= 0 {
		panic(fmt.Sprintf("partition: invalid partition count %d for app %d", count, appID))
	}
	t.mu.Lock()
	t.counts[appID] = count
	t.mu.Unlock()
}

// PartitionCount returns the recorded count for an app, or 0 if unknown.
func (t *Table) PartitionCount(appID int32) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[appID]
}

// Resolve maps a key to the partition that owns it.
func (t *Table) Resolve(appID int32, key []byte) (replica.GPID, error) {
	t.mu.RLock()
	count := t.counts[appID]
	t.mu.RUnlock()
	if count == 0 {
		return replica.GPID{}, fmt.Errorf("partition: unknown app %d", appID)
	}
	return replica.GPID{AppID: appID, PartitionIndex: IndexForKey(key, count)}, nil
}
