package partition

import (
	"fmt"
	"testing"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

func TestIndexForKeyDeterministic(t *testing.T) {
	key := []byte("order:10042")
	first := IndexForKey(key, 8)
	for i := 0; i < 100; i++ {
		if got := IndexForKey(key, 8); got != first {
			t.Fatalf("IndexForKey not deterministic: got %d, want %d", got, first)
		}
	}
	if first < 0 || first >= 8 {
		t.Fatalf("index %d out of range [0,8)", first)
	}
}

func TestIndexForKeyDistribution(t *testing.T) {
	const count = 8
	const keys = 8000
	hits := make([]int, count)
	for i := 0; i < keys; i++ {
		idx := IndexForKey([]byte(fmt.Sprintf("key-%d", i)), count)
		hits[idx]++
	}
	// Each partition should get a reasonable share; fnv over distinct keys
	// will not be perfectly uniform, but no partition should be starved.
	for i, n := range hits {
		if n < keys/count/2 {
			t.Errorf("partition %d underloaded: %d of %d keys", i, n, keys)
		}
	}
}

func TestIndexForKeyInvalidCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive partition count")
		}
	}()
	IndexForKey([]byte("k"), 0)
}

func TestChildParentIndexRoundTrip(t *testing.T) {
	const oldCount = 4
	for parent := int32(0); parent < oldCount; parent++ {
		child := ChildIndex(parent, oldCount)
		if child != parent+oldCount {
			t.Errorf("ChildIndex(%d, %d) = %d, want %d", parent, oldCount, child, parent+oldCount)
		}
		if got := ParentIndex(child, oldCount*2); got != parent {
			t.Errorf("ParentIndex(%d, %d) = %d, want %d", child, oldCount*2, got, parent)
		}
	}
}

func TestParentIndexPanicsOutsideChildRange(t *testing.T) {
	for _, idx := range []int32{0, 3, 8} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("ParentIndex(%d, 8) should panic", idx)
				}
			}()
			ParentIndex(idx, 8)
		}()
	}
}

func TestServingVersion(t *testing.T) {
	if got := ServingVersion(4); got != 3 {
		t.Errorf("ServingVersion(4) = %d, want 3", got)
	}
	if got := ServingVersion(8); got != 7 {
		t.Errorf("ServingVersion(8) = %d, want 7", got)
	}
}

func TestMovesToChildPartitionsKeySpace(t *testing.T) {
	const oldCount = 4
	// Every key resolved under the doubled count lands either on its old
	// index (stays with parent) or on old index + oldCount (moves to child).
	moved, stayed := 0, 0
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("row-%d", i))
		oldIdx := IndexForKey(key, oldCount)
		newIdx := IndexForKey(key, oldCount*2)
		switch newIdx {
		case oldIdx:
			stayed++
			if MovesToChild(key, oldIdx, oldCount) {
				t.Fatalf("key %q stays on %d but MovesToChild is true", key, oldIdx)
			}
		case ChildIndex(oldIdx, oldCount):
			moved++
			if !MovesToChild(key, oldIdx, oldCount) {
				t.Fatalf("key %q moves to %d but MovesToChild is false", key, newIdx)
			}
		default:
			t.Fatalf("key %q jumped from %d to %d under doubled count", key, oldIdx, newIdx)
		}
	}
	if moved == 0 || stayed == 0 {
		t.Fatalf("degenerate doubling: moved=%d stayed=%d", moved, stayed)
	}
}

func TestTableResolve(t *testing.T) {
	tbl := NewTable()

	if _, err := tbl.Resolve(1, []byte("k")); err == nil {
		t.Fatal("Resolve should fail for unknown app")
	}

	tbl.SetPartitionCount(1, 4)
	gpid, err := tbl.Resolve(1, []byte("user:77"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := replica.GPID{AppID: 1, PartitionIndex: IndexForKey([]byte("user:77"), 4)}
	if gpid != want {
		t.Errorf("Resolve = %v, want %v", gpid, want)
	}

	// Doubling the count after a split changes routing for moved keys only.
	tbl.SetPartitionCount(1, 8)
	if got := tbl.PartitionCount(1); got != 8 {
		t.Errorf("PartitionCount = %d, want 8", got)
	}
	gpid2, err := tbl.Resolve(1, []byte("user:77"))
	if err != nil {
		t.Fatalf("Resolve after doubling failed: %v", err)
	}
	if gpid2.PartitionIndex != gpid.PartitionIndex &&
		gpid2.PartitionIndex != ChildIndex(gpid.PartitionIndex, 4) {
		t.Errorf("index %d is neither parent %d nor its child", gpid2.PartitionIndex, gpid.PartitionIndex)
	}
}
