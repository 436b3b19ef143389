package plog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

func testGPID() replica.GPID {
	return replica.GPID{AppID: 1, PartitionIndex: 0}
}

func mustAppend(t *testing.T, l *Log, decrees ...replica.Decree) {
	t.Helper()
	for _, d := range decrees {
		m := &replica.Mutation{Decree: d, Ballot: 1, Data: []byte("payload")}
		if err := l.Append(m); err != nil {
			t.Fatalf("Append(%d) failed: %v", d, err)
		}
	}
}

func TestAppendAndReadFrom(t *testing.T) {
	l, err := Open(t.TempDir(), testGPID(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	mustAppend(t, l, 1, 2, 3, 4, 5)

	muts, err := l.ReadFrom(3, 10)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(muts) != 3 {
		t.Fatalf("expected 3 mutations, got %d", len(muts))
	}
	for i, m := range muts {
		if want := replica.Decree(3 + i); m.Decree != want {
			t.Errorf("mutation %d: decree = %d, want %d", i, m.Decree, want)
		}
	}
}

func TestReadFromHonorsMaxCount(t *testing.T) {
	l, err := Open(t.TempDir(), testGPID(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	mustAppend(t, l, 1, 2, 3, 4, 5)

	muts, err := l.ReadFrom(1, 2)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(muts) != 2 {
		t.Fatalf("expected 2 mutations, got %d", len(muts))
	}
}

func TestOutOfOrderAppendRejected(t *testing.T) {
	l, err := Open(t.TempDir(), testGPID(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	mustAppend(t, l, 5)
	m := &replica.Mutation{Decree: 5, Ballot: 1, Data: []byte("dup")}
	if err := l.Append(m); err == nil {
		t.Fatal("expected out-of-order append to fail")
	}
}

func TestGCUpToRemovesSealedSegments(t *testing.T) {
	// Tiny segment cap forces a rotation per entry.
	l, err := Open(t.TempDir(), testGPID(), 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	mustAppend(t, l, 1, 2, 3, 4)

	removed, err := l.GCUpTo(2)
	if err != nil {
		t.Fatalf("GCUpTo failed: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected at least one segment reclaimed")
	}
	if got := l.MaxGcedDecree(testGPID()); got != 2 {
		t.Errorf("MaxGcedDecree = %d, want 2", got)
	}

	// Decrees above the GC bound must survive.
	muts, err := l.ReadFrom(3, 10)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(muts) != 2 {
		t.Fatalf("expected decrees 3..4 to survive GC, got %d mutations", len(muts))
	}
}

func TestGCUpToKeepsSealedListIntactOnRemoveError(t *testing.T) {
	l, err := Open(t.TempDir(), testGPID(), 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	mustAppend(t, l, 1, 2, 3, 4, 5)

	l.mu.Lock()
	if len(l.sealed) < 3 {
		l.mu.Unlock()
		t.Fatalf("expected at least 3 sealed segments, got %d", len(l.sealed))
	}
	blocked := l.sealed[1].path
	before := len(l.sealed)
	l.mu.Unlock()

	// Swap the second sealed segment for a non-empty directory so the
	// sweep's os.Remove fails after the first segment is already gone.
	if err := os.Remove(blocked); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(blocked, "pin"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	if _, err := l.GCUpTo(4); err == nil {
		t.Fatal("expected GCUpTo to fail on the blocked segment")
	}

	l.mu.Lock()
	seen := make(map[string]int)
	for _, seg := range l.sealed {
		seen[seg.path]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("segment %s listed %d times after failed GC", p, n)
		}
	}
	if len(l.sealed) >= before {
		t.Errorf("sealed list has %d entries, want fewer than %d", len(l.sealed), before)
	}
	if l.sealed[0].path != blocked {
		t.Errorf("sealed list head = %s, want the blocked segment %s", l.sealed[0].path, blocked)
	}
	l.mu.Unlock()

	// Unblock and retry; the sweep resumes from the surviving entries.
	if err := os.RemoveAll(blocked); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if _, err := l.GCUpTo(4); err != nil {
		t.Fatalf("retry GCUpTo failed: %v", err)
	}

	muts, err := l.ReadFrom(5, 10)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(muts) != 1 || muts[0].Decree != 5 {
		t.Fatalf("expected decree 5 to survive, got %d mutations", len(muts))
	}
}

func TestRecoverAfterReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, testGPID(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustAppend(t, l, 1, 2, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dir, testGPID(), 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if got := reopened.MaxDecree(); got != 3 {
		t.Errorf("MaxDecree after reopen = %d, want 3", got)
	}
	mustAppend(t, reopened, 4)
}

func TestSegmentsSinceReportsFilesAndSize(t *testing.T) {
	l, err := Open(t.TempDir(), testGPID(), 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	mustAppend(t, l, 1, 2, 3)

	paths, total, err := l.SegmentsSince(2)
	if err != nil {
		t.Fatalf("SegmentsSince failed: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("expected segment paths")
	}
	if total == 0 {
		t.Fatal("expected non-zero total size")
	}

	// Files handed to a split child replay the same decrees.
	var decrees []replica.Decree
	err = ReplayFiles(paths, func(m *replica.Mutation) error {
		decrees = append(decrees, m.Decree)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayFiles failed: %v", err)
	}
	found := false
	for _, d := range decrees {
		if d == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("replayed decrees %v missing decree 3", decrees)
	}
}

func TestClosedLogRejectsAppend(t *testing.T) {
	l, err := Open(t.TempDir(), testGPID(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	m := &replica.Mutation{Decree: 1, Ballot: 1, Data: []byte("x")}
	if err := l.Append(m); !errors.Is(err, ErrLogClosed) {
		t.Fatalf("Append on closed log = %v, want ErrLogClosed", err)
	}
}
