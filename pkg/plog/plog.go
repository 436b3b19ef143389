// Package plog implements the private log: a replica's local durable
// write-ahead log, segmented by decree range and garbage collected
// independently of any reader's progress.
package plog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

var (
	// ErrCorruptEntry is returned when an entry fails its checksum or cannot
	// be decoded. Replay stops at the first corrupt entry.
	ErrCorruptEntry = errors.New("private log entry is corrupt")

	// ErrLogClosed is returned for operations on a closed log.
	ErrLogClosed = errors.New("private log is closed")
)

const segmentPrefix = "plog."
const segmentSuffix = ".seg"

// segmentInfo describes one sealed segment file.
type segmentInfo struct {
	path  string
	start replica.Decree
	last  replica.Decree
	size  int64
}

// Log is a decree-keyed, snappy-compressed segmented write-ahead log.
// It implements replica.PrivateLog.
type Log struct {
	mu sync.Mutex

	dir             string
	gpid            replica.GPID
	maxSegmentBytes int64

	active      *os.File
	writer      *bufio.Writer
	activeStart replica.Decree
	activeLast  replica.Decree
	activeSize  int64

	sealed  []segmentInfo
	maxGced replica.Decree
	closed  bool
}

// Open opens (or creates) the private log for a partition under dir.
// Existing segments are scanned to recover decree ranges.
func Open(dir string, gpid replica.GPID, maxSegmentBytes int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create private log directory: %w", err)
	}
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = 64 << 20
	}

	l := &Log{
		dir:             dir,
		gpid:            gpid,
		maxSegmentBytes: maxSegmentBytes,
		activeStart:     replica.InvalidDecree,
		activeLast:      replica.InvalidDecree,
		maxGced:         replica.InvalidDecree,
	}

	if err := l.recoverSegments(); err != nil {
		return nil, err
	}
	return l, nil
}

// recoverSegments scans the directory and rebuilds segment metadata. The
// newest segment becomes the active one and is reopened for appending.
func (l *Log) recoverSegments() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read private log directory: %w", err)
	}

	var infos []segmentInfo
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		startStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			continue
		}
		path := filepath.Join(l.dir, name)
		last, size, err := scanSegment(path)
		if err != nil && !errors.Is(err, ErrCorruptEntry) {
			return err
		}
		infos = append(infos, segmentInfo{
			path:  path,
			start: replica.Decree(start),
			last:  last,
			size:  size,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].start < infos[j].start })

	if len(infos) > 0 {
		newest := infos[len(infos)-1]
		infos = infos[:len(infos)-1]
		f, err := os.OpenFile(newest.path, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to reopen active segment: %w", err)
		}
		l.active = f
		l.writer = bufio.NewWriter(f)
		l.activeStart = newest.start
		l.activeLast = newest.last
		l.activeSize = newest.size
	}
	l.sealed = infos
	return nil
}

// Append writes a mutation to the log tail and syncs it to disk.
// Decrees must be appended in increasing order.
func (l *Log) Append(m *replica.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if l.activeLast != replica.InvalidDecree && m.Decree <= l.activeLast {
		return fmt.Errorf("out-of-order append: decree %d after %d", m.Decree, l.activeLast)
	}

	if l.active == nil || l.activeSize >= l.maxSegmentBytes {
		if err := l.rotateLocked(m.Decree); err != nil {
			return err
		}
	}

	n, err := writeEntry(l.writer, m)
	if err != nil {
		return fmt.Errorf("failed to write private log entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush private log: %w", err)
	}
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync private log: %w", err)
	}

	l.activeSize += int64(n)
	l.activeLast = m.Decree
	if l.activeStart == replica.InvalidDecree {
		l.activeStart = m.Decree
	}
	return nil
}

// rotateLocked seals the active segment and opens a fresh one starting at the
// given decree. Caller holds l.mu.
func (l *Log) rotateLocked(start replica.Decree) error {
	if l.active != nil {
		if err := l.writer.Flush(); err != nil {
			return err
		}
		if err := l.active.Close(); err != nil {
			return err
		}
		l.sealed = append(l.sealed, segmentInfo{
			path:  l.segmentPath(l.activeStart),
			start: l.activeStart,
			last:  l.activeLast,
			size:  l.activeSize,
		})
	}

	path := l.segmentPath(start)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	l.active = f
	l.writer = bufio.NewWriter(f)
	l.activeStart = start
	l.activeLast = replica.InvalidDecree
	l.activeSize = 0
	return nil
}

func (l *Log) segmentPath(start replica.Decree) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%d%s", segmentPrefix, start, segmentSuffix))
}

// GCUpTo reclaims sealed segments whose highest decree is <= d. The active
// segment is never reclaimed. Returns the number of segments removed.
func (l *Log) GCUpTo(d replica.Decree) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// kept must not alias l.sealed: an error return mid-loop would otherwise
	// leave the slice with compacted entries overwriting its prefix.
	removed := 0
	kept := make([]segmentInfo, 0, len(l.sealed))
	for i, seg := range l.sealed {
		if seg.last != replica.InvalidDecree && seg.last <= d {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				l.sealed = append(kept, l.sealed[i:]...)
				return removed, fmt.Errorf("failed to remove segment %s: %w", seg.path, err)
			}
			if seg.last > l.maxGced {
				l.maxGced = seg.last
			}
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	l.sealed = kept
	return removed, nil
}

// MaxGcedDecree implements replica.PrivateLog.
func (l *Log) MaxGcedDecree(replica.GPID) replica.Decree {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxGced
}

// ReadFrom implements replica.PrivateLog: scans the durable log starting at
// the given decree and returns up to maxCount mutations in decree order.
func (l *Log) ReadFrom(start replica.Decree, maxCount int) ([]*replica.Mutation, error) {
	paths, _, err := l.SegmentsSince(start)
	if err != nil {
		return nil, err
	}

	out := make([]*replica.Mutation, 0, maxCount)
	for _, path := range paths {
		err := replayFile(path, func(m *replica.Mutation) error {
			if m.Decree >= start && len(out) < maxCount {
				out = append(out, m)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

// SegmentsSince implements replica.PrivateLog: the file paths holding decrees
// >= d plus their total byte size, oldest first.
func (l *Log) SegmentsSince(d replica.Decree) ([]string, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return nil, 0, err
		}
	}

	var paths []string
	var total uint64
	for _, seg := range l.sealed {
		if seg.last == replica.InvalidDecree || seg.last >= d {
			paths = append(paths, seg.path)
			total += uint64(seg.size)
		}
	}
	if l.active != nil && (l.activeLast == replica.InvalidDecree || l.activeLast >= d) {
		paths = append(paths, l.segmentPath(l.activeStart))
		total += uint64(l.activeSize)
	}
	return paths, total, nil
}

// MaxDecree returns the highest decree durably written.
func (l *Log) MaxDecree() replica.Decree {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeLast != replica.InvalidDecree {
		return l.activeLast
	}
	if n := len(l.sealed); n > 0 {
		return l.sealed[n-1].last
	}
	return replica.InvalidDecree
}

// MinDecree returns the lowest decree still durably held, or InvalidDecree
// for an empty log.
func (l *Log) MinDecree() replica.Decree {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sealed) > 0 {
		return l.sealed[0].start
	}
	if l.activeLast != replica.InvalidDecree {
		return l.activeStart
	}
	return replica.InvalidDecree
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.active == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.active.Sync(); err != nil {
		return err
	}
	return l.active.Close()
}
