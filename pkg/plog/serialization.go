package plog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// Entry format: [Decree:8][Ballot:8][Timestamp:8][DataLen:4][Data:N][Checksum:4]
// Data is snappy-compressed; the checksum covers the uncompressed payload.

// writeEntry serializes one mutation and returns the number of bytes written.
func writeEntry(w *bufio.Writer, m *replica.Mutation) (int, error) {
	compressed := snappy.Encode(nil, m.Data)

	if err := binary.Write(w, binary.LittleEndian, int64(m.Decree)); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(m.Ballot)); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, m.Timestamp); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return 0, err
	}
	if _, err := w.Write(compressed); err != nil {
		return 0, err
	}
	checksum := crc32.ChecksumIEEE(m.Data)
	if err := binary.Write(w, binary.LittleEndian, checksum); err != nil {
		return 0, err
	}

	return 8 + 8 + 8 + 4 + len(compressed) + 4, nil
}

// readEntry deserializes one mutation. io.EOF at an entry boundary means a
// clean end of segment; anything else is corruption.
func readEntry(r *bufio.Reader) (*replica.Mutation, error) {
	var decree, ballot, timestamp int64
	if err := binary.Read(r, binary.LittleEndian, &decree); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated header: %v", ErrCorruptEntry, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &ballot); err != nil {
		return nil, fmt.Errorf("%w: truncated ballot: %v", ErrCorruptEntry, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &timestamp); err != nil {
		return nil, fmt.Errorf("%w: truncated timestamp: %v", ErrCorruptEntry, err)
	}

	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return nil, fmt.Errorf("%w: truncated length: %v", ErrCorruptEntry, err)
	}
	compressed := make([]byte, dataLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrCorruptEntry, err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress failed: %v", ErrCorruptEntry, err)
	}

	var checksum uint32
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return nil, fmt.Errorf("%w: truncated checksum: %v", ErrCorruptEntry, err)
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch at decree %d", ErrCorruptEntry, decree)
	}

	return &replica.Mutation{
		Decree:    replica.Decree(decree),
		Ballot:    replica.Ballot(ballot),
		Timestamp: timestamp,
		Data:      data,
	}, nil
}

// replayFile streams every entry of a segment through the handler.
func replayFile(path string, handler func(*replica.Mutation) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		m, err := readEntry(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := handler(m); err != nil {
			return err
		}
	}
}

// scanSegment reads a segment to find its highest decree and byte size.
// A corrupt tail is tolerated; valid prefix entries still count.
func scanSegment(path string) (replica.Decree, int64, error) {
	last := replica.InvalidDecree
	err := replayFile(path, func(m *replica.Mutation) error {
		last = m.Decree
		return nil
	})
	fi, statErr := os.Stat(path)
	if statErr != nil {
		return last, 0, statErr
	}
	return last, fi.Size(), err
}

// ReplayFiles streams the entries of the given segment files, oldest first,
// through the handler. Used by a split child to apply log files learned from
// its parent.
func ReplayFiles(paths []string, handler func(*replica.Mutation) error) error {
	for _, path := range paths {
		if err := replayFile(path, handler); err != nil {
			return err
		}
	}
	return nil
}
