package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Segment is one file on disk backing a contiguous offset range of a
// shard. With mmap enabled, reads use a memory map of the whole file,
// created on the first read after open or after a size change; with mmap
// disabled, they fall back to buffered sequential I/O.
type Segment struct {
	path        string
	mmapEnabled bool

	mu    sync.Mutex
	file  *os.File
	mm    mmap.MMap
	fsize int64
}

// NewSegment returns a Segment for path without touching the disk. The
// file is opened, and created if absent, by the first read or write;
// TryCreate creates it up front.
func NewSegment(path string, mmapEnabled bool) *Segment {
	return &Segment{path: path, mmapEnabled: mmapEnabled}
}

// TryCreate creates the segment file if it does not already exist. It is
// idempotent.
func (s *Segment) TryCreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Exists reports whether the segment file is present on disk.
func (s *Segment) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Delete removes the segment file, erroring if it is absent.
func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.clearCacheLocked(); err != nil {
		return err
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	return os.Remove(s.path)
}

// Size reports the current length of the segment file in bytes.
func (s *Segment) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Segment) openLocked() error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	info, err := f.Stat()
	if err != nil {
		return err
	}
	s.fsize = info.Size()
	return nil
}

// Write appends records to the segment under the caller's append lock
// (the shard owns that mutex; Segment itself only serialises against
// concurrent reads/writes to its own file handle). Returns the byte
// position each offset landed at, for index updates.
func (s *Segment) Write(records []Record) (map[uint64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	if err := s.clearCacheLocked(); err != nil {
		return nil, err
	}

	positions := make(map[uint64]int64, len(records))
	w := io.Writer(s.file)
	pos := s.fsize
	for _, r := range records {
		enc, err := r.encode()
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(enc); err != nil {
			return nil, err
		}
		positions[r.Offset] = pos
		pos += int64(len(enc))
	}
	if err := s.file.Sync(); err != nil {
		return nil, err
	}
	s.fsize = pos
	return positions, nil
}

// ReadByOffset iterates records starting at startPosition (a byte index
// known to begin a record), skipping any whose offset < startOffset.
// Collection stops once maxRecord records have been gathered or the next
// record's payload would push cumulative payload bytes past maxSize.
// maxSize <= 0 means unbounded, same for maxRecord.
func (s *Segment) ReadByOffset(startPosition int64, startOffset uint64, maxSize, maxRecord int) ([]Record, error) {
	data, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if startPosition < 0 || startPosition > int64(len(data)) {
		return nil, fmt.Errorf("storage: read-beyond-eof: position=%d size=%d", startPosition, len(data))
	}
	var out []Record
	cumPayload := 0
	cursor := int(startPosition)
	for cursor < len(data) {
		rec, n, err := decodeAt(data[cursor:])
		if err != nil {
			return nil, err
		}
		cursor += n
		if rec.Offset < startOffset {
			continue
		}
		if maxSize > 0 && cumPayload+len(rec.Payload) > maxSize {
			break
		}
		out = append(out, rec)
		cumPayload += len(rec.Payload)
		if maxRecord > 0 && len(out) >= maxRecord {
			break
		}
	}
	return out, nil
}

// ReadByPositions returns the records found at each given byte position,
// in the order requested.
func (s *Segment) ReadByPositions(positions []int64) ([]Record, error) {
	data, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(positions))
	for _, pos := range positions {
		if pos < 0 || pos > int64(len(data)) {
			return nil, fmt.Errorf("storage: read-beyond-eof: position=%d size=%d", pos, len(data))
		}
		rec, _, err := decodeAt(data[pos:])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// readAll returns the full segment contents, preferring the mmap fast
// path (established lazily) and falling back to a buffered read.
func (s *Segment) readAll() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	if s.mmapEnabled {
		if s.mm == nil {
			if s.fsize == 0 {
				return nil, nil
			}
			m, err := mmap.Map(s.file, mmap.RDONLY, 0)
			if err != nil {
				return nil, err
			}
			s.mm = m
		}
		if int64(len(s.mm)) < s.fsize {
			return nil, fmt.Errorf("storage: read-beyond-eof: mmap len=%d size=%d", len(s.mm), s.fsize)
		}
		out := make([]byte, s.fsize)
		copy(out, s.mm[:s.fsize])
		return out, nil
	}

	buf := make([]byte, s.fsize)
	if _, err := s.file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// ClearCache drops the cached mmap, if any. Must be called before any
// operation that changes the file's size.
func (s *Segment) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCacheLocked()
}

func (s *Segment) clearCacheLocked() error {
	if s.mm == nil {
		return nil
	}
	err := s.mm.Unmap()
	s.mm = nil
	return err
}

// Close releases the segment's file handle and any mmap.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.clearCacheLocked(); err != nil {
		return err
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
