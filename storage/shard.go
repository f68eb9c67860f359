package storage

import (
	"fmt"
	"path/filepath"
	"sync"
)

// shardState is one shard's append-only log: a single active segment (no
// rollover policy is specified, so one segment per shard is sufficient
// for the core) plus the append mutex serialising writes.
type shardState struct {
	name       string
	appendMu   sync.Mutex
	nextOffset uint64
	segment    *Segment
}

func newShardState(dataFold, name string, mmapEnabled bool) (*shardState, error) {
	path := filepath.Join(dataFold, fmt.Sprintf("%s.segment", name))
	seg := NewSegment(path, mmapEnabled)
	if err := seg.TryCreate(); err != nil {
		return nil, err
	}
	return &shardState{name: name, segment: seg}, nil
}

// appendLocked assigns sequential offsets to records and writes them to
// the segment, returning the assigned offsets and their byte positions.
// Caller must hold appendMu.
func (s *shardState) appendLocked(records []Record) ([]uint64, map[uint64]int64, error) {
	offsets := make([]uint64, len(records))
	for i := range records {
		records[i].Offset = s.nextOffset
		offsets[i] = s.nextOffset
		s.nextOffset++
	}
	positions, err := s.segment.Write(records)
	if err != nil {
		return nil, nil, err
	}
	return offsets, positions, nil
}
