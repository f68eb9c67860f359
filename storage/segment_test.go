package storage

import (
	"path/filepath"
	"testing"
)

func writeSampleRecords(t *testing.T, seg *Segment, n int) []Record {
	t.Helper()
	records := make([]Record, n)
	for i := 0; i < n; i++ {
		records[i] = Record{
			Offset:    uint64(i),
			Shard:     "s",
			Timestamp: int64(i),
			Payload:   []byte{byte(i)},
		}
	}
	if _, err := seg.Write(records); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return records
}

func TestSegmentTryCreateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.segment")
	seg := NewSegment(path, false)
	if err := seg.TryCreate(); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	if !seg.Exists() {
		t.Fatal("segment should exist after TryCreate")
	}
	if err := seg.TryCreate(); err != nil {
		t.Fatalf("TryCreate should be idempotent, got %v", err)
	}
}

func TestSegmentDeleteErrorsWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.segment")
	seg := NewSegment(path, false)
	if err := seg.Delete(); err == nil {
		t.Error("Delete should error when the segment is absent")
	}
}

func TestSegmentReadByOffsetBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.segment")
	seg := NewSegment(path, false)
	if err := seg.TryCreate(); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	writeSampleRecords(t, seg, 10)

	recs, err := seg.ReadByOffset(0, 0, 0, 0)
	if err != nil {
		t.Fatalf("ReadByOffset: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("expected 10 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.Offset != uint64(i) {
			t.Errorf("record %d has offset %d, want %d", i, r.Offset, i)
		}
	}

	size, err := seg.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if _, err := seg.ReadByOffset(size+1, 0, 0, 0); err == nil {
		t.Error("ReadByOffset should fail past end of file")
	}
}

func TestSegmentReadByOffsetMaxRecordAndMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.segment")
	seg := NewSegment(path, false)
	if err := seg.TryCreate(); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	writeSampleRecords(t, seg, 10)

	recs, err := seg.ReadByOffset(0, 0, 0, 3)
	if err != nil {
		t.Fatalf("ReadByOffset: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("maxRecord=3 should return 3 records, got %d", len(recs))
	}

	// Each payload is 1 byte; maxSize=2 should stop after 2 records.
	recs, err = seg.ReadByOffset(0, 0, 2, 0)
	if err != nil {
		t.Fatalf("ReadByOffset: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("maxSize=2 with 1-byte payloads should return 2 records, got %d", len(recs))
	}
}

func TestSegmentMmapTraditionalParity(t *testing.T) {
	dir := t.TempDir()

	buffered := NewSegment(filepath.Join(dir, "buffered.segment"), false)
	if err := buffered.TryCreate(); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	mmapped := NewSegment(filepath.Join(dir, "mmapped.segment"), true)
	if err := mmapped.TryCreate(); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}

	records := make([]Record, 20)
	for i := range records {
		records[i] = Record{Offset: uint64(i), Shard: "s", Timestamp: int64(i), Payload: []byte("payload-data")}
	}
	if _, err := buffered.Write(append([]Record(nil), records...)); err != nil {
		t.Fatalf("Write buffered: %v", err)
	}
	if _, err := mmapped.Write(append([]Record(nil), records...)); err != nil {
		t.Fatalf("Write mmapped: %v", err)
	}

	a, err := buffered.ReadByOffset(0, 5, 0, 8)
	if err != nil {
		t.Fatalf("ReadByOffset buffered: %v", err)
	}
	b, err := mmapped.ReadByOffset(0, 5, 0, 8)
	if err != nil {
		t.Fatalf("ReadByOffset mmapped: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("record count mismatch: buffered=%d mmapped=%d", len(a), len(b))
	}
	for i := range a {
		if a[i].Offset != b[i].Offset || string(a[i].Payload) != string(b[i].Payload) {
			t.Errorf("record %d mismatch: buffered=%+v mmapped=%+v", i, a[i], b[i])
		}
	}
}

func TestSegmentReadByPositionsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.segment")
	seg := NewSegment(path, false)
	if err := seg.TryCreate(); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	records := make([]Record, 5)
	for i := range records {
		records[i] = Record{Offset: uint64(i), Shard: "s", Payload: []byte{byte('a' + i)}}
	}
	positions, err := seg.Write(records)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	order := []int64{positions[3], positions[0], positions[4]}
	recs, err := seg.ReadByPositions(order)
	if err != nil {
		t.Fatalf("ReadByPositions: %v", err)
	}
	want := []uint64{3, 0, 4}
	for i, r := range recs {
		if r.Offset != want[i] {
			t.Errorf("position %d: got offset %d, want %d", i, r.Offset, want[i])
		}
	}
}

func TestSegmentClearCacheDropsMmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.segment")
	seg := NewSegment(path, true)
	if err := seg.TryCreate(); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	writeSampleRecords(t, seg, 3)
	if _, err := seg.ReadByOffset(0, 0, 0, 0); err != nil {
		t.Fatalf("ReadByOffset: %v", err)
	}
	if err := seg.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	// Reads still succeed after the cache is dropped and re-established.
	if _, err := seg.ReadByOffset(0, 0, 0, 0); err != nil {
		t.Fatalf("ReadByOffset after ClearCache: %v", err)
	}
}
