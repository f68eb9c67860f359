package storage

import (
	"path/filepath"
	"sync"
	"testing"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "index.db"), filepath.Join(dir, "segments"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// Scenario A: create a shard, write records, read them back in order.
func TestAdapterCreateWriteRead(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}
	if err := a.CreateShard("s1"); err == nil {
		t.Error("CreateShard should fail on a duplicate shard name")
	}

	var offsets []uint64
	for i := 0; i < 5; i++ {
		off, err := a.Write("s1", Record{Payload: []byte{byte('a' + i)}, Timestamp: int64(i)})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		offsets = append(offsets, off)
	}
	for i, off := range offsets {
		if off != uint64(i) {
			t.Errorf("record %d got offset %d, want %d (offsets must be monotonic from zero)", i, off, i)
		}
	}

	recs, err := a.ReadByOffset("s1", 0, ReadConfig{})
	if err != nil {
		t.Fatalf("ReadByOffset: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.Offset != uint64(i) {
			t.Errorf("record %d has offset %d, want %d", i, r.Offset, i)
		}
	}
}

// Scenario B: writing a second record under the same key overwrites what
// ReadByKey resolves to, without touching the underlying offset log.
func TestAdapterKeyOverwrite(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}

	if _, err := a.Write("s1", Record{Key: "k", Payload: []byte("v1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := a.Write("s1", Record{Key: "k", Payload: []byte("v2")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec, ok, err := a.ReadByKey("s1", "k")
	if err != nil {
		t.Fatalf("ReadByKey: %v", err)
	}
	if !ok {
		t.Fatal("expected a record for key k")
	}
	if string(rec.Payload) != "v2" {
		t.Errorf("ReadByKey returned %q, want the most recent write %q", rec.Payload, "v2")
	}

	all, err := a.ReadByOffset("s1", 0, ReadConfig{})
	if err != nil {
		t.Fatalf("ReadByOffset: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("overwrite should not remove the earlier record from the log, got %d records", len(all))
	}

	if _, ok, err := a.ReadByKey("s1", "missing"); err != nil || ok {
		t.Errorf("ReadByKey for an unwritten key should report ok=false, got ok=%v err=%v", ok, err)
	}
}

// Scenario C: records tagged with a value are retrievable by tag, in
// ascending offset order, and untagged/differently-tagged records are
// excluded.
func TestAdapterTagFilter(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}

	if _, err := a.Write("s1", Record{Tags: []string{"hot"}, Payload: []byte("1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := a.Write("s1", Record{Payload: []byte("2")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := a.Write("s1", Record{Tags: []string{"hot"}, Payload: []byte("3")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := a.Write("s1", Record{Tags: []string{"cold"}, Payload: []byte("4")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	recs, err := a.ReadByTag("s1", "hot", 0, ReadConfig{})
	if err != nil {
		t.Fatalf("ReadByTag: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records tagged hot, got %d", len(recs))
	}
	if string(recs[0].Payload) != "1" || string(recs[1].Payload) != "3" {
		t.Errorf("ReadByTag returned out of order: %q, %q", recs[0].Payload, recs[1].Payload)
	}

	recs, err = a.ReadByTag("s1", "cold", 0, ReadConfig{})
	if err != nil {
		t.Fatalf("ReadByTag: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Payload) != "4" {
		t.Fatalf("expected exactly the one cold-tagged record, got %+v", recs)
	}
}

// Scenario D: with a sparse timestamp index written only every 5000
// offsets, GetOffsetByTimestamp must still resolve the correct last
// offset at or before an arbitrary timestamp via the two-pass lookup.
func TestAdapterGetOffsetByTimestampSparseIndex(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}

	const total = 15000
	records := make([]Record, total)
	for i := 0; i < total; i++ {
		records[i] = Record{Timestamp: int64(i), Payload: []byte("x")}
	}
	if _, err := a.BatchWrite("s1", records); err != nil {
		t.Fatalf("BatchWrite: %v", err)
	}

	cases := []struct {
		ts       int64
		wantOff  uint64
		wantFind bool
	}{
		{ts: 0, wantOff: 0, wantFind: true},
		{ts: 4999, wantOff: 4999, wantFind: true},
		{ts: 5000, wantOff: 5000, wantFind: true},
		{ts: 12345, wantOff: 12345, wantFind: true},
		{ts: total - 1, wantOff: total - 1, wantFind: true},
	}
	for _, c := range cases {
		off, found, err := a.GetOffsetByTimestamp("s1", c.ts)
		if err != nil {
			t.Fatalf("GetOffsetByTimestamp(%d): %v", c.ts, err)
		}
		if found != c.wantFind {
			t.Errorf("GetOffsetByTimestamp(%d) found=%v, want %v", c.ts, found, c.wantFind)
			continue
		}
		if found && off != c.wantOff {
			t.Errorf("GetOffsetByTimestamp(%d) = %d, want %d", c.ts, off, c.wantOff)
		}
	}
}

// Scenario E: many concurrent writers against the same shard must never
// collide on an offset and must produce a contiguous offset sequence.
func TestAdapterConcurrentWritersUniqueOffsets(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}

	const writers = 50
	const perWriter = 20
	offsetsCh := make(chan uint64, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				off, err := a.Write("s1", Record{Payload: []byte("p")})
				if err != nil {
					t.Errorf("writer %d record %d: Write: %v", w, i, err)
					return
				}
				offsetsCh <- off
			}
		}(w)
	}
	wg.Wait()
	close(offsetsCh)

	seen := make(map[uint64]bool, writers*perWriter)
	for off := range offsetsCh {
		if seen[off] {
			t.Fatalf("offset %d assigned to more than one write", off)
		}
		seen[off] = true
	}
	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d unique offsets, got %d", writers*perWriter, len(seen))
	}
	for i := 0; i < writers*perWriter; i++ {
		if !seen[uint64(i)] {
			t.Errorf("offset sequence has a gap at %d", i)
		}
	}
}

// Property 7: consumer-group committed offsets are isolated per (group,
// shard) pair.
func TestAdapterGroupOffsetIsolation(t *testing.T) {
	a := openTestAdapter(t)

	if _, found, err := a.GetOffsetByGroup("g1", "s1"); err != nil || found {
		t.Fatalf("unset group offset should report found=false, got found=%v err=%v", found, err)
	}

	if err := a.CommitOffset("g1", map[string]uint64{"s1": 10, "s2": 20}); err != nil {
		t.Fatalf("CommitOffset: %v", err)
	}
	if err := a.CommitOffset("g2", map[string]uint64{"s1": 99}); err != nil {
		t.Fatalf("CommitOffset: %v", err)
	}

	off, found, err := a.GetOffsetByGroup("g1", "s1")
	if err != nil || !found || off != 10 {
		t.Errorf("g1/s1 = (%d, %v), want (10, true)", off, found)
	}
	off, found, err = a.GetOffsetByGroup("g1", "s2")
	if err != nil || !found || off != 20 {
		t.Errorf("g1/s2 = (%d, %v), want (20, true)", off, found)
	}
	off, found, err = a.GetOffsetByGroup("g2", "s1")
	if err != nil || !found || off != 99 {
		t.Errorf("g2/s1 = (%d, %v), want (99, true) -- groups must not leak into each other", off, found)
	}

	if err := a.CommitOffset("g1", map[string]uint64{"s1": 15}); err != nil {
		t.Fatalf("CommitOffset: %v", err)
	}
	off, _, _ = a.GetOffsetByGroup("g1", "s1")
	if off != 15 {
		t.Errorf("re-committing g1/s1 should overwrite, got %d want 15", off)
	}
}

func TestAdapterDeleteShardRemovesData(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}
	if _, err := a.Write("s1", Record{Key: "k", Tags: []string{"t"}, Payload: []byte("v")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.DeleteShard("s1"); err != nil {
		t.Fatalf("DeleteShard: %v", err)
	}
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard after delete should succeed, got %v", err)
	}
	if _, ok, err := a.ReadByKey("s1", "k"); err != nil || ok {
		t.Errorf("key index should not survive DeleteShard, got ok=%v err=%v", ok, err)
	}
}

// Restart persistence: reopening an Adapter against the same files must
// pick up existing shards and continue the offset sequence without reuse.
func TestAdapterReopenPreservesShardsAndOffsets(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")
	dataFold := filepath.Join(dir, "segments")

	a, err := Open(dbPath, dataFold, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.CreateShard("s1"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Write("s1", Record{Payload: []byte("p")}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dbPath, dataFold, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	off, err := reopened.Write("s1", Record{Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Write after reopen: %v", err)
	}
	if off != 3 {
		t.Errorf("post-reopen write got offset %d, want 3 (next offset must survive restart)", off)
	}

	recs, err := reopened.ReadByOffset("s1", 0, ReadConfig{})
	if err != nil {
		t.Fatalf("ReadByOffset after reopen: %v", err)
	}
	if len(recs) != 4 {
		t.Errorf("expected all 4 records to be readable after reopen, got %d", len(recs))
	}
}
