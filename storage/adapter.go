package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("kv")

// ReadConfig bounds a read: MaxRecordNum and MaxSize (payload bytes only)
// of zero mean unbounded, matching the framing contract's conventions.
type ReadConfig struct {
	MaxRecordNum int
	MaxSize      int
}

// Adapter coordinates shard lifecycle, segment-file storage, and the
// offset/key/tag/timestamp/group indices kept in a bbolt-backed sorted
// key space, exactly per the storage key layout.
type Adapter struct {
	db          *bolt.DB
	dataFold    string
	mmapEnabled bool

	mu     sync.Mutex
	shards map[string]*shardState
}

// Open opens (creating if absent) the bbolt database at dbPath and
// prepares dataFold as the segment-file root.
func Open(dbPath, dataFold string, mmapEnabled bool) (*Adapter, error) {
	if err := os.MkdirAll(dataFold, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketName)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a := &Adapter{
		db:          db,
		dataFold:    dataFold,
		mmapEnabled: mmapEnabled,
		shards:      make(map[string]*shardState),
	}
	if err := a.loadShards(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// loadShards reconstructs in-memory shardState for every shard recorded in
// the backing store, so an Adapter reopened after a process restart picks
// up where it left off instead of requiring every shard to be re-created.
func (a *Adapter) loadShards() error {
	var names []string
	var nextOffsets = map[string]uint64{}
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		prefix := []byte("/shard/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			name := string(v)
			names = append(names, name)
			if off := b.Get(shardOffsetKey(name)); off != nil {
				nextOffsets[name] = bytesToU64(off)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range names {
		st, err := newShardState(a.dataFold, name, a.mmapEnabled)
		if err != nil {
			return err
		}
		st.nextOffset = nextOffsets[name]
		a.shards[name] = st
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.shards {
		_ = s.segment.Close()
	}
	return a.db.Close()
}

// Key layout helpers, matching the storage key layout table exactly.

func shardInfoKey(shard string) []byte    { return []byte(fmt.Sprintf("/shard/%s", shard)) }
func shardOffsetKey(shard string) []byte  { return []byte(fmt.Sprintf("/offset/%s", shard)) }
func recordKey(shard string, offset uint64) []byte {
	return []byte(fmt.Sprintf("/record/%s/record/%s", shard, PadOffset(offset)))
}
func recordPrefix(shard string) []byte { return []byte(fmt.Sprintf("/record/%s/record/", shard)) }
func keyIndexKey(shard, key string) []byte {
	return []byte(fmt.Sprintf("/key/%s/%s", shard, key))
}
func tagIndexKey(shard, tag string, offset uint64) []byte {
	return []byte(fmt.Sprintf("/tag/%s/%s/%s", shard, tag, PadOffset(offset)))
}
func tagIndexPrefix(shard, tag string) []byte {
	return []byte(fmt.Sprintf("/tag/%s/%s/", shard, tag))
}
func tsIndexKey(shard string, ts int64, offset uint64) []byte {
	return []byte(fmt.Sprintf("/ts/%s/%s/%s", shard, PadTimestamp(ts), PadOffset(offset)))
}
func tsIndexPrefix(shard string) []byte { return []byte(fmt.Sprintf("/ts/%s/", shard)) }
func groupOffsetKey(group, shard string) []byte {
	return []byte(fmt.Sprintf("/group/%s/%s", group, shard))
}

func u64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
func bytesToU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
func i64ToBytes(v int64) []byte  { return u64ToBytes(uint64(v)) }
func bytesToI64(b []byte) int64  { return int64(bytesToU64(b)) }

// CreateShard registers a new shard, failing if it already exists.
func (a *Adapter) CreateShard(shard string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	exists := false
	err := a.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketName).Get(shardInfoKey(shard)) != nil
		return nil
	})
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("storage: shard %q already exists", shard)
	}

	st, err := newShardState(a.dataFold, shard, a.mmapEnabled)
	if err != nil {
		return err
	}

	err = a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Put(shardInfoKey(shard), []byte(shard)); err != nil {
			return err
		}
		return b.Put(shardOffsetKey(shard), u64ToBytes(0))
	})
	if err != nil {
		return err
	}
	a.shards[shard] = st
	return nil
}

// DeleteShard removes every key for shard across all index prefixes and
// drops its in-memory state and segment file.
func (a *Adapter) DeleteShard(shard string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, prefix := range [][]byte{
			recordPrefix(shard),
			[]byte(fmt.Sprintf("/key/%s/", shard)),
			[]byte(fmt.Sprintf("/tag/%s/", shard)),
			tsIndexPrefix(shard),
		} {
			if err := deletePrefix(b, prefix); err != nil {
				return err
			}
		}
		if err := b.Delete(shardOffsetKey(shard)); err != nil {
			return err
		}
		return b.Delete(shardInfoKey(shard))
	})
	if err != nil {
		return err
	}

	if st, ok := a.shards[shard]; ok {
		_ = st.segment.Close()
		_ = os.Remove(filepath.Join(a.dataFold, fmt.Sprintf("%s.segment", shard)))
		delete(a.shards, shard)
	}
	return nil
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (a *Adapter) shardState(shard string) (*shardState, error) {
	st, ok := a.shards[shard]
	if !ok {
		return nil, fmt.Errorf("storage: shard %q not found", shard)
	}
	return st, nil
}

// Write appends one record to shard, returning its assigned offset.
func (a *Adapter) Write(shard string, record Record) (uint64, error) {
	offsets, err := a.BatchWrite(shard, []Record{record})
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// BatchWrite appends records to shard as one sequence, assigning each the
// next offset in order, and updates every index in a single atomic bbolt
// batch. Returns the assigned offsets in input order.
func (a *Adapter) BatchWrite(shard string, records []Record) ([]uint64, error) {
	a.mu.Lock()
	st, err := a.shardState(shard)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	st.appendMu.Lock()
	defer st.appendMu.Unlock()

	offsets, positions, err := st.appendLocked(records)
	if err != nil {
		return nil, err
	}

	err = a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for i, r := range records {
			offset := offsets[i]
			if err := b.Put(recordKey(shard, offset), i64ToBytes(positions[offset])); err != nil {
				return err
			}
			if r.Key != "" {
				info := IndexInfo{Shard: shard, Offset: offset, Written: r.Timestamp}
				enc, err := info.encode()
				if err != nil {
					return err
				}
				if err := b.Put(keyIndexKey(shard, r.Key), enc); err != nil {
					return err
				}
			}
			for _, t := range r.Tags {
				info := IndexInfo{Shard: shard, Offset: offset, Written: r.Timestamp}
				enc, err := info.encode()
				if err != nil {
					return err
				}
				if err := b.Put(tagIndexKey(shard, t, offset), enc); err != nil {
					return err
				}
			}
			if r.Timestamp > 0 && offset%5000 == 0 {
				info := IndexInfo{Shard: shard, Offset: offset, Written: r.Timestamp}
				enc, err := info.encode()
				if err != nil {
					return err
				}
				if err := b.Put(tsIndexKey(shard, r.Timestamp, offset), enc); err != nil {
					return err
				}
			}
		}
		return b.Put(shardOffsetKey(shard), u64ToBytes(st.nextOffset))
	})
	if err != nil {
		return nil, err
	}
	return offsets, nil
}

// recordPosition returns the byte position stored for (shard, offset).
func (a *Adapter) recordPosition(shard string, offset uint64) (int64, bool, error) {
	var pos int64
	var ok bool
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(recordKey(shard, offset))
		if v == nil {
			return nil
		}
		ok = true
		pos = bytesToI64(v)
		return nil
	})
	return pos, ok, err
}

// firstOffsetAtOrAfter finds the smallest stored offset >= offset for
// shard, and its byte position.
func (a *Adapter) firstOffsetAtOrAfter(shard string, offset uint64) (uint64, int64, bool, error) {
	var foundOffset uint64
	var pos int64
	found := false
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		prefix := recordPrefix(shard)
		seek := append(append([]byte(nil), prefix...), []byte(PadOffset(offset))...)
		k, v := c.Seek(seek)
		if k == nil || !hasPrefix(k, prefix) {
			return nil
		}
		if _, err := fmt.Sscanf(string(k[len(prefix):]), "%d", &foundOffset); err != nil {
			return err
		}
		found = true
		pos = bytesToI64(v)
		return nil
	})
	return foundOffset, pos, found, err
}

// ReadByOffset reads records from shard starting at offset, bounded by
// cfg.
func (a *Adapter) ReadByOffset(shard string, offset uint64, cfg ReadConfig) ([]Record, error) {
	a.mu.Lock()
	st, err := a.shardState(shard)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_, pos, ok, err := a.firstOffsetAtOrAfter(shard, offset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return st.segment.ReadByOffset(pos, offset, cfg.MaxSize, cfg.MaxRecordNum)
}

// ReadByTag range-scans the tag index for shard/tag starting at
// startOffset, resolving each hit to its full record.
func (a *Adapter) ReadByTag(shard, tag string, startOffset uint64, cfg ReadConfig) ([]Record, error) {
	a.mu.Lock()
	st, err := a.shardState(shard)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var offsets []uint64
	err = a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		prefix := tagIndexPrefix(shard, tag)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			info, err := decodeIndexInfo(v)
			if err != nil {
				return err
			}
			if info.Offset < startOffset {
				continue
			}
			offsets = append(offsets, info.Offset)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Record
	cumPayload := 0
	for _, off := range offsets {
		pos, ok, err := a.recordPosition(shard, off)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		recs, err := st.segment.ReadByPositions([]int64{pos})
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			continue
		}
		rec := recs[0]
		if cfg.MaxSize > 0 && cumPayload+len(rec.Payload) > cfg.MaxSize {
			break
		}
		out = append(out, rec)
		cumPayload += len(rec.Payload)
		if cfg.MaxRecordNum > 0 && len(out) >= cfg.MaxRecordNum {
			break
		}
	}
	return out, nil
}

// ReadByKey returns the most recent record written with the given key, if
// any.
func (a *Adapter) ReadByKey(shard, key string) (Record, bool, error) {
	a.mu.Lock()
	st, err := a.shardState(shard)
	a.mu.Unlock()
	if err != nil {
		return Record{}, false, err
	}

	var info IndexInfo
	found := false
	err = a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyIndexKey(shard, key))
		if v == nil {
			return nil
		}
		found = true
		var decodeErr error
		info, decodeErr = decodeIndexInfo(v)
		return decodeErr
	})
	if err != nil || !found {
		return Record{}, false, err
	}

	pos, ok, err := a.recordPosition(shard, info.Offset)
	if err != nil || !ok {
		return Record{}, false, err
	}
	recs, err := st.segment.ReadByPositions([]int64{pos})
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

// GetOffsetByTimestamp runs the two-pass sparse-index lookup: first
// anchor on the last timestamp-index entry at or before ts, then scan
// forward from the anchor for the last record whose own timestamp is
// still <= ts.
func (a *Adapter) GetOffsetByTimestamp(shard string, ts int64) (uint64, bool, error) {
	a.mu.Lock()
	st, err := a.shardState(shard)
	a.mu.Unlock()
	if err != nil {
		return 0, false, err
	}

	var anchor uint64
	haveAnchor := false
	err = a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		prefix := tsIndexPrefix(shard)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			info, err := decodeIndexInfo(v)
			if err != nil {
				return err
			}
			if info.Written > ts {
				break
			}
			anchor = info.Offset
			haveAnchor = true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	startOffset := uint64(0)
	if haveAnchor {
		startOffset = anchor
	}
	_, pos, ok, err := a.firstOffsetAtOrAfter(shard, startOffset)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	recs, err := st.segment.ReadByOffset(pos, startOffset, 0, 0)
	if err != nil {
		return 0, false, err
	}
	var result uint64
	found := false
	for _, rec := range recs {
		if rec.Timestamp <= ts {
			result = rec.Offset
			found = true
			continue
		}
		break
	}
	return result, found, nil
}

// CommitOffset atomically records the acknowledged offset for group
// across every shard in offsets.
func (a *Adapter) CommitOffset(group string, offsets map[string]uint64) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for shard, offset := range offsets {
			if err := b.Put(groupOffsetKey(group, shard), u64ToBytes(offset)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOffsetByGroup returns the last acknowledged offset for (group,
// shard).
func (a *Adapter) GetOffsetByGroup(group, shard string) (uint64, bool, error) {
	var offset uint64
	found := false
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(groupOffsetKey(group, shard))
		if v == nil {
			return nil
		}
		found = true
		offset = bytesToU64(v)
		return nil
	})
	return offset, found, err
}
