// Package storage implements the broker's append-only segmented log, the
// bbolt-backed adapter that indexes it, and a sharded concurrent ordered
// map. The adapter does not use the ordered map.
package storage

import (
	"hash/fnv"
	"log"
	"sort"
	"sync"

	"github.com/google/btree"
)

// entry is the btree item stored per shard: ordered by Key, carrying an
// arbitrary Value.
type entry[K ~string | ~int | ~int64 | ~uint64, V any] struct {
	Key   K
	Value V
}

func lessEntry[K ~string | ~int | ~int64 | ~uint64, V any](a, b entry[K, V]) bool {
	return a.Key < b.Key
}

// shard is one cache-line-padded bucket of the ordered map, guarded by its
// own RWMutex so unrelated keys never contend.
type shard[K ~string | ~int | ~int64 | ~uint64, V any] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry[K, V]]
	// pad keeps adjacent shards off the same cache line under contention.
	_ [48]byte
}

// OrderedMap is a sharded, concurrency-safe, ordered key-value map. Each
// shard holds an independent google/btree.BTreeG so range and min/max
// queries stay cheap without a single global lock.
type OrderedMap[K ~string | ~int | ~int64 | ~uint64, V any] struct {
	shards []*shard[K, V]
	hash   func(K) uint32
}

// NewOrderedMap builds an OrderedMap with the given shard count (rounded
// up to at least 1). Each shard's btree uses a fixed degree of 32.
func NewOrderedMap[K ~string | ~int | ~int64 | ~uint64, V any](shardCount int, hash func(K) uint32) *OrderedMap[K, V] {
	if shardCount < 1 {
		shardCount = 1
	}
	m := &OrderedMap[K, V]{
		shards: make([]*shard[K, V], shardCount),
		hash:   hash,
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{tree: btree.NewG(32, lessEntry[K, V])}
	}
	return m
}

// HashString is an FNV-1a hash for string keys, for passing to
// NewOrderedMap; NewOrderedMap has no default hash.
func HashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (m *OrderedMap[K, V]) shardFor(k K) *shard[K, V] {
	idx := m.hash(k) % uint32(len(m.shards))
	return m.shards[idx]
}

// degrade recovers from an unexpected panic inside a shard operation,
// logging it and returning the zero value — the closest Go analogue to a
// poisoned-lock degrade-to-empty policy, since sync.RWMutex itself cannot
// poison.
func degrade(where string) {
	if r := recover(); r != nil {
		log.Printf("storage: orderedmap %s recovered: %v", where, r)
	}
}

// Insert sets key to value, returning the previous value if any existed.
func (m *OrderedMap[K, V]) Insert(key K, value V) (prev V, existed bool) {
	defer degrade("Insert")
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tree.ReplaceOrInsert(entry[K, V]{Key: key, Value: value})
	if ok {
		return old.Value, true
	}
	var zero V
	return zero, false
}

// Remove deletes key, returning its value if present.
func (m *OrderedMap[K, V]) Remove(key K) (V, bool) {
	defer degrade("Remove")
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tree.Delete(entry[K, V]{Key: key})
	if ok {
		return old.Value, true
	}
	var zero V
	return zero, false
}

// Get returns the value stored at key.
func (m *OrderedMap[K, V]) Get(key K) (V, bool) {
	defer degrade("Get")
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tree.Get(entry[K, V]{Key: key})
	if ok {
		return v.Value, true
	}
	var zero V
	return zero, false
}

// ContainsKey reports whether key exists.
func (m *OrderedMap[K, V]) ContainsKey(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Len reports the total number of entries across every shard.
func (m *OrderedMap[K, V]) Len() int {
	defer degrade("Len")
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += s.tree.Len()
		s.mu.RUnlock()
	}
	return total
}

// Clear empties every shard.
func (m *OrderedMap[K, V]) Clear() {
	defer degrade("Clear")
	for _, s := range m.shards {
		s.mu.Lock()
		s.tree.Clear()
		s.mu.Unlock()
	}
}

// Keys returns every key across all shards, sorted ascending.
func (m *OrderedMap[K, V]) Keys() []K {
	var keys []K
	m.IterCloned(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values returns the value for every key across all shards, ordered by
// key ascending.
func (m *OrderedMap[K, V]) Values() []V {
	var values []V
	m.IterCloned(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// IterCloned walks every entry in ascending key order, calling fn for
// each. Entries are copied out of the tree before the callback runs so fn
// may safely call back into the map.
func (m *OrderedMap[K, V]) IterCloned(fn func(K, V) bool) {
	all := make([]entry[K, V], 0, m.Len())
	for _, s := range m.shards {
		s.mu.RLock()
		s.tree.Ascend(func(e entry[K, V]) bool {
			all = append(all, e)
			return true
		})
		s.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	for _, e := range all {
		if !fn(e.Key, e.Value) {
			return
		}
	}
}

// IterReverse walks every entry in descending key order, calling fn for
// each.
func (m *OrderedMap[K, V]) IterReverse(fn func(K, V) bool) {
	all := make([]entry[K, V], 0, m.Len())
	for _, s := range m.shards {
		s.mu.RLock()
		s.tree.Ascend(func(e entry[K, V]) bool {
			all = append(all, e)
			return true
		})
		s.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key > all[j].Key })
	for _, e := range all {
		if !fn(e.Key, e.Value) {
			return
		}
	}
}

// KeysReverse returns every key across all shards, sorted descending.
func (m *OrderedMap[K, V]) KeysReverse() []K {
	keys := m.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// MinKey returns the smallest key across all shards.
func (m *OrderedMap[K, V]) MinKey() (K, bool) {
	var best K
	found := false
	for _, s := range m.shards {
		s.mu.RLock()
		if item, ok := s.tree.Min(); ok {
			if !found || item.Key < best {
				best = item.Key
				found = true
			}
		}
		s.mu.RUnlock()
	}
	return best, found
}

// MaxKey returns the largest key across all shards.
func (m *OrderedMap[K, V]) MaxKey() (K, bool) {
	var best K
	found := false
	for _, s := range m.shards {
		s.mu.RLock()
		if item, ok := s.tree.Max(); ok {
			if !found || item.Key > best {
				best = item.Key
				found = true
			}
		}
		s.mu.RUnlock()
	}
	return best, found
}

// MinKeyValue returns the smallest key and its value.
func (m *OrderedMap[K, V]) MinKeyValue() (K, V, bool) {
	k, ok := m.MinKey()
	if !ok {
		var zero V
		return k, zero, false
	}
	v, _ := m.Get(k)
	return k, v, true
}

// MaxKeyValue returns the largest key and its value.
func (m *OrderedMap[K, V]) MaxKeyValue() (K, V, bool) {
	k, ok := m.MaxKey()
	if !ok {
		var zero V
		return k, zero, false
	}
	v, _ := m.Get(k)
	return k, v, true
}

// ShardRange returns every (key, value) pair ordered within [lo, hi) in the
// single shard that key k routes to, read-locking only that shard rather
// than the whole map. Ordering is guaranteed within that shard only, per
// the §4.6 operation table.
func (m *OrderedMap[K, V]) ShardRange(k, lo, hi K) []entry[K, V] {
	defer degrade("ShardRange")
	s := m.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entry[K, V]
	s.tree.AscendRange(entry[K, V]{Key: lo}, entry[K, V]{Key: hi}, func(e entry[K, V]) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Retain keeps only entries for which keep returns true, removing the
// rest.
func (m *OrderedMap[K, V]) Retain(keep func(K, V) bool) {
	for _, s := range m.shards {
		retainShard(s, keep)
	}
}

// retainShard applies keep to one shard under its own lock, so a panic
// inside keep degrades only that shard instead of leaving every remaining
// shard untouched and this one permanently locked.
func retainShard[K ~string | ~int | ~int64 | ~uint64, V any](s *shard[K, V], keep func(K, V) bool) {
	defer degrade("Retain")
	s.mu.Lock()
	defer s.mu.Unlock()
	var drop []entry[K, V]
	s.tree.Ascend(func(e entry[K, V]) bool {
		if !keep(e.Key, e.Value) {
			drop = append(drop, e)
		}
		return true
	})
	for _, e := range drop {
		s.tree.Delete(e)
	}
}
