package mqtt

import (
	"log"

	"github.com/golang-io/mqtt/storage"
)

// retainShard is the storage-engine shard name used to back retained
// messages when persistent storage is configured, kept apart from any
// application shard names a caller might create through the storage
// adapter directly.
const retainShard = "__retained__"

// storageRetainStore is a topic.RetainStore backed by the storage adapter,
// used in place of the in-memory default whenever CONFIG.StorageDBFile is
// set: the retained payload for a topic is simply the most recent record
// written under that topic as its key (storage's key index already keeps
// "one entry, overwritten on each new record with the same key", which is
// exactly the retained-message contract).
type storageRetainStore struct {
	adapter *storage.Adapter
}

// newStorageRetainStore opens/creates the retain shard on adapter and
// returns a RetainStore backed by it. Duck-types topic.RetainStore so this
// package need not import topic here.
func newStorageRetainStore(adapter *storage.Adapter) *storageRetainStore {
	if err := adapter.CreateShard(retainShard); err != nil {
		// Already exists across a restart; that is expected, not an error.
		log.Printf("storage: retain shard already present: %v", err)
	}
	return &storageRetainStore{adapter: adapter}
}

func (s *storageRetainStore) GetRetained(topic string) ([]byte, bool) {
	rec, ok, err := s.adapter.ReadByKey(retainShard, topic)
	if err != nil {
		log.Printf("storage: retained lookup failed for topic=%s: %v", topic, err)
		return nil, false
	}
	if !ok || len(rec.Payload) == 0 {
		return nil, false
	}
	return rec.Payload, true
}

func (s *storageRetainStore) SetRetained(topic string, payload []byte) {
	if _, err := s.adapter.Write(retainShard, storage.Record{Key: topic, Payload: payload}); err != nil {
		log.Printf("storage: retained write failed for topic=%s: %v", topic, err)
	}
}

// openStorage opens the storage adapter at CONFIG.StorageDBFile under
// CONFIG.DataFold, used by NewServer when persistent storage is enabled.
// Returns nil, nil when StorageDBFile is unset (the default, in-memory
// retain store is used instead).
func openStorage() (*storage.Adapter, error) {
	if CONFIG.StorageDBFile == "" {
		return nil, nil
	}
	return storage.Open(CONFIG.StorageDBFile, CONFIG.DataFold, true)
}
