// Package storage provides the raw key-value byte stores behind the AOT
// metadata store. No encoding or caching logic lives here.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ByteStore is the persistence collaborator: opaque keys to opaque values.
type ByteStore interface {
	// Get returns (nil, false, nil) if the key is absent.
	Get(key []byte) ([]byte, bool, error)
	Put(key []byte, value []byte) error
	// Flush makes every prior Put durable.
	Flush() error
	Close() error
}

// PrefixScanner is implemented by stores that can enumerate a key range.
type PrefixScanner interface {
	GetWithPrefix(prefix []byte) ([][2][]byte, error)
}

// flushMarker is rewritten with a synced write to force the journal to disk.
var flushMarker = []byte("\x00meta/flushed-at")

// PersistenceStore wraps LevelDB for raw key-value persistence.
// Thread-safe: LevelDB handles its own synchronization.
type PersistenceStore struct {
	db     *leveldb.DB
	closed atomic.Bool
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	return &PersistenceStore{db: db}, nil
}

// NewMemoryPersistenceStore creates an in-memory PersistenceStore for testing.
func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, nil)
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, nil)
}

// Flush issues a synced write; LevelDB syncs the whole journal, covering
// every earlier unsynced Put.
func (ps *PersistenceStore) Flush() error {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	if err := ps.db.Put(flushMarker, ts[:], &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("Flush: %w", err)
	}
	return nil
}

// GetWithPrefix returns all key-value pairs with the given prefix.
// Returns pairs sorted by key order.
func (ps *PersistenceStore) GetWithPrefix(prefix []byte) ([][2][]byte, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var results [][2][]byte
	for iter.Next() {
		// Copy key and value to avoid iterator reuse issues
		results = append(results, [2][]byte{bytes.Clone(iter.Key()), bytes.Clone(iter.Value())})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("GetWithPrefix %x: %w", prefix, err)
	}
	return results, nil
}

func (ps *PersistenceStore) Close() error {
	if !ps.closed.CompareAndSwap(false, true) {
		return nil
	}
	return ps.db.Close()
}

// Open returns a byte store for the named backend: "leveldb", "pebble" or
// "memory". An empty path keeps leveldb and pebble in memory too.
func Open(backend, path string) (ByteStore, error) {
	switch backend {
	case "", "leveldb":
		return NewPersistenceStore(path)
	case "pebble":
		return NewPebbleStore(path)
	case "memory":
		return NewMemoryPersistenceStore()
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
