package storage

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStore is the Pebble-backed ByteStore, selected with backend "pebble".
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool
}

// NewPebbleStore opens a Pebble database at path; an empty path uses an
// in-memory filesystem.
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(key []byte) ([]byte, bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	defer closer.Close()
	return bytes.Clone(data), true, nil
}

func (s *PebbleStore) Put(key []byte, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

func (s *PebbleStore) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Flush persists the memtable to sstables.
func (s *PebbleStore) Flush() error {
	return s.db.Flush()
}

// GetWithPrefix returns all pairs whose key starts with prefix, in key order.
func (s *PebbleStore) GetWithPrefix(prefix []byte) ([][2][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var results [][2][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		results = append(results, [2][]byte{bytes.Clone(iter.Key()), bytes.Clone(iter.Value())})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("GetWithPrefix %x: %w", prefix, err)
	}
	return results, nil
}

func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// prefixEnd is the smallest key greater than every key with the prefix, or
// nil when the prefix is all 0xff.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
