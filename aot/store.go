// Package aot persists per-block compilation hints across runs, keyed by the
// block's IR content hash. It never stores executable code.
package aot

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/storage"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"github.com/fxamacker/cbor/v2"
)

// keyPrefix namespaces entries and versions their encoding.
var keyPrefix = []byte("aot/v1/")

func entryKey(h ir.Hash) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(h))
	return append(append(k, keyPrefix...), h[:]...)
}

// Entry is the advisory metadata kept for one block.
type Entry struct {
	IRHash         ir.Hash   `cbor:"1,keyasint"`
	SizeHint       uint32    `cbor:"2,keyasint"`
	CompileCount   uint32    `cbor:"3,keyasint"`
	LastCompiledAt time.Time `cbor:"4,keyasint"`
	Tier           ir.Tier   `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeEntry(e Entry) ([]byte, error) { return encMode.Marshal(e) }

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := decMode.Unmarshal(b, &e)
	return e, err
}

type Options struct {
	// FlushInterval is how often the writer persists dirty entries.
	FlushInterval time.Duration
	// MaxDirty wakes the writer early once this many entries are dirty.
	MaxDirty int
	Clock    func() time.Time
}

func DefaultOptions() Options {
	return Options{FlushInterval: 2 * time.Second, MaxDirty: 512}
}

// Store layers a read-shared in-memory map over a byte store. Disk entries
// are read lazily on first lookup; writes go to memory and are persisted by a
// single writer goroutine.
type Store struct {
	backing storage.ByteStore
	opts    Options

	mu      sync.RWMutex
	mem     map[ir.Hash]Entry
	missing map[ir.Hash]struct{}
	dirty   map[ir.Hash]struct{}

	kick     chan struct{}
	flushReq chan chan error
	done     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	loads   atomic.Uint64
	hits    atomic.Uint64
	written atomic.Uint64
	flushes atomic.Uint64
}

// Open starts the writer. The store owns backing and closes it on Close.
func Open(backing storage.ByteStore, opts Options) *Store {
	def := DefaultOptions()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.MaxDirty <= 0 {
		opts.MaxDirty = def.MaxDirty
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Store{
		backing:  backing,
		opts:     opts,
		mem:      make(map[ir.Hash]Entry),
		missing:  make(map[ir.Hash]struct{}),
		dirty:    make(map[ir.Hash]struct{}),
		kick:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

// Load returns the entry for h, reading it from disk on first access.
// Storage errors are logged and reported as absent; hints are advisory.
func (s *Store) Load(h ir.Hash) (Entry, bool) {
	s.loads.Add(1)
	s.mu.RLock()
	e, ok := s.mem[h]
	_, miss := s.missing[h]
	s.mu.RUnlock()
	if ok {
		s.hits.Add(1)
		return e, true
	}
	if miss || s.closed.Load() {
		return Entry{}, false
	}

	raw, found, err := s.backing.Get(entryKey(h))
	if err != nil {
		log.Warn(log.AOTMonitoring, "aot: read failed", "hash", h, "err", err)
		return Entry{}, false
	}
	if found {
		e, err = decodeEntry(raw)
		if err != nil || e.IRHash != h {
			log.Warn(log.AOTMonitoring, "aot: dropping undecodable entry", "hash", h, "err", err)
			found = false
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.mem[h]; ok {
		// a Store raced with the disk read and wins
		s.hits.Add(1)
		return cur, true
	}
	if !found {
		s.missing[h] = struct{}{}
		return Entry{}, false
	}
	s.mem[h] = e
	s.hits.Add(1)
	return e, true
}

// Store records e under h. Persistence happens asynchronously.
func (s *Store) Store(h ir.Hash, e Entry) {
	if s.closed.Load() {
		log.Debug(log.AOTMonitoring, "aot: store after close ignored", "hash", h)
		return
	}
	e.IRHash = h
	s.mu.Lock()
	n := s.putLocked(h, e)
	s.mu.Unlock()
	s.wake(n)
}

// Record folds one successful compilation into the entry for h and returns
// the updated entry. Concurrent Records on one hash all count.
func (s *Store) Record(h ir.Hash, codeSize int, tier ir.Tier) Entry {
	// warm s.mem from disk outside the lock
	s.Load(h)
	if s.closed.Load() {
		log.Debug(log.AOTMonitoring, "aot: record after close ignored", "hash", h)
		return Entry{}
	}
	s.mu.Lock()
	e := s.mem[h]
	e.IRHash = h
	e.CompileCount++
	e.SizeHint = uint32(codeSize)
	e.LastCompiledAt = s.opts.Clock().UTC()
	if tier > e.Tier {
		e.Tier = tier
	}
	n := s.putLocked(h, e)
	s.mu.Unlock()
	s.wake(n)
	return e
}

// putLocked stores e and returns the dirty count. s.mu must be held.
func (s *Store) putLocked(h ir.Hash, e Entry) int {
	s.mem[h] = e
	delete(s.missing, h)
	s.dirty[h] = struct{}{}
	return len(s.dirty)
}

func (s *Store) wake(dirty int) {
	if dirty >= s.opts.MaxDirty {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.logFlush(s.flush())
		case <-s.kick:
			s.logFlush(s.flush())
		case reply := <-s.flushReq:
			reply <- s.flush()
		case <-s.done:
			s.logFlush(s.flush())
			return
		}
	}
}

func (s *Store) logFlush(err error) {
	if err != nil {
		log.Warn(log.AOTMonitoring, "aot: flush failed", "err", err)
	}
}

// flush runs only on the writer goroutine.
func (s *Store) flush() error {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := make([]Entry, 0, len(s.dirty))
	for h := range s.dirty {
		batch = append(batch, s.mem[h])
	}
	s.dirty = make(map[ir.Hash]struct{})
	s.mu.Unlock()

	var firstErr error
	failed := batch[:0:0]
	for _, e := range batch {
		raw, err := encodeEntry(e)
		if err == nil {
			err = s.backing.Put(entryKey(e.IRHash), raw)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("put %s: %w", e.IRHash, err)
			}
			failed = append(failed, e)
			continue
		}
		s.written.Add(1)
	}
	if len(failed) > 0 {
		s.mu.Lock()
		for _, e := range failed {
			s.dirty[e.IRHash] = struct{}{}
		}
		s.mu.Unlock()
		return firstErr
	}
	if err := s.backing.Flush(); err != nil {
		return err
	}
	s.flushes.Add(1)
	log.Debug(log.AOTMonitoring, "aot: flushed", "entries", len(batch))
	return nil
}

// Flush asks the writer to persist all dirty entries and waits for it.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return vmerrors.ErrEStoreClose
	}
	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
		return <-reply
	case <-s.done:
		return vmerrors.ErrEStoreClose
	}
}

// Close stops the writer after a final flush and closes the byte store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	s.mu.RLock()
	pending := len(s.dirty)
	s.mu.RUnlock()
	err := s.backing.Close()
	if pending > 0 && err == nil {
		err = fmt.Errorf("aot: %d entries not persisted", pending)
	}
	return err
}

// Entries lists every known entry, disk and memory merged, ordered by hash.
// The byte store must support prefix scans.
func (s *Store) Entries() ([]Entry, error) {
	scanner, ok := s.backing.(storage.PrefixScanner)
	if !ok {
		return nil, fmt.Errorf("aot: byte store %T cannot enumerate entries", s.backing)
	}
	pairs, err := scanner.GetWithPrefix(keyPrefix)
	if err != nil {
		return nil, err
	}
	all := make(map[ir.Hash]Entry, len(pairs))
	for _, kv := range pairs {
		h, ok := ir.HashFromBytes(kv[0][len(keyPrefix):])
		if !ok {
			continue
		}
		e, err := decodeEntry(kv[1])
		if err != nil {
			log.Warn(log.AOTMonitoring, "aot: skipping undecodable entry", "key", fmt.Sprintf("%x", kv[0]), "err", err)
			continue
		}
		all[h] = e
	}
	s.mu.RLock()
	for h, e := range s.mem {
		all[h] = e
	}
	s.mu.RUnlock()

	out := make([]Entry, 0, len(all))
	for _, e := range all {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].IRHash[:], out[j].IRHash[:]) < 0 })
	return out, nil
}

type Stats struct {
	Cached  int
	Dirty   int
	Loads   uint64
	Hits    uint64
	Written uint64
	Flushes uint64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Cached:  len(s.mem),
		Dirty:   len(s.dirty),
		Loads:   s.loads.Load(),
		Hits:    s.hits.Load(),
		Written: s.written.Load(),
		Flushes: s.flushes.Load(),
	}
}
