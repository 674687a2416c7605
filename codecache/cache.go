// Package codecache holds compiled blocks by guest address and owns the
// lifetime of their code memory.
package codecache

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

type Config struct {
	Shards    int
	MaxBlocks int
	MaxBytes  int64
	// EvictSample is how many unreferenced blocks are scored per eviction.
	EvictSample int
	Clock       func() time.Time

	// OnRemove runs after blocks of addr left the cache through eviction or
	// invalidation, with the highest tier still resident for addr
	// (TierInterpreter when none is). It runs without cache locks held.
	OnRemove func(addr ir.GuestAddress, resident ir.Tier)
}

func DefaultConfig() Config {
	return Config{
		Shards:      64,
		MaxBlocks:   65536,
		MaxBytes:    DefaultArenaBudget,
		EvictSample: 8,
	}
}

// slot holds the blocks of one address, one per tier, and the address's
// invalidation epoch.
type slot struct {
	blocks [ir.NumTiers]*CompiledBlock
	epoch  uint64
}

func (s *slot) resident() ir.Tier {
	if b := s.best(); b != nil {
		return b.Tier
	}
	return ir.TierInterpreter
}

func (s *slot) best() *CompiledBlock {
	for t := ir.NumTiers - 1; t >= 0; t-- {
		if b := s.blocks[t]; b != nil {
			return b
		}
	}
	return nil
}

type shard struct {
	mu    sync.RWMutex
	slots map[ir.GuestAddress]*slot
}

type Cache struct {
	cfg    Config
	shards []*shard

	// gen is bumped by range invalidations; Epoch folds it in so in-flight
	// compiles of any address see the change.
	gen atomic.Uint64

	blocks atomic.Int64
	bytes  atomic.Int64

	evictMu sync.Mutex

	hits          atomic.Uint64
	misses        atomic.Uint64
	inserts       atomic.Uint64
	replaced      atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	stale         atomic.Uint64
}

func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = def.MaxBlocks
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.EvictSample <= 0 {
		cfg.EvictSample = def.EvictSample
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	c := &Cache{cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = &shard{slots: make(map[ir.GuestAddress]*slot)}
	}
	return c
}

func (c *Cache) shardFor(addr ir.GuestAddress) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(addr))
	return c.shards[xxhash.Sum64(buf[:])%uint64(len(c.shards))]
}

// Get returns the highest-tier block for addr with a reference taken for
// the caller, who must Release it.
func (c *Cache) Get(addr ir.GuestAddress) (*CompiledBlock, bool) {
	s := c.shardFor(addr)
	s.mu.RLock()
	var b *CompiledBlock
	if sl := s.slots[addr]; sl != nil {
		b = sl.best()
	}
	if b != nil {
		b.Retain()
	}
	s.mu.RUnlock()
	if b == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	b.touch(c.cfg.Clock().UnixNano())
	return b, true
}

// Lookup is Get restricted to one tier.
func (c *Cache) Lookup(addr ir.GuestAddress, tier ir.Tier) (*CompiledBlock, bool) {
	s := c.shardFor(addr)
	s.mu.RLock()
	var b *CompiledBlock
	if sl := s.slots[addr]; sl != nil {
		b = sl.blocks[tier]
	}
	if b != nil {
		b.Retain()
	}
	s.mu.RUnlock()
	return b, b != nil
}

// Resident is the highest tier cached for addr, TierInterpreter when none.
func (c *Cache) Resident(addr ir.GuestAddress) ir.Tier {
	s := c.shardFor(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sl := s.slots[addr]; sl != nil {
		return sl.resident()
	}
	return ir.TierInterpreter
}

func (c *Cache) removed(addr ir.GuestAddress, resident ir.Tier) {
	if c.cfg.OnRemove != nil {
		c.cfg.OnRemove(addr, resident)
	}
}

// Insert publishes b, replacing any block for the same address and tier.
// The cache takes over the caller's reference.
func (c *Cache) Insert(b *CompiledBlock) {
	s := c.shardFor(b.Addr)
	s.mu.Lock()
	prev := c.insertLocked(s, b)
	s.mu.Unlock()
	c.afterInsert(b, prev)
}

// Publish is Insert guarded by the address's invalidation epoch, captured
// before compilation started, and by the IR hash the compile was for. A stale
// block is released and ErrKStale returned. A hash mismatch is an internal
// invariant violation.
func (c *Cache) Publish(b *CompiledBlock, expected ir.Hash, epoch uint64) error {
	if b.IRHash != expected {
		b.Release()
		return &vmerrors.InvariantError{
			What: "publish with mismatched ir hash",
			Addr: uint64(b.Addr),
			Err:  fmt.Errorf("%w: want %s got %s", vmerrors.ErrKHashMismatch, expected.Hex(), b.IRHash.Hex()),
		}
	}
	s := c.shardFor(b.Addr)
	s.mu.Lock()
	if cur := c.epochLocked(s, b.Addr); cur != epoch {
		s.mu.Unlock()
		c.stale.Add(1)
		log.Debug(log.CacheMonitoring, "codecache: dropped stale block", "addr", b.Addr, "tier", b.Tier, "epoch", epoch, "now", cur)
		b.Release()
		return vmerrors.ErrKStale
	}
	prev := c.insertLocked(s, b)
	s.mu.Unlock()
	c.afterInsert(b, prev)
	return nil
}

func (c *Cache) insertLocked(s *shard, b *CompiledBlock) *CompiledBlock {
	sl := s.slots[b.Addr]
	if sl == nil {
		sl = &slot{}
		s.slots[b.Addr] = sl
	}
	prev := sl.blocks[b.Tier]
	sl.blocks[b.Tier] = b
	return prev
}

func (c *Cache) afterInsert(b, prev *CompiledBlock) {
	c.inserts.Add(1)
	c.blocks.Add(1)
	c.bytes.Add(int64(b.CodeSize()))
	if prev != nil {
		c.replaced.Add(1)
		c.drop(prev)
	}
	log.Trace(log.CacheMonitoring, "codecache: inserted", "block", b.String())
	c.maybeEvict()
}

// drop releases the cache's reference to a block already unlinked.
func (c *Cache) drop(b *CompiledBlock) {
	c.blocks.Add(-1)
	c.bytes.Add(-int64(b.CodeSize()))
	b.Release()
}

func (c *Cache) epochLocked(s *shard, addr ir.GuestAddress) uint64 {
	e := c.gen.Load()
	if sl := s.slots[addr]; sl != nil {
		e += sl.epoch
	}
	return e
}

// Epoch is the invalidation token for addr. It changes whenever code at addr
// may have been invalidated.
func (c *Cache) Epoch(addr ir.GuestAddress) uint64 {
	s := c.shardFor(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.epochLocked(s, addr)
}

// Invalidate removes every tier cached for addr. In-flight executions keep
// their references; the memory goes when they release.
func (c *Cache) Invalidate(addr ir.GuestAddress) int {
	s := c.shardFor(addr)
	s.mu.Lock()
	sl := s.slots[addr]
	if sl == nil {
		sl = &slot{}
		s.slots[addr] = sl
	}
	sl.epoch++
	removed := sl.blocks
	sl.blocks = [ir.NumTiers]*CompiledBlock{}
	s.mu.Unlock()

	n := 0
	for _, b := range removed {
		if b != nil {
			c.drop(b)
			n++
		}
	}
	if n > 0 {
		c.invalidations.Add(uint64(n))
		log.Debug(log.CacheMonitoring, "codecache: invalidated", "addr", addr, "blocks", n)
		c.removed(addr, ir.TierInterpreter)
	}
	return n
}

// InvalidateRange removes every block whose guest bytes overlap [lo, hi)
// and returns their start addresses.
func (c *Cache) InvalidateRange(lo, hi ir.GuestAddress) []ir.GuestAddress {
	c.gen.Add(1)
	var addrs []ir.GuestAddress
	var removed []*CompiledBlock
	for _, s := range c.shards {
		s.mu.Lock()
		for addr, sl := range s.slots {
			hit := false
			for t, b := range sl.blocks {
				if b != nil && b.Addr < hi && lo < b.End() {
					removed = append(removed, b)
					sl.blocks[t] = nil
					hit = true
				}
			}
			if hit {
				sl.epoch++
				addrs = append(addrs, addr)
			}
		}
		s.mu.Unlock()
	}
	for _, b := range removed {
		c.drop(b)
	}
	if len(removed) > 0 {
		c.invalidations.Add(uint64(len(removed)))
		log.Debug(log.CacheMonitoring, "codecache: range invalidated", "lo", lo, "hi", hi, "blocks", len(removed))
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		c.removed(a, c.Resident(a))
	}
	return addrs
}

func (c *Cache) overCapacity() bool {
	return c.blocks.Load() > int64(c.cfg.MaxBlocks) || c.bytes.Load() > c.cfg.MaxBytes
}

func (c *Cache) maybeEvict() {
	if !c.overCapacity() {
		return
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	for c.overCapacity() {
		if !c.evictOne() {
			log.Debug(log.CacheMonitoring, "codecache: over capacity, every block referenced",
				"blocks", c.blocks.Load(), "bytes", c.bytes.Load())
			return
		}
	}
}

type candidate struct {
	s     *shard
	b     *CompiledBlock
	score float64
}

// score favours frequently and recently used blocks; the lowest goes first.
func score(b *CompiledBlock, now int64) float64 {
	age := float64(now-b.lastUsed.Load()) / float64(time.Second)
	if age < 0 {
		age = 0
	}
	return float64(b.hits.Load()+1) * float64(b.Tier+1) / (1 + age)
}

func (c *Cache) evictOne() bool {
	now := c.cfg.Clock().UnixNano()
	var best *candidate
	seen := 0
	// map iteration order is randomised, so the first few unreferenced
	// blocks of each shard form the sample
	for _, s := range c.shards {
		s.mu.RLock()
		for _, sl := range s.slots {
			for _, b := range sl.blocks {
				if b == nil || b.Refs() > 1 {
					continue
				}
				sc := score(b, now)
				if best == nil || sc < best.score {
					best = &candidate{s: s, b: b, score: sc}
				}
				seen++
			}
			if seen >= c.cfg.EvictSample {
				break
			}
		}
		s.mu.RUnlock()
		if seen >= c.cfg.EvictSample {
			break
		}
	}
	if best == nil {
		return false
	}

	b := best.b
	s := best.s
	s.mu.Lock()
	sl := s.slots[b.Addr]
	// Get retains under the read lock, so with the write lock held a count of
	// one means only the cache holds it.
	if sl == nil || sl.blocks[b.Tier] != b || b.Refs() > 1 {
		s.mu.Unlock()
		return true
	}
	sl.blocks[b.Tier] = nil
	resident := sl.resident()
	s.mu.Unlock()
	c.drop(b)
	c.evictions.Add(1)
	log.Trace(log.CacheMonitoring, "codecache: evicted", "block", b.String(), "score", best.score)
	c.removed(b.Addr, resident)
	return true
}

type Stats struct {
	Blocks        int64
	Bytes         int64
	Hits          uint64
	Misses        uint64
	Inserts       uint64
	Replaced      uint64
	Evictions     uint64
	Invalidations uint64
	Stale         uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Blocks:        c.blocks.Load(),
		Bytes:         c.bytes.Load(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Inserts:       c.inserts.Load(),
		Replaced:      c.replaced.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Stale:         c.stale.Load(),
	}
}

// Blocks lists cached blocks by address then tier. References are not
// taken; the result is for reporting only.
func (c *Cache) Blocks() []BlockInfo {
	var out []BlockInfo
	for _, s := range c.shards {
		s.mu.RLock()
		for _, sl := range s.slots {
			for _, b := range sl.blocks {
				if b != nil {
					out = append(out, BlockInfo{Addr: b.Addr, Tier: b.Tier, IRHash: b.IRHash, GuestSize: b.GuestSize, Backend: b.Backend, Arch: b.Arch})
				}
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}
