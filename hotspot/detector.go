// Package hotspot tracks per-address execution frequency and decides when a
// block should move between execution tiers.
package hotspot

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
)

type Config struct {
	// Alpha is the fraction of the accumulated frequency that decays per
	// DecayInterval. Larger values favour recent behaviour.
	Alpha         float64
	DecayInterval time.Duration

	BaselineThreshold  float64
	OptimizedThreshold float64
	// ColdThreshold must sit below BaselineThreshold; a compiled address is
	// demoted only after staying under it for ColdWindow.
	ColdThreshold float64
	ColdWindow    time.Duration

	// Capacity bounds the number of tracked addresses.
	Capacity int
	Shards   int

	// Resident reports the highest tier with code still installed for an
	// address. It seeds the tier of an address tracked anew after its record
	// was dropped for capacity. Nil means no code survives a drop.
	Resident func(ir.GuestAddress) ir.Tier

	// Clock is injectable for tests.
	Clock func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Alpha:              0.2,
		DecayInterval:      time.Second,
		BaselineThreshold:  10,
		OptimizedThreshold: 1000,
		ColdThreshold:      2,
		ColdWindow:         5 * time.Second,
		Capacity:           1 << 16,
		Shards:             64,
	}
}

// Temperature summarises an address's frequency against the thresholds.
type Temperature uint8

const (
	Cold Temperature = iota
	Warm
	Hot
)

func (t Temperature) String() string {
	switch t {
	case Warm:
		return "warm"
	case Hot:
		return "hot"
	}
	return "cold"
}

// Record is a point-in-time view of one tracked address.
type Record struct {
	Address     ir.GuestAddress
	RawCount    uint64
	EWMA        float64
	Tier        ir.Tier
	Temperature Temperature
	LastUpdate  time.Time
	Boost       float64
}

type entry struct {
	addr      ir.GuestAddress
	raw       atomic.Uint64
	ewma      atomic.Uint64 // float64 bits
	last      atomic.Int64  // unix nanos of the last decay step
	tier      atomic.Uint32
	pending   atomic.Uint32 // requested tier + 1, zero when idle
	failed    atomic.Uint32 // bit per tier whose compilation failed
	coldSince atomic.Int64
	boost     atomic.Uint64 // float64 bits, threshold divisor
}

type shard struct {
	mu      sync.RWMutex
	entries map[ir.GuestAddress]*entry
	hints   map[ir.GuestAddress]float64 // outlive dropped entries
}

// Detector is safe for concurrent use. Recording is lock-free for addresses
// already tracked.
type Detector struct {
	cfg      Config
	shards   []*shard
	shardCap int
	now      func() time.Time

	promotions atomic.Uint64
	demotions  atomic.Uint64
	dropped    atomic.Uint64
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = def.DecayInterval
	}
	if cfg.Alpha < 0 || cfg.Alpha >= 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	d := &Detector{
		cfg:      cfg,
		shards:   make([]*shard, cfg.Shards),
		shardCap: (cfg.Capacity + cfg.Shards - 1) / cfg.Shards,
		now:      cfg.Clock,
	}
	for i := range d.shards {
		d.shards[i] = &shard{
			entries: make(map[ir.GuestAddress]*entry),
			hints:   make(map[ir.GuestAddress]float64),
		}
	}
	return d
}

func (d *Detector) Config() Config { return d.cfg }

func (d *Detector) shardFor(addr ir.GuestAddress) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return d.shards[xxhash.Sum64(b[:])%uint64(len(d.shards))]
}

func (d *Detector) lookup(addr ir.GuestAddress) *entry {
	s := d.shardFor(addr)
	s.mu.RLock()
	e := s.entries[addr]
	s.mu.RUnlock()
	return e
}

func (d *Detector) getOrCreate(addr ir.GuestAddress) *entry {
	if e := d.lookup(addr); e != nil {
		return e
	}
	s := d.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[addr]; e != nil {
		return e
	}
	if len(s.entries) >= d.shardCap {
		d.evictLocked(s)
	}
	e := &entry{addr: addr}
	e.last.Store(d.now().UnixNano())
	boost := 1.0
	if b, ok := s.hints[addr]; ok {
		boost = b
	}
	e.boost.Store(math.Float64bits(boost))
	if d.cfg.Resident != nil {
		e.tier.Store(uint32(d.cfg.Resident(addr)))
	}
	s.entries[addr] = e
	return e
}

// evictLocked drops one entry to make room: the coldest interpreter-tier
// entry among a sample, else the coldest idle entry in the shard. Pending
// entries are never dropped, so a shard overshoots its capacity by at most
// the promotions in flight.
func (d *Detector) evictLocked(s *shard) {
	const sample = 16
	now := d.now().UnixNano()
	victim := d.coldestLocked(s, now, sample, true)
	if victim == nil {
		victim = d.coldestLocked(s, now, 0, false)
	}
	if victim == nil {
		return
	}
	delete(s.entries, victim.addr)
	d.dropped.Add(1)
	if t := ir.Tier(victim.tier.Load()); t != ir.TierInterpreter {
		log.Debug(log.HotspotMonitoring, "hotspot: dropped compiled record", "addr", victim.addr, "tier", t)
	}
}

// coldestLocked scans up to limit entries (all when limit is 0).
func (d *Detector) coldestLocked(s *shard, now int64, limit int, interpOnly bool) *entry {
	var victim *entry
	best := math.Inf(1)
	n := 0
	for _, e := range s.entries {
		if n++; limit > 0 && n > limit {
			break
		}
		if e.pending.Load() != 0 {
			continue
		}
		if interpOnly && e.tier.Load() != uint32(ir.TierInterpreter) {
			continue
		}
		if v := d.valueAt(e, now); victim == nil || v < best {
			best, victim = v, e
		}
	}
	return victim
}

func (d *Detector) decay(dtNanos int64) float64 {
	if dtNanos <= 0 {
		return 1
	}
	steps := float64(dtNanos) / float64(d.cfg.DecayInterval)
	return math.Pow(1-d.cfg.Alpha, steps)
}

func (d *Detector) valueAt(e *entry, now int64) float64 {
	return math.Float64frombits(e.ewma.Load()) * d.decay(now-e.last.Load())
}

// Record counts weight executions of addr. Concurrent updates to the same
// address may interleave their decay steps; the error is bounded by one step.
func (d *Detector) Record(addr ir.GuestAddress, weight uint32) {
	e := d.getOrCreate(addr)
	e.raw.Add(uint64(weight))
	now := d.now().UnixNano()
	factor := d.decay(now - e.last.Swap(now))
	for {
		old := e.ewma.Load()
		nv := math.Float64frombits(old)*factor + float64(weight)
		if e.ewma.CompareAndSwap(old, math.Float64bits(nv)) {
			return
		}
	}
}

func (d *Detector) thresholds(e *entry) (base, opt float64) {
	b := math.Float64frombits(e.boost.Load())
	if b < 1 {
		b = 1
	}
	return d.cfg.BaselineThreshold / b, d.cfg.OptimizedThreshold / b
}

func failedBit(t ir.Tier) uint32 { return 1 << t }

// Decide returns the tier addr should move to, if any. A promotion marks the
// address pending until Complete or Abandon; no second promotion is issued
// for it meanwhile. A returned TierInterpreter is a demotion that has already
// taken effect.
func (d *Detector) Decide(addr ir.GuestAddress) (ir.Tier, bool) {
	e := d.lookup(addr)
	if e == nil || e.pending.Load() != 0 {
		return 0, false
	}
	now := d.now()
	v := d.valueAt(e, now.UnixNano())
	cur := ir.Tier(e.tier.Load())
	base, opt := d.thresholds(e)
	failed := e.failed.Load()

	target := cur
	if v >= opt && failed&failedBit(ir.TierOptimized) == 0 {
		target = ir.TierOptimized
	} else if v >= base && failed&failedBit(ir.TierBaseline) == 0 {
		target = ir.TierBaseline
	}
	if target > cur {
		if !e.pending.CompareAndSwap(0, uint32(target)+1) {
			return 0, false
		}
		e.coldSince.Store(0)
		log.Debug(log.HotspotMonitoring, "hotspot: promote", "addr", addr, "from", cur, "to", target, "ewma", v)
		return target, true
	}
	if cur > ir.TierInterpreter && d.checkCold(e, v, now.UnixNano()) {
		return ir.TierInterpreter, true
	}
	return 0, false
}

// checkCold applies the demotion hysteresis and demotes e when the cold
// window has elapsed.
func (d *Detector) checkCold(e *entry, v float64, now int64) bool {
	if v >= d.cfg.ColdThreshold {
		e.coldSince.Store(0)
		return false
	}
	since := e.coldSince.Load()
	if since == 0 {
		e.coldSince.CompareAndSwap(0, now)
		return false
	}
	if time.Duration(now-since) < d.cfg.ColdWindow {
		return false
	}
	if e.pending.Load() != 0 {
		return false
	}
	prev := e.tier.Swap(uint32(ir.TierInterpreter))
	if prev == uint32(ir.TierInterpreter) {
		return false
	}
	e.coldSince.Store(0)
	e.failed.Store(0)
	d.demotions.Add(1)
	log.Debug(log.HotspotMonitoring, "hotspot: demote", "addr", e.addr, "from", ir.Tier(prev), "ewma", v)
	return true
}

// Complete ends a pending promotion. On success the tier only ever rises;
// on failure the tier is not retried until Reset.
func (d *Detector) Complete(addr ir.GuestAddress, tier ir.Tier, ok bool) {
	e := d.lookup(addr)
	if e == nil {
		return
	}
	if ok {
		for {
			cur := e.tier.Load()
			if uint32(tier) <= cur || e.tier.CompareAndSwap(cur, uint32(tier)) {
				break
			}
		}
		d.promotions.Add(1)
	} else {
		for {
			f := e.failed.Load()
			if e.failed.CompareAndSwap(f, f|failedBit(tier)) {
				break
			}
		}
	}
	e.pending.Store(0)
}

// Abandon clears a pending promotion without recording an outcome, so the
// next Decide may issue it again.
func (d *Detector) Abandon(addr ir.GuestAddress) {
	if e := d.lookup(addr); e != nil {
		e.pending.Store(0)
	}
}

// Reset forgets the tier and failures of addr, e.g. after its code changed.
// The frequency history is kept.
func (d *Detector) Reset(addr ir.GuestAddress) {
	if e := d.lookup(addr); e != nil {
		e.tier.Store(uint32(ir.TierInterpreter))
		e.failed.Store(0)
		e.coldSince.Store(0)
	}
}

// Lower brings the tier of addr down to tier when compiled code for the
// higher tiers is gone, e.g. evicted. Failures and history are kept, so a
// still-hot address is promoted again by the next Decide.
func (d *Detector) Lower(addr ir.GuestAddress, tier ir.Tier) {
	e := d.lookup(addr)
	if e == nil {
		return
	}
	for {
		cur := e.tier.Load()
		if cur <= uint32(tier) {
			return
		}
		if e.tier.CompareAndSwap(cur, uint32(tier)) {
			log.Debug(log.HotspotMonitoring, "hotspot: lowered", "addr", addr, "from", ir.Tier(cur), "to", tier)
			return
		}
	}
}

// SetHint divides the thresholds of addr by boost (>= 1), used for addresses
// whose persisted metadata says they were hot in earlier runs. The boost
// survives the record being dropped for capacity.
func (d *Detector) SetHint(addr ir.GuestAddress, boost float64) {
	if boost < 1 {
		boost = 1
	}
	s := d.shardFor(addr)
	s.mu.Lock()
	if boost == 1 {
		delete(s.hints, addr)
	} else {
		s.hints[addr] = boost
	}
	s.mu.Unlock()
	d.getOrCreate(addr).boost.Store(math.Float64bits(boost))
}

// SweepCold demotes compiled addresses that stopped executing and returns
// them. Addresses that never run again would otherwise never reach Decide.
func (d *Detector) SweepCold() []ir.GuestAddress {
	now := d.now().UnixNano()
	var out []ir.GuestAddress
	for _, s := range d.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if e.tier.Load() == uint32(ir.TierInterpreter) {
				continue
			}
			if d.checkCold(e, d.valueAt(e, now), now) {
				out = append(out, e.addr)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (d *Detector) snapshot(e *entry, now time.Time) Record {
	v := d.valueAt(e, now.UnixNano())
	base, opt := d.thresholds(e)
	temp := Cold
	if v >= opt {
		temp = Hot
	} else if v >= base {
		temp = Warm
	}
	return Record{
		Address:     e.addr,
		RawCount:    e.raw.Load(),
		EWMA:        v,
		Tier:        ir.Tier(e.tier.Load()),
		Temperature: temp,
		LastUpdate:  time.Unix(0, e.last.Load()),
		Boost:       math.Float64frombits(e.boost.Load()),
	}
}

// Snapshot returns the current record for addr.
func (d *Detector) Snapshot(addr ir.GuestAddress) (Record, bool) {
	e := d.lookup(addr)
	if e == nil {
		return Record{}, false
	}
	return d.snapshot(e, d.now()), true
}

// Top returns up to n records ordered by decayed frequency, hottest first.
// n <= 0 returns all of them.
func (d *Detector) Top(n int) []Record {
	now := d.now()
	var out []Record
	for _, s := range d.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, d.snapshot(e, now))
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EWMA != out[j].EWMA {
			return out[i].EWMA > out[j].EWMA
		}
		return out[i].Address < out[j].Address
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type Stats struct {
	Tracked    int
	Promotions uint64
	Demotions  uint64
	Dropped    uint64
}

func (d *Detector) Stats() Stats {
	st := Stats{
		Promotions: d.promotions.Load(),
		Demotions:  d.demotions.Load(),
		Dropped:    d.dropped.Load(),
	}
	for _, s := range d.shards {
		s.mu.RLock()
		st.Tracked += len(s.entries)
		s.mu.RUnlock()
	}
	return st
}
