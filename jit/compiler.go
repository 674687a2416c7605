// Package jit compiles IR blocks for the baseline and optimized tiers
// through a pluggable backend and hands back cache-ready blocks.
package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/tiervm/aot"
	"github.com/colorfulnotion/tiervm/codecache"
	"github.com/colorfulnotion/tiervm/interp"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/colorfulnotion/tiervm/jit"

type Config struct {
	Semantics interp.Semantics
	// Passes is the optimized-tier pipeline; nil means DefaultPasses.
	Passes []Pass
	// HostGPRs and HostFPRs size the register allocator.
	HostGPRs int
	HostFPRs int
	// HistorySize bounds the per-compile records kept for reports.
	HistorySize int
	Clock       func() time.Time
}

func DefaultConfig() Config {
	return Config{HostGPRs: 12, HostFPRs: 14, HistorySize: 256}
}

type Compiler struct {
	cfg     Config
	backend Backend
	arena   codecache.Arena
	hints   *aot.Store
	tracer  trace.Tracer

	mu    sync.Mutex
	stats Stats
	hist  []CompileRecord
	next  int
}

// New returns a compiler. hints may be nil.
func New(cfg Config, backend Backend, arena codecache.Arena, hints *aot.Store) *Compiler {
	def := DefaultConfig()
	if cfg.Passes == nil {
		cfg.Passes = DefaultPasses()
	}
	if cfg.HostGPRs <= 0 {
		cfg.HostGPRs = def.HostGPRs
	}
	if cfg.HostFPRs <= 0 {
		cfg.HostFPRs = def.HostFPRs
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Compiler{
		cfg:     cfg,
		backend: backend,
		arena:   arena,
		hints:   hints,
		tracer:  otel.Tracer(tracerName),
		stats:   Stats{PassChanges: make(map[string]uint64), Failures: make(map[string]uint64)},
	}
}

func (c *Compiler) Backend() Backend { return c.backend }

// Optimize runs the configured pass pipeline over a fresh unit of b.
func (c *Compiler) Optimize(ctx context.Context, b *ir.Block) (*Unit, map[string]int, error) {
	u := NewUnit(b)
	changes := make(map[string]int, len(c.cfg.Passes))
	for _, p := range c.cfg.Passes {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		changes[p.Name] += p.Run(u, c.cfg.Semantics)
	}
	return u, changes, nil
}

// Compile produces a block for tier. It never panics; every failure is a
// *vmerrors.CompileError and the address keeps running at its current tier.
func (c *Compiler) Compile(ctx context.Context, b *ir.Block, tier ir.Tier) (cb *codecache.CompiledBlock, err error) {
	start := c.cfg.Clock()
	hash := b.Hash()
	ctx, span := c.tracer.Start(ctx, "jit.compile", trace.WithAttributes(
		attribute.String("tier", tier.String()),
		attribute.String("addr", b.Start.String()),
		attribute.String("ir_hash", hash.Hex()),
		attribute.Int("ops", len(b.Ops)),
		attribute.String("backend", c.backend.Name()),
	))
	rec := CompileRecord{Addr: b.Start, Tier: tier, Ops: len(b.Ops), At: start}
	defer func() {
		if r := recover(); r != nil {
			cb = nil
			err = c.fail(b, tier, vmerrors.CompileBackend, fmt.Errorf("backend panic: %v", r))
		}
		rec.Duration = c.cfg.Clock().Sub(start)
		if err != nil {
			rec.Err = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, failureName(err))
		} else {
			rec.CodeSize = cb.CodeSize()
			span.SetAttributes(attribute.Int("code_size", rec.CodeSize))
		}
		span.End()
		c.record(rec, err)
	}()

	if tier == ir.TierInterpreter {
		return nil, c.fail(b, tier, vmerrors.CompileUnsupported, errors.New("interpreter tier is not compiled"))
	}
	if err := b.CheckRegisters(); err != nil {
		return nil, c.fail(b, tier, vmerrors.CompileUnsupported, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail(b, tier, vmerrors.CompileCanceled, err)
	}

	req := &Request{Block: b, Tier: tier}
	if c.hints != nil {
		if e, ok := c.hints.Load(hash); ok {
			req.SizeHint = int(e.SizeHint)
			span.AddEvent("aot hint", trace.WithAttributes(attribute.Int("compile_count", int(e.CompileCount))))
			log.Trace(log.CompileMonitoring, "jit: aot hint", "addr", b.Start, "count", e.CompileCount, "size", e.SizeHint)
		}
	}

	if tier >= ir.TierOptimized {
		u, changes, err := c.Optimize(ctx, b)
		if err != nil {
			return nil, c.fail(b, tier, vmerrors.CompileCanceled, err)
		}
		req.Ops, req.Origin = u.Ops, u.Origin
		req.Plan = AllocateRegisters(u, c.cfg.HostGPRs, c.cfg.HostFPRs)
		rec.OptOps = len(u.Ops)
		rec.Changes = changes
	} else {
		req.Ops = b.Ops
		req.Origin = nil
		rec.OptOps = len(b.Ops)
	}

	code, err := c.backend.Generate(req)
	if err != nil {
		reason := vmerrors.CompileBackend
		if errors.Is(err, vmerrors.ErrCUnsupported) {
			reason = vmerrors.CompileUnsupported
		}
		return nil, c.fail(b, tier, reason, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail(b, tier, vmerrors.CompileCanceled, err)
	}

	region, err := c.arena.Alloc(code.Bytes)
	if err != nil {
		return nil, c.fail(b, tier, vmerrors.CompileResourceExhausted, err)
	}
	cb = codecache.NewCompiledBlock(codecache.BlockInfo{
		Addr:      b.Start,
		Tier:      tier,
		IRHash:    hash,
		GuestSize: b.GuestSize,
		Backend:   c.backend.Name(),
		Arch:      c.backend.Arch(),
	}, c.arena, region, code.Entry, c.cfg.Clock())

	if c.hints != nil {
		c.hints.Record(hash, cb.CodeSize(), tier)
	}
	log.Debug(log.CompileMonitoring, "jit: compiled", "block", cb.String(), "ops", rec.Ops, "optOps", rec.OptOps)
	return cb, nil
}

func (c *Compiler) fail(b *ir.Block, tier ir.Tier, reason vmerrors.CompileReason, cause error) error {
	err := &vmerrors.CompileError{Reason: reason, Addr: uint64(b.Start), Tier: tier.String(), Cause: cause}
	log.Debug(log.CompileMonitoring, "jit: compile failed", "addr", b.Start, "tier", tier, "err", err)
	return err
}

func failureName(err error) string {
	var ce *vmerrors.CompileError
	if errors.As(err, &ce) {
		return ce.Reason.String()
	}
	return vmerrors.GetErrorName(err)
}

// CompileRecord describes one compilation.
type CompileRecord struct {
	Addr     ir.GuestAddress
	Tier     ir.Tier
	Ops      int
	OptOps   int
	CodeSize int
	Duration time.Duration
	At       time.Time
	Changes  map[string]int
	Err      string
}

// Stats aggregates every compilation so far.
type Stats struct {
	Compiled     [ir.NumTiers]uint64
	Failed       [ir.NumTiers]uint64
	Failures     map[string]uint64
	PassChanges  map[string]uint64
	OpsIn        uint64
	OpsOut       uint64
	CodeBytes    uint64
	TotalTime    time.Duration
	MaxTime      time.Duration
	AverageTime  time.Duration
	Compilations uint64
}

func (c *Compiler) record(rec CompileRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.stats
	s.Compilations++
	s.TotalTime += rec.Duration
	if rec.Duration > s.MaxTime {
		s.MaxTime = rec.Duration
	}
	s.AverageTime = s.TotalTime / time.Duration(s.Compilations)
	if err != nil {
		s.Failed[rec.Tier]++
		s.Failures[failureName(err)]++
	} else {
		s.Compiled[rec.Tier]++
		s.OpsIn += uint64(rec.Ops)
		s.OpsOut += uint64(rec.OptOps)
		s.CodeBytes += uint64(rec.CodeSize)
		for name, n := range rec.Changes {
			s.PassChanges[name] += uint64(n)
		}
	}
	if len(c.hist) < c.cfg.HistorySize {
		c.hist = append(c.hist, rec)
	} else {
		c.hist[c.next] = rec
		c.next = (c.next + 1) % len(c.hist)
	}
}

func (c *Compiler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Failures = make(map[string]uint64, len(c.stats.Failures))
	for k, v := range c.stats.Failures {
		out.Failures[k] = v
	}
	out.PassChanges = make(map[string]uint64, len(c.stats.PassChanges))
	for k, v := range c.stats.PassChanges {
		out.PassChanges[k] = v
	}
	return out
}

// History returns the retained compile records, oldest first.
func (c *Compiler) History() []CompileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CompileRecord, 0, len(c.hist))
	out = append(out, c.hist[c.next:]...)
	out = append(out, c.hist[:c.next]...)
	return out
}
