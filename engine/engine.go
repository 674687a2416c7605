// Package engine is the execution orchestrator: it drives vCPUs through the
// interpreter and compiled code, feeds the hotspot detector and turns its
// decisions into compilations, cache publications and invalidations.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/tiervm/aot"
	"github.com/colorfulnotion/tiervm/codecache"
	"github.com/colorfulnotion/tiervm/guestmem"
	"github.com/colorfulnotion/tiervm/hotspot"
	"github.com/colorfulnotion/tiervm/interp"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/telemetry"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultFetchBytes = 65 * ir.RecordSize

type Config struct {
	Hotspot  hotspot.Config
	Cache    codecache.Config
	Compiler jit.Config
	// Interp.Semantics is shared with the compiler so every tier agrees.
	Interp interp.Config

	// ArenaBudget bounds generated code bytes. ExecArena backs it with
	// executable mappings instead of the heap.
	ArenaBudget int64
	ExecArena   bool

	// AsyncCompile hands promotions to CompileWorkers goroutines through a
	// queue of CompileQueue requests. Otherwise the promoting vCPU compiles
	// before it continues.
	AsyncCompile   bool
	CompileWorkers int
	CompileQueue   int

	// FetchBytes is how much guest code is read per decode; zero asks the
	// decoder, falling back to a default.
	FetchBytes int
	// SweepInterval is how often cold compiled addresses are demoted; zero
	// disables the sweeper.
	SweepInterval time.Duration
	// HintBoost divides the promotion thresholds of blocks the AOT store
	// has seen compiled before, squared for blocks that reached the
	// optimized tier.
	HintBoost float64
	// StepLimit stops a vCPU after that many blocks; zero is unlimited.
	StepLimit uint64
}

func DefaultConfig() Config {
	return Config{
		Hotspot:        hotspot.DefaultConfig(),
		Cache:          codecache.DefaultConfig(),
		Compiler:       jit.DefaultConfig(),
		ArenaBudget:    codecache.DefaultArenaBudget,
		AsyncCompile:   true,
		CompileWorkers: 2,
		CompileQueue:   256,
		SweepInterval:  time.Second,
		HintBoost:      4,
	}
}

// Deps are the engine's collaborators. Memory, Decoder and Backend are
// required.
type Deps struct {
	Memory  ir.Memory
	Decoder ir.Decoder
	Backend jit.Backend
	Hints   *aot.Store
	Handler ExceptionHandler
	Metrics *telemetry.Metrics
}

type codeWriteNotifier interface {
	OnCodeWrite(h guestmem.CodeWriteHook)
}

type fetchSizer interface {
	FetchSize() int
}

type compileRequest struct {
	block *ir.Block
	tier  ir.Tier
	epoch uint64
}

type Engine struct {
	cfg     Config
	mem     ir.Memory
	decoder ir.Decoder
	fetch   int
	handler ExceptionHandler
	hints   *aot.Store
	metrics *telemetry.Metrics

	detector *hotspot.Detector
	cache    *codecache.Cache
	compiler *jit.Compiler
	interp   *interp.Interpreter
	blocks   *blockTable

	decodes  singleflight.Group
	compiles singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan compileRequest
	group     *errgroup.Group
	closeOnce sync.Once
	fatal     atomic.Pointer[error]
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Memory == nil || deps.Decoder == nil || deps.Backend == nil {
		return nil, errors.New("engine: memory, decoder and backend are required")
	}
	def := DefaultConfig()
	if cfg.ArenaBudget <= 0 {
		cfg.ArenaBudget = def.ArenaBudget
	}
	if cfg.CompileWorkers <= 0 {
		cfg.CompileWorkers = def.CompileWorkers
	}
	if cfg.CompileQueue <= 0 {
		cfg.CompileQueue = def.CompileQueue
	}
	if cfg.HintBoost < 1 {
		cfg.HintBoost = 1
	}
	cfg.Compiler.Semantics = cfg.Interp.Semantics
	if cfg.FetchBytes <= 0 {
		cfg.FetchBytes = defaultFetchBytes
		if fs, ok := deps.Decoder.(fetchSizer); ok {
			cfg.FetchBytes = fs.FetchSize()
		}
	}
	if deps.Handler == nil {
		deps.Handler = HaltOnTrap{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetrics(nil)
	}

	var arena codecache.Arena
	if cfg.ExecArena {
		arena = codecache.NewArena(cfg.ArenaBudget, true)
	} else {
		arena = codecache.NewHeapArena(cfg.ArenaBudget)
	}

	e := &Engine{
		cfg:      cfg,
		mem:      deps.Memory,
		decoder:  deps.Decoder,
		fetch:    cfg.FetchBytes,
		handler:  deps.Handler,
		hints:    deps.Hints,
		metrics:  deps.Metrics,
		blocks:   newBlockTable(),
		queue:    make(chan compileRequest, cfg.CompileQueue),
	}
	cfg.Cache.OnRemove = e.onCacheRemove
	e.cache = codecache.New(cfg.Cache)
	cfg.Hotspot.Resident = e.cache.Resident
	e.detector = hotspot.New(cfg.Hotspot)
	e.compiler = jit.New(cfg.Compiler, deps.Backend, arena, deps.Hints)
	e.interp = interp.New(cfg.Interp, e.detector)

	if n, ok := deps.Memory.(codeWriteNotifier); ok {
		n.OnCodeWrite(e.onCodeWrite)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(e.ctx)
	e.group = g
	if cfg.AsyncCompile {
		for i := 0; i < cfg.CompileWorkers; i++ {
			g.Go(func() error { return e.worker(gctx) })
		}
	}
	if cfg.SweepInterval > 0 {
		g.Go(func() error { return e.sweeper(gctx) })
	}
	log.Info(log.EngineMonitoring, "engine started", "backend", deps.Backend.Name(), "async", cfg.AsyncCompile,
		"workers", cfg.CompileWorkers, "baseline", cfg.Hotspot.BaselineThreshold, "optimized", cfg.Hotspot.OptimizedThreshold)
	return e, nil
}

func (e *Engine) Detector() *hotspot.Detector { return e.detector }
func (e *Engine) Cache() *codecache.Cache     { return e.cache }
func (e *Engine) Compiler() *jit.Compiler     { return e.compiler }

// Err returns the error that aborted the engine, if any.
func (e *Engine) Err() error {
	if p := e.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// abort stops the whole VM instance. Only the first error is kept.
func (e *Engine) abort(err error) {
	if e.fatal.CompareAndSwap(nil, &err) {
		log.Error(log.EngineMonitoring, "engine aborted", "err", err)
		e.cancel()
	}
}

// Close stops the workers and the sweeper. Queued requests are dropped and
// in-flight compiles are discarded once they finish. vCPUs still running
// exit with ExitShutdown at their next block boundary.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		_ = e.group.Wait()
		dropped := e.drainQueue()
		st := e.cache.Stats()
		log.Info(log.EngineMonitoring, "engine closed", "dropped", dropped, "cached", st.Blocks, "codeBytes", st.Bytes)
	})
	if err := e.Err(); err != nil {
		return errors.Join(vmerrors.ErrEFatal, err)
	}
	return nil
}

func (e *Engine) drainQueue() int {
	n := 0
	for {
		select {
		case req := <-e.queue:
			e.detector.Abandon(req.block.Start)
			e.metrics.QueueDepth.Dec()
			n++
		default:
			return n
		}
	}
}

// Run executes v until it halts, faults, hits the step limit, ctx is
// canceled or the engine stops. The reason is also left in v.Exit.
func (e *Engine) Run(ctx context.Context, v *VCPU) ExitReason {
	reason, err := e.run(ctx, v)
	v.Exit, v.Err = reason, err
	switch reason {
	case ExitHalted:
		v.setState(Halted)
	case ExitFault, ExitFatal:
		v.setState(Faulted)
	}
	e.metrics.Exits.WithLabelValues(reason.String()).Inc()
	log.Debug(log.EngineMonitoring, "vcpu exit", "vcpu", v.ID, "reason", reason, "pc", v.Guest.PC,
		"blocks", v.Blocks, "compiled", v.Compiled, "traps", v.Traps, "err", err)
	return reason
}

// RunAll runs each vCPU on its own goroutine and returns their exit reasons
// in order.
func (e *Engine) RunAll(ctx context.Context, vcpus []*VCPU) []ExitReason {
	out := make([]ExitReason, len(vcpus))
	var g errgroup.Group
	for i, v := range vcpus {
		i, v := i, v
		g.Go(func() error {
			out[i] = e.Run(ctx, v)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) run(ctx context.Context, v *VCPU) (ExitReason, error) {
	var steps uint64
	for {
		if err := e.Err(); err != nil {
			return ExitFatal, err
		}
		if ctx.Err() != nil || e.ctx.Err() != nil {
			return ExitShutdown, nil
		}
		if e.cfg.StepLimit > 0 && steps >= e.cfg.StepLimit {
			return ExitStepLimit, nil
		}
		steps++

		pc := v.Guest.PC
		out, err := e.step(v, pc)
		if err != nil {
			if vmerrors.IsFatal(err) {
				e.abort(err)
				return ExitFatal, err
			}
			var t *vmerrors.Trap
			if !errors.As(err, &t) {
				err = &vmerrors.InvariantError{What: "execution returned a non-trap error", Addr: uint64(pc), Err: err}
				e.abort(err)
				return ExitFatal, err
			}
			v.setState(Faulted)
			v.Traps++
			v.trapStreak++
			e.metrics.Traps.WithLabelValues(t.Kind.String()).Inc()
			log.Debug(log.EngineMonitoring, "vcpu trap", "vcpu", v.ID, "trap", t)
			next, ok := e.handler.HandleTrap(v, t)
			if !ok {
				return ExitFault, t
			}
			v.Guest.PC = next
			continue
		}
		v.trapStreak = 0
		v.Blocks++
		if out.Halted {
			return ExitHalted, nil
		}
		v.Guest.PC = out.Next
		e.consult(pc)
	}
}

// step executes the block at pc once, compiled if the cache has it.
func (e *Engine) step(v *VCPU, pc ir.GuestAddress) (ir.Outcome, error) {
	if cb, ok := e.cache.Get(pc); ok {
		v.setState(ExecutingCompiled)
		e.detector.Record(pc, 1)
		out, err := cb.Execute(v.Guest, e.mem)
		tier := cb.Tier
		cb.Release()
		v.Compiled++
		e.metrics.BlocksExecuted.WithLabelValues(tier.String()).Inc()
		return out, err
	}
	v.setState(Interpreting)
	blk, err := e.block(pc)
	if err != nil {
		return ir.Outcome{}, err
	}
	v.Interpreted++
	e.metrics.BlocksExecuted.WithLabelValues(ir.TierInterpreter.String()).Inc()
	return e.interp.Execute(blk, v.Guest, e.mem)
}

// block returns the decoded block at pc, decoding it at most once however
// many vCPUs arrive together.
func (e *Engine) block(pc ir.GuestAddress) (*ir.Block, error) {
	if b, _, ok := e.blocks.get(pc); ok {
		return b, nil
	}
	res, err, _ := e.decodes.Do(strconv.FormatUint(uint64(pc), 16), func() (any, error) {
		b, gen, ok := e.blocks.get(pc)
		if ok {
			return b, nil
		}
		code, err := e.mem.Fetch(uint64(pc), e.fetch)
		if err != nil {
			return nil, decodeTrap(pc, err)
		}
		b, err = e.decoder.Decode(pc, code)
		if err != nil {
			return nil, decodeTrap(pc, err)
		}
		if e.blocks.put(b, gen) {
			e.applyHint(b)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*ir.Block), nil
}

func decodeTrap(pc ir.GuestAddress, err error) *vmerrors.Trap {
	var f *vmerrors.Fault
	if errors.As(err, &f) {
		return &vmerrors.Trap{Kind: vmerrors.TrapMemoryFault, PC: uint64(pc), OpIndex: -1, Addr: f.Addr, Cause: err}
	}
	return &vmerrors.Trap{Kind: vmerrors.TrapDecode, PC: uint64(pc), OpIndex: -1, Addr: uint64(pc), Cause: err}
}

// applyHint lowers the promotion thresholds of a block the AOT store has
// seen compiled in an earlier run.
func (e *Engine) applyHint(b *ir.Block) {
	if e.hints == nil || e.cfg.HintBoost <= 1 {
		return
	}
	ent, ok := e.hints.Load(b.Hash())
	if !ok || ent.CompileCount == 0 {
		return
	}
	boost := e.cfg.HintBoost
	if ent.Tier >= ir.TierOptimized {
		boost *= boost
	}
	e.detector.SetHint(b.Start, boost)
	log.Debug(log.AOTMonitoring, "hint applied", "addr", b.Start, "tier", ent.Tier, "compiles", ent.CompileCount, "boost", boost)
}

// consult asks the detector about pc after it executed and acts on the
// answer.
func (e *Engine) consult(pc ir.GuestAddress) {
	tier, ok := e.detector.Decide(pc)
	if !ok {
		return
	}
	if tier == ir.TierInterpreter {
		n := e.cache.Invalidate(pc)
		e.metrics.Demotions.Inc()
		e.metrics.Invalidations.WithLabelValues("demotion").Add(float64(n))
		e.updateCacheGauges()
		return
	}
	e.metrics.Promotions.WithLabelValues(tier.String()).Inc()

	// the epoch is taken before the block so a code write in between
	// makes the publish stale
	epoch := e.cache.Epoch(pc)
	blk, _, ok := e.blocks.get(pc)
	if !ok {
		e.detector.Abandon(pc)
		return
	}
	req := compileRequest{block: blk, tier: tier, epoch: epoch}
	if !e.cfg.AsyncCompile {
		e.compileAndPublish(e.ctx, req)
		return
	}
	if e.ctx.Err() != nil {
		e.detector.Abandon(pc)
		return
	}
	select {
	case e.queue <- req:
		e.metrics.QueueDepth.Inc()
	default:
		e.detector.Abandon(pc)
		e.metrics.QueueDropped.Inc()
		log.Debug(log.CompileMonitoring, "compile queue full", "addr", pc, "tier", tier)
	}
}

// Sweep demotes compiled addresses that went cold without executing and
// returns how many it demoted.
func (e *Engine) Sweep() int {
	addrs := e.detector.SweepCold()
	for _, a := range addrs {
		n := e.cache.Invalidate(a)
		e.metrics.Demotions.Inc()
		e.metrics.Invalidations.WithLabelValues("demotion").Add(float64(n))
	}
	if len(addrs) > 0 {
		e.updateCacheGauges()
		log.Debug(log.HotspotMonitoring, "swept cold addresses", "n", len(addrs))
	}
	return len(addrs)
}

func (e *Engine) sweeper(ctx context.Context) error {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Sweep()
		}
	}
}

// Invalidate discards compiled and decoded code for addr and forgets its
// tier, as when something outside the engine changed the code there. It
// returns how many compiled blocks were dropped.
func (e *Engine) Invalidate(addr ir.GuestAddress) int {
	n := e.cache.Invalidate(addr)
	e.blocks.drop(addr)
	e.detector.Reset(addr)
	if n > 0 {
		e.metrics.Invalidations.WithLabelValues("external").Add(float64(n))
		e.updateCacheGauges()
	}
	return n
}

// onCacheRemove keeps the detector's tier in line with what the cache still
// holds, so evicted code that is still hot gets compiled again.
func (e *Engine) onCacheRemove(addr ir.GuestAddress, resident ir.Tier) {
	e.detector.Lower(addr, resident)
}

// onCodeWrite runs for every write to executable guest memory.
func (e *Engine) onCodeWrite(lo, hi uint64) {
	l, h := ir.GuestAddress(lo), ir.GuestAddress(hi)
	compiled := e.cache.InvalidateRange(l, h)
	decoded := e.blocks.dropRange(l, h)
	for _, a := range compiled {
		e.detector.Reset(a)
	}
	for _, a := range decoded {
		e.detector.Reset(a)
	}
	if len(compiled) > 0 {
		e.metrics.Invalidations.WithLabelValues("code-write").Add(float64(len(compiled)))
		e.updateCacheGauges()
	}
	log.Debug(log.EngineMonitoring, "code write", "lo", l, "hi", h, "compiled", len(compiled), "decoded", len(decoded))
}

func (e *Engine) updateCacheGauges() {
	st := e.cache.Stats()
	e.metrics.CacheBlocks.Set(float64(st.Blocks))
	e.metrics.CacheBytes.Set(float64(st.Bytes))
}

type Stats struct {
	Hotspot       hotspot.Stats
	Cache         codecache.Stats
	Compiler      jit.Stats
	Interp        interp.Stats
	DecodedBlocks int
	QueueDepth    int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Hotspot:       e.detector.Stats(),
		Cache:         e.cache.Stats(),
		Compiler:      e.compiler.Stats(),
		Interp:        e.interp.Stats(),
		DecodedBlocks: e.blocks.len(),
		QueueDepth:    len(e.queue),
	}
}
