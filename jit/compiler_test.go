package jit_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/colorfulnotion/tiervm/aot"
	"github.com/colorfulnotion/tiervm/backend/threaded"
	"github.com/colorfulnotion/tiervm/codecache"
	"github.com/colorfulnotion/tiervm/guestmem"
	"github.com/colorfulnotion/tiervm/interp"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
	"github.com/colorfulnotion/tiervm/storage"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dataBase = 0x10000
	dataSize = 2 * guestmem.PageSize
	baseReg  = 31
)

var (
	regOps = []ir.Opcode{
		ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpMulHU, ir.OpDivU, ir.OpDivS, ir.OpRemU, ir.OpRemS,
		ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShrL, ir.OpShrA, ir.OpSltU, ir.OpSltS, ir.OpMov,
	}
	immOps = []ir.Opcode{
		ir.OpAddI, ir.OpMulI, ir.OpAndI, ir.OpOrI, ir.OpXorI, ir.OpShlI, ir.OpShrLI, ir.OpShrAI,
		ir.OpSltUI, ir.OpSltSI,
	}
	floatOps = []ir.Opcode{
		ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv, ir.OpFMin, ir.OpFMax, ir.OpFMAdd,
		ir.OpFEq, ir.OpFLt, ir.OpFLe, ir.OpFCvtToInt, ir.OpFCvtFromInt, ir.OpFCvtPrec,
		ir.OpFMvToInt, ir.OpFMvFromInt,
	}
	sizes = []uint8{1, 2, 4, 8}
)

type gen struct{ r *rand.Rand }

func (g gen) reg() ir.Reg { return ir.Reg(g.r.Intn(8)) }

func (g gen) imm() int64 {
	switch g.r.Intn(4) {
	case 0:
		return 0
	case 1:
		return int64(g.r.Intn(17) - 8)
	case 2:
		return int64(g.r.Intn(64))
	}
	return g.r.Int63() - g.r.Int63()
}

func (g gen) offset(size uint8) int64 {
	if g.r.Intn(30) == 0 {
		return dataSize + int64(g.r.Intn(64))
	}
	return int64(g.r.Intn(dataSize - int(size) + 1))
}

func (g gen) op() ir.Op {
	switch k := g.r.Intn(20); {
	case k < 5:
		return ir.Op{Code: regOps[g.r.Intn(len(regOps))], Dst: g.reg(), Src1: g.reg(), Src2: g.reg()}
	case k < 9:
		return ir.Op{Code: immOps[g.r.Intn(len(immOps))], Dst: g.reg(), Src1: g.reg(), Imm: g.imm()}
	case k < 11:
		return ir.Op{Code: ir.OpMovI, Dst: g.reg(), Imm: g.imm()}
	case k < 13:
		size := sizes[g.r.Intn(len(sizes))]
		return ir.Op{Code: ir.OpLoad, Dst: g.reg(), Src1: baseReg, Imm: g.offset(size), Size: size, Signed: g.r.Intn(2) == 0}
	case k < 15:
		size := sizes[g.r.Intn(len(sizes))]
		return ir.Op{Code: ir.OpStore, Src1: baseReg, Src2: g.reg(), Imm: g.offset(size), Size: size}
	case k < 16:
		widths := []uint8{8, 16, 32, 64, 8, 16, 32, 64, 12}
		codes := []ir.Opcode{ir.OpVAdd, ir.OpVSub, ir.OpVMul}
		return ir.Op{Code: codes[g.r.Intn(3)], Dst: g.reg(), Src1: g.reg(), Src2: g.reg(), Size: widths[g.r.Intn(len(widths))]}
	case k < 18:
		return ir.Op{Code: floatOps[g.r.Intn(len(floatOps))], Dst: g.reg(), Src1: g.reg(), Src2: g.reg(), Src3: g.reg(),
			Prec: ir.Precision(g.r.Intn(2))}
	}
	size := uint8(4 + 4*g.r.Intn(2))
	switch g.r.Intn(4) {
	case 0:
		return ir.Op{Code: ir.OpAtomicRMW, Dst: g.reg(), Src1: baseReg, Src2: g.reg(), Size: size, AOp: ir.AtomicOp(g.r.Intn(9))}
	case 1:
		return ir.Op{Code: ir.OpAtomicCAS, Dst: g.reg(), Src1: baseReg, Src2: g.reg(), Src3: g.reg(), Size: size}
	case 2:
		return ir.Op{Code: ir.OpLoadReserved, Dst: g.reg(), Src1: baseReg, Size: size}
	}
	return ir.Op{Code: ir.OpStoreCond, Dst: g.reg(), Src1: baseReg, Src2: g.reg(), Size: size}
}

func (g gen) block() *ir.Block {
	ops := make([]ir.Op, 1+g.r.Intn(24))
	for i := range ops {
		ops[i] = g.op()
	}
	term := ir.Terminator{
		Kind: ir.TermBranch, Cond: ir.Cond(g.r.Intn(6)), Src1: g.reg(), Src2: g.reg(),
		Target: 0x8000, Fallthrough: 0x4000 + ir.GuestAddress(len(ops)+1)*ir.RecordSize,
	}
	return ir.NewBlock(0x4000, ops, term, 0)
}

func (g gen) state() *ir.GuestState {
	st := &ir.GuestState{PC: 0x4000}
	for i := 0; i < 8; i++ {
		st.X[i] = uint64(g.imm())
		st.F[i] = g.r.Uint64()
		st.V[i] = ir.Vec{g.r.Uint64(), g.r.Uint64()}
	}
	st.X[baseReg] = dataBase
	return st
}

func newMem(t *testing.T, data []byte) *guestmem.Memory {
	t.Helper()
	m := guestmem.New()
	require.NoError(t, m.Map(dataBase, dataSize, guestmem.PermRW))
	require.NoError(t, m.WriteBytes(dataBase, data))
	return m
}

type result struct {
	st  *ir.GuestState
	out ir.Outcome
	err error
	mem []byte
}

func trapOf(t *testing.T, err error) *vmerrors.Trap {
	t.Helper()
	var tr *vmerrors.Trap
	require.True(t, errors.As(err, &tr), "%v", err)
	return tr
}

func assertSameResult(t *testing.T, want, got result, what string) {
	t.Helper()
	if diff := cmp.Diff(want.st, got.st); diff != "" {
		t.Fatalf("%s: guest state differs (-interp +compiled):\n%s", what, diff)
	}
	require.Equal(t, want.mem, got.mem, "%s: memory", what)
	if want.err == nil {
		require.NoError(t, got.err, what)
		require.Equal(t, want.out, got.out, what)
		return
	}
	wt, gt := trapOf(t, want.err), trapOf(t, got.err)
	assert.Equal(t, wt.Kind, gt.Kind, what)
	assert.Equal(t, wt.PC, gt.PC, what)
	assert.Equal(t, wt.OpIndex, gt.OpIndex, what)
	assert.Equal(t, wt.Addr, gt.Addr, what)
}

func TestCompiledTiersMatchInterpreter(t *testing.T) {
	ctx := context.Background()
	for _, sem := range []interp.Semantics{{}, {DivZeroTraps: true}} {
		in := interp.New(interp.Config{Semantics: sem}, nil)
		c := jit.New(jit.Config{Semantics: sem}, threaded.New(sem), codecache.NewHeapArena(64<<20), nil)

		for seed := int64(0); seed < 300; seed++ {
			g := gen{r: rand.New(rand.NewSource(seed))}
			blk := g.block()
			st0 := g.state()
			data := make([]byte, dataSize)
			g.r.Read(data)

			run := func(exec func(*ir.GuestState, ir.Memory) (ir.Outcome, error)) result {
				st := st0.Clone()
				mem := newMem(t, data)
				out, err := exec(st, mem)
				after, rerr := mem.ReadBytes(dataBase, dataSize)
				require.NoError(t, rerr)
				return result{st: st, out: out, err: err, mem: after}
			}
			want := run(func(st *ir.GuestState, mem ir.Memory) (ir.Outcome, error) {
				return in.Execute(blk, st, mem)
			})

			for _, tier := range []ir.Tier{ir.TierBaseline, ir.TierOptimized} {
				cb, err := c.Compile(ctx, blk, tier)
				require.NoError(t, err)
				got := run(cb.Execute)
				cb.Release()
				what := tier.String()
				if t.Failed() {
					return
				}
				assertSameResult(t, want, got, what+"\n"+blk.String())
			}
		}
		stats := c.Stats()
		assert.Equal(t, uint64(300), stats.Compiled[ir.TierBaseline])
		assert.Equal(t, uint64(300), stats.Compiled[ir.TierOptimized])
		assert.Zero(t, stats.Failed[ir.TierOptimized])
	}
}

func TestOptimizedTierShrinksBlocks(t *testing.T) {
	blk := ir.NewBlock(0x1000, []ir.Op{
		{Code: ir.OpMovI, Dst: 1, Imm: 5},
		{Code: ir.OpMovI, Dst: 2, Imm: 7},
		{Code: ir.OpAdd, Dst: 3, Src1: 1, Src2: 2},
		{Code: ir.OpAdd, Dst: 4, Src1: 5, Src2: 6},
		{Code: ir.OpAdd, Dst: 4, Src1: 5, Src2: 6},
		{Code: ir.OpNop},
	}, ir.Terminator{Kind: ir.TermReturn, Reg: 3}, 0)

	c := jit.New(jit.Config{}, threaded.New(interp.Semantics{}), codecache.NewHeapArena(1<<20), nil)
	cb, err := c.Compile(context.Background(), blk, ir.TierOptimized)
	require.NoError(t, err)
	defer cb.Release()
	assert.Equal(t, ir.TierOptimized, cb.Tier)
	assert.Equal(t, blk.Hash(), cb.IRHash)

	st := &ir.GuestState{}
	st.X[5], st.X[6] = 30, 12
	out, err := cb.Execute(st, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.GuestAddress(12), out.Next)
	assert.Equal(t, uint64(42), st.X[4])

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, 6, hist[0].Ops)
	assert.Less(t, hist[0].OptOps, hist[0].Ops)
	assert.Positive(t, hist[0].Changes["constfold"])
	assert.Positive(t, hist[0].Changes["cse"])
	assert.Empty(t, hist[0].Err)
}

type panicBackend struct{}

func (panicBackend) Name() string { return "panicky" }
func (panicBackend) Arch() string { return "none" }
func (panicBackend) Generate(*jit.Request) (*jit.NativeCode, error) {
	panic("lowering exploded")
}

// recordingBackend keeps every request it lowers.
type recordingBackend struct {
	*threaded.Backend
	reqs []*jit.Request
}

func (r *recordingBackend) Generate(req *jit.Request) (*jit.NativeCode, error) {
	r.reqs = append(r.reqs, req)
	return r.Backend.Generate(req)
}

func TestOptimizedRequestCarriesRegisterPlan(t *testing.T) {
	blk := ir.NewBlock(0x3000, []ir.Op{
		{Code: ir.OpAdd, Dst: 1, Src1: 2, Src2: 3},
		{Code: ir.OpMul, Dst: 4, Src1: 1, Src2: 5},
		{Code: ir.OpSub, Dst: 6, Src1: 4, Src2: 7},
	}, ir.Terminator{Kind: ir.TermReturn, Reg: 6}, 0)
	rb := &recordingBackend{Backend: threaded.New(interp.Semantics{})}
	c := jit.New(jit.Config{HostGPRs: 3}, rb, codecache.NewHeapArena(1<<20), nil)
	ctx := context.Background()

	for _, tier := range []ir.Tier{ir.TierBaseline, ir.TierOptimized} {
		cb, err := c.Compile(ctx, blk, tier)
		require.NoError(t, err)
		cb.Release()
	}
	require.Len(t, rb.reqs, 2)
	assert.Nil(t, rb.reqs[0].Plan)

	req := rb.reqs[1]
	require.NotNil(t, req.Plan)
	require.NoError(t, req.Plan.Check(req.Ops, &blk.Term))
	for l, r := range req.Plan.Host {
		assert.Less(t, r, 3, "location %d", l)
	}
	assert.LessOrEqual(t, req.Plan.MaxPressure, 3)
	assert.NotEmpty(t, req.Plan.Spilled, "seven registers over three host registers")
	assert.Equal(t, []ir.Loc{1, 4, 6}, req.Plan.Writeback)
}

func compileErr(t *testing.T, err error, reason vmerrors.CompileReason) *vmerrors.CompileError {
	t.Helper()
	var ce *vmerrors.CompileError
	require.True(t, errors.As(err, &ce), "%v", err)
	assert.Equal(t, reason, ce.Reason)
	assert.False(t, vmerrors.IsFatal(err))
	return ce
}

func TestCompileFailures(t *testing.T) {
	sem := interp.Semantics{}
	fma := ir.NewBlock(0x2000, []ir.Op{
		{Code: ir.OpMovI, Dst: 1, Imm: 1},
		{Code: ir.OpFMAdd, Dst: 1, Src1: 2, Src2: 3, Src3: 4},
	}, ir.Terminator{Kind: ir.TermHalt}, 0)
	ctx := context.Background()

	t.Run("unsupported", func(t *testing.T) {
		arena := codecache.NewHeapArena(1 << 20)
		c := jit.New(jit.Config{}, threaded.New(sem, ir.OpFMAdd), arena, nil)
		cb, err := c.Compile(ctx, fma, ir.TierBaseline)
		assert.Nil(t, cb)
		ce := compileErr(t, err, vmerrors.CompileUnsupported)
		assert.Equal(t, uint64(0x2000), ce.Addr)
		assert.ErrorIs(t, err, vmerrors.ErrCUnsupported)
		assert.Zero(t, arena.Used())
		assert.Equal(t, uint64(1), c.Stats().Failures["Unsupported"])
	})

	t.Run("register out of range", func(t *testing.T) {
		bad := ir.NewBlock(0x2000, []ir.Op{{Code: ir.OpAddI, Dst: 40, Src1: 1, Imm: 1}}, ir.Terminator{Kind: ir.TermHalt}, 0)
		c := jit.New(jit.Config{}, threaded.New(sem), codecache.NewHeapArena(1<<20), nil)
		for _, tier := range []ir.Tier{ir.TierBaseline, ir.TierOptimized} {
			cb, err := c.Compile(ctx, bad, tier)
			assert.Nil(t, cb)
			compileErr(t, err, vmerrors.CompileUnsupported)
			assert.Contains(t, err.Error(), "register out of range")
		}
	})

	t.Run("arena exhausted", func(t *testing.T) {
		c := jit.New(jit.Config{}, threaded.New(sem), codecache.NewHeapArena(16), nil)
		_, err := c.Compile(ctx, fma, ir.TierBaseline)
		compileErr(t, err, vmerrors.CompileResourceExhausted)
		assert.ErrorIs(t, err, vmerrors.ErrKBudgetExceeded)
	})

	t.Run("backend panic", func(t *testing.T) {
		c := jit.New(jit.Config{}, panicBackend{}, codecache.NewHeapArena(1<<20), nil)
		cb, err := c.Compile(ctx, fma, ir.TierOptimized)
		assert.Nil(t, cb)
		compileErr(t, err, vmerrors.CompileBackend)
		assert.Contains(t, err.Error(), "lowering exploded")
		stats := c.Stats()
		assert.Equal(t, uint64(1), stats.Failed[ir.TierOptimized])
		assert.Equal(t, uint64(1), stats.Failures["Backend"])
		require.Len(t, c.History(), 1)
		assert.NotEmpty(t, c.History()[0].Err)
	})

	t.Run("canceled", func(t *testing.T) {
		c := jit.New(jit.Config{}, threaded.New(sem), codecache.NewHeapArena(1<<20), nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Compile(cctx, fma, ir.TierBaseline)
		compileErr(t, err, vmerrors.CompileCanceled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("interpreter tier", func(t *testing.T) {
		c := jit.New(jit.Config{}, threaded.New(sem), codecache.NewHeapArena(1<<20), nil)
		_, err := c.Compile(ctx, fma, ir.TierInterpreter)
		compileErr(t, err, vmerrors.CompileUnsupported)
	})
}

func TestCompileRecordsAOTHints(t *testing.T) {
	backing, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	hints := aot.Open(backing, aot.DefaultOptions())
	t.Cleanup(func() { hints.Close() })

	blk := ir.NewBlock(0x3000, []ir.Op{
		{Code: ir.OpAddI, Dst: 1, Src1: 1, Imm: 1},
	}, ir.Terminator{Kind: ir.TermJump, Target: 0x3000}, 0)
	c := jit.New(jit.Config{}, threaded.New(interp.Semantics{}), codecache.NewHeapArena(1<<20), hints)

	_, ok := hints.Load(blk.Hash())
	assert.False(t, ok)

	cb, err := c.Compile(context.Background(), blk, ir.TierBaseline)
	require.NoError(t, err)
	cb.Release()
	e, ok := hints.Load(blk.Hash())
	require.True(t, ok)
	assert.Equal(t, uint32(1), e.CompileCount)
	assert.Equal(t, ir.TierBaseline, e.Tier)
	assert.Equal(t, uint32(cb.CodeSize()), e.SizeHint)

	cb, err = c.Compile(context.Background(), blk, ir.TierOptimized)
	require.NoError(t, err)
	cb.Release()
	e, _ = hints.Load(blk.Hash())
	assert.Equal(t, uint32(2), e.CompileCount)
	assert.Equal(t, ir.TierOptimized, e.Tier)
}

func TestHistoryIsBounded(t *testing.T) {
	c := jit.New(jit.Config{HistorySize: 4}, threaded.New(interp.Semantics{}), codecache.NewHeapArena(1<<20), nil)
	for i := 0; i < 10; i++ {
		blk := ir.NewBlock(ir.GuestAddress(0x1000+i*0x100), []ir.Op{{Code: ir.OpMovI, Dst: 1, Imm: int64(i)}},
			ir.Terminator{Kind: ir.TermHalt}, 0)
		cb, err := c.Compile(context.Background(), blk, ir.TierBaseline)
		require.NoError(t, err)
		cb.Release()
	}
	hist := c.History()
	require.Len(t, hist, 4)
	for i, rec := range hist {
		assert.Equal(t, ir.GuestAddress(0x1000+(6+i)*0x100), rec.Addr)
	}
	stats := c.Stats()
	assert.Equal(t, uint64(10), stats.Compilations)
	assert.Equal(t, uint64(10), stats.Compiled[ir.TierBaseline])
	assert.Equal(t, uint64(10*2*ir.RecordSize), stats.CodeBytes)
}
