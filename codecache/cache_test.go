package codecache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashFor(addr ir.GuestAddress, tier ir.Tier) ir.Hash {
	var h ir.Hash
	h[0] = byte(addr)
	h[1] = byte(addr >> 8)
	h[2] = byte(tier)
	return h
}

func mkBlock(t testing.TB, arena Arena, addr ir.GuestAddress, tier ir.Tier, size int) *CompiledBlock {
	t.Helper()
	code := make([]byte, size)
	for i := range code {
		code[i] = byte(i)
	}
	region, err := arena.Alloc(code)
	require.NoError(t, err)
	entry := func(st *ir.GuestState, mem ir.Memory) (ir.Outcome, error) {
		st.X[1]++
		return ir.Outcome{Next: addr + 16}, nil
	}
	info := BlockInfo{Addr: addr, Tier: tier, IRHash: hashFor(addr, tier), GuestSize: 32, Backend: "test", Arch: "test"}
	return NewCompiledBlock(info, arena, region, entry, time.Now())
}

func TestInsertThenGet(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	c := New(DefaultConfig())

	_, ok := c.Get(0x100)
	assert.False(t, ok)

	b := mkBlock(t, arena, 0x100, ir.TierBaseline, 64)
	c.Insert(b)
	got, ok := c.Get(0x100)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, int64(2), b.Refs())

	var st ir.GuestState
	out, err := got.Execute(&st, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.GuestAddress(0x110), out.Next)
	assert.Equal(t, uint64(1), st.X[1])
	got.Release()

	st2 := c.Stats()
	assert.Equal(t, uint64(1), st2.Hits)
	assert.Equal(t, uint64(1), st2.Misses)
	assert.Equal(t, int64(1), st2.Blocks)
	assert.Equal(t, int64(64), st2.Bytes)
}

func TestGetPrefersHighestTier(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	c := New(DefaultConfig())
	base := mkBlock(t, arena, 0x200, ir.TierBaseline, 8)
	opt := mkBlock(t, arena, 0x200, ir.TierOptimized, 8)
	c.Insert(base)
	c.Insert(opt)

	got, ok := c.Get(0x200)
	require.True(t, ok)
	assert.Same(t, opt, got)
	got.Release()

	got, ok = c.Lookup(0x200, ir.TierBaseline)
	require.True(t, ok)
	assert.Same(t, base, got)
	got.Release()
}

func TestInsertReplacesSameTier(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	c := New(DefaultConfig())
	old := mkBlock(t, arena, 0x300, ir.TierBaseline, 100)
	c.Insert(old)
	held, _ := c.Get(0x300)

	fresh := mkBlock(t, arena, 0x300, ir.TierBaseline, 100)
	c.Insert(fresh)
	got, _ := c.Get(0x300)
	assert.Same(t, fresh, got)
	got.Release()

	assert.False(t, old.Freed(), "still referenced by a reader")
	assert.Equal(t, int64(200), arena.Used())
	held.Release()
	assert.True(t, old.Freed())
	assert.Equal(t, int64(100), arena.Used())
	assert.Equal(t, int64(1), c.Stats().Blocks)
}

func TestPublishChecksEpochAndHash(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	c := New(DefaultConfig())

	epoch := c.Epoch(0x400)
	c.Invalidate(0x400)
	b := mkBlock(t, arena, 0x400, ir.TierBaseline, 16)
	err := c.Publish(b, b.IRHash, epoch)
	assert.ErrorIs(t, err, vmerrors.ErrKStale)
	assert.True(t, b.Freed())
	_, ok := c.Get(0x400)
	assert.False(t, ok)

	epoch = c.Epoch(0x400)
	b = mkBlock(t, arena, 0x400, ir.TierBaseline, 16)
	require.NoError(t, c.Publish(b, b.IRHash, epoch))

	bad := mkBlock(t, arena, 0x400, ir.TierOptimized, 16)
	err = c.Publish(bad, hashFor(0x999, ir.TierOptimized), c.Epoch(0x400))
	require.Error(t, err)
	assert.True(t, vmerrors.IsFatal(err))
	assert.ErrorIs(t, err, vmerrors.ErrKHashMismatch)
	got, _ := c.Get(0x400)
	assert.Same(t, b, got)
	got.Release()
}

func TestRangeInvalidationStalesInFlightCompiles(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	c := New(DefaultConfig())
	c.Insert(mkBlock(t, arena, 0x1000, ir.TierBaseline, 8)) // [0x1000, 0x1020)
	c.Insert(mkBlock(t, arena, 0x1020, ir.TierBaseline, 8))
	c.Insert(mkBlock(t, arena, 0x2000, ir.TierBaseline, 8))

	epoch := c.Epoch(0x5000)
	addrs := c.InvalidateRange(0x1010, 0x1030)
	assert.Equal(t, []ir.GuestAddress{0x1000, 0x1020}, addrs)
	_, ok := c.Get(0x1000)
	assert.False(t, ok)
	b, ok := c.Get(0x2000)
	require.True(t, ok)
	b.Release()

	late := mkBlock(t, arena, 0x5000, ir.TierBaseline, 8)
	assert.ErrorIs(t, c.Publish(late, late.IRHash, epoch), vmerrors.ErrKStale)
	assert.Equal(t, uint64(2), c.Stats().Invalidations)
}

func TestEvictionSkipsReferencedBlocks(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	cfg := DefaultConfig()
	cfg.MaxBlocks = 2
	cfg.Shards = 4
	c := New(cfg)

	c.Insert(mkBlock(t, arena, 0x10, ir.TierBaseline, 8))
	pinned, _ := c.Get(0x10)
	c.Insert(mkBlock(t, arena, 0x20, ir.TierBaseline, 8))
	pinned2, _ := c.Get(0x20)

	c.Insert(mkBlock(t, arena, 0x30, ir.TierBaseline, 8))
	assert.Equal(t, int64(2), c.Stats().Blocks, "0x30 itself is the only unreferenced victim")
	assert.False(t, pinned.Freed())
	assert.False(t, pinned2.Freed())

	pinned.Release()
	pinned2.Release()
	c.Insert(mkBlock(t, arena, 0x40, ir.TierBaseline, 8))
	assert.Equal(t, int64(2), c.Stats().Blocks)
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestEvictionHonoursByteBudget(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	cfg := DefaultConfig()
	cfg.MaxBytes = 250
	c := New(cfg)
	for a := ir.GuestAddress(1); a <= 5; a++ {
		c.Insert(mkBlock(t, arena, a*0x100, ir.TierBaseline, 100))
	}
	st := c.Stats()
	assert.LessOrEqual(t, st.Bytes, int64(250))
	assert.Equal(t, st.Bytes, arena.Used())
}

func TestArenaBudget(t *testing.T) {
	arena := NewHeapArena(100)
	r, err := arena.Alloc(make([]byte, 60))
	require.NoError(t, err)
	_, err = arena.Alloc(make([]byte, 60))
	assert.ErrorIs(t, err, vmerrors.ErrKBudgetExceeded)
	arena.Free(r)
	arena.Free(r)
	assert.Equal(t, int64(0), arena.Used())
}

func TestMmapArena(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "js" || runtime.GOOS == "wasip1" {
		t.Skip("no mmap")
	}
	arena := NewArena(1<<20, false)
	code := []byte{0x90, 0x90, 0xc3}
	r, err := arena.Alloc(code)
	require.NoError(t, err)
	assert.Equal(t, code, r.Bytes())
	assert.GreaterOrEqual(t, arena.Used(), int64(len(code)))
	arena.Free(r)
	assert.Equal(t, int64(0), arena.Used())
}

func TestDisassemble(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	region, err := arena.Alloc([]byte{0x48, 0x01, 0xd8, 0xc3}) // add rax, rbx; ret
	require.NoError(t, err)
	b := NewCompiledBlock(BlockInfo{Addr: 1, Arch: "amd64"}, arena, region, nil, time.Now())
	text, err := b.Disassemble()
	require.NoError(t, err)
	assert.Contains(t, text, "add rax, rbx")
	assert.Contains(t, text, "ret")

	other := NewCompiledBlock(BlockInfo{Addr: 2, Arch: "threaded"}, arena, nil, nil, time.Now())
	_, err = other.Disassemble()
	assert.ErrorIs(t, err, vmerrors.ErrKNoDisassembler)
}

func TestExecuteAfterFreeIsFatal(t *testing.T) {
	arena := NewHeapArena(1 << 20)
	b := mkBlock(t, arena, 0x50, ir.TierBaseline, 8)
	b.Release()
	_, err := b.Execute(&ir.GuestState{}, nil)
	assert.True(t, vmerrors.IsFatal(err))
}

// Readers executing blocks while writers replace, invalidate and evict them
// must never observe freed code.
func TestNoUseAfterEvictUnderStress(t *testing.T) {
	arena := NewHeapArena(1 << 30)
	cfg := DefaultConfig()
	cfg.MaxBlocks = 8
	cfg.Shards = 4
	c := New(cfg)

	const addrs = 16
	stop := make(chan struct{})
	var violations atomic.Int64
	var executed atomic.Int64
	var wg sync.WaitGroup

	// require must not be called from writer goroutines
	build := func(addr ir.GuestAddress, tier ir.Tier) *CompiledBlock {
		region, err := arena.Alloc(make([]byte, 32))
		if err != nil {
			panic(err)
		}
		entry := func(st *ir.GuestState, mem ir.Memory) (ir.Outcome, error) { return ir.Outcome{Next: addr}, nil }
		return NewCompiledBlock(BlockInfo{Addr: addr, Tier: tier, GuestSize: 16}, arena, region, entry, time.Now())
	}

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			var st ir.GuestState
			for i := seed; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				b, ok := c.Get(ir.GuestAddress(i%addrs) * 0x40)
				if !ok {
					continue
				}
				if b.Freed() {
					violations.Add(1)
				}
				if _, err := b.Execute(&st, nil); err != nil {
					violations.Add(1)
				}
				executed.Add(1)
				runtime.Gosched()
				if b.Freed() {
					violations.Add(1)
				}
				b.Release()
			}
		}(r)
	}
	var writers sync.WaitGroup
	for w := 0; w < 2; w++ {
		writers.Add(1)
		go func(seed int) {
			defer writers.Done()
			for i := 0; i < 2000; i++ {
				addr := ir.GuestAddress((i*7+seed)%addrs) * 0x40
				if i%5 == 4 {
					c.Invalidate(addr)
					continue
				}
				c.Insert(build(addr, ir.Tier(1+i%2)))
			}
		}(w)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.Positive(t, executed.Load())
	for _, info := range c.Blocks() {
		b, ok := c.Lookup(info.Addr, info.Tier)
		require.True(t, ok)
		assert.Equal(t, int64(2), b.Refs(), "only the cache and this lookup hold %s", b)
		b.Release()
	}
	assert.Equal(t, c.Stats().Bytes, arena.Used())
}
