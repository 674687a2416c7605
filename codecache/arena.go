package codecache

import (
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/tiervm/vmerrors"
)

// DefaultArenaBudget bounds the bytes of generated code held at once.
const DefaultArenaBudget = 64 * 1024 * 1024

// Region is one allocation of code memory. Its bytes are immutable once
// returned by Alloc.
type Region struct {
	mem  []byte
	size int
	// reserved is what the allocation charged against the budget.
	reserved int64
	mapped   bool
}

func (r *Region) Bytes() []byte { return r.mem[:r.size:r.size] }
func (r *Region) Len() int      { return r.size }

// Arena hands out code memory under a byte budget.
type Arena interface {
	// Alloc copies code into fresh memory. A full budget returns
	// vmerrors.ErrKBudgetExceeded.
	Alloc(code []byte) (*Region, error)
	Free(r *Region)
	Used() int64
	Budget() int64
}

type budget struct {
	limit int64
	used  atomic.Int64
}

func (b *budget) reserve(n int64) error {
	for {
		cur := b.used.Load()
		if cur+n > b.limit {
			return fmt.Errorf("%w: need %d bytes, %d of %d in use", vmerrors.ErrKBudgetExceeded, n, cur, b.limit)
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

func (b *budget) release(n int64) { b.used.Add(-n) }

// HeapArena keeps code in ordinary Go memory. It is used for portable
// backends whose output is never jumped to, and on platforms without mmap.
type HeapArena struct {
	budget
}

func NewHeapArena(limit int64) *HeapArena {
	if limit <= 0 {
		limit = DefaultArenaBudget
	}
	return &HeapArena{budget{limit: limit}}
}

func (a *HeapArena) Alloc(code []byte) (*Region, error) {
	n := int64(len(code))
	if err := a.reserve(n); err != nil {
		return nil, err
	}
	mem := make([]byte, len(code))
	copy(mem, code)
	return &Region{mem: mem, size: len(code), reserved: n}, nil
}

func (a *HeapArena) Free(r *Region) {
	if r == nil || r.mem == nil {
		return
	}
	a.release(r.reserved)
	r.mem = nil
}

func (a *HeapArena) Used() int64   { return a.used.Load() }
func (a *HeapArena) Budget() int64 { return a.limit }
