package engine

import (
	"sync"

	"github.com/colorfulnotion/tiervm/ir"
)

// blockTable caches decoded IR blocks so hot interpreted code is not
// re-decoded on every visit. Code writes drop overlapping blocks; gen lets
// a decode that raced with such a write notice and not install its result.
type blockTable struct {
	mu     sync.RWMutex
	blocks map[ir.GuestAddress]*ir.Block
	gen    uint64
}

func newBlockTable() *blockTable {
	return &blockTable{blocks: make(map[ir.GuestAddress]*ir.Block)}
}

func (t *blockTable) get(addr ir.GuestAddress) (*ir.Block, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.blocks[addr]
	return b, t.gen, ok
}

// put installs b unless a code write happened since gen was read.
func (t *blockTable) put(b *ir.Block, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return false
	}
	t.blocks[b.Start] = b
	return true
}

// dropRange forgets every block overlapping [lo, hi) and returns their
// start addresses.
func (t *blockTable) dropRange(lo, hi ir.GuestAddress) []ir.GuestAddress {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	var out []ir.GuestAddress
	for addr, b := range t.blocks {
		if b.Overlaps(lo, hi) {
			delete(t.blocks, addr)
			out = append(out, addr)
		}
	}
	return out
}

// drop forgets the block starting at addr.
func (t *blockTable) drop(addr ir.GuestAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	delete(t.blocks, addr)
}

func (t *blockTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}
