package codecache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"golang.org/x/arch/x86/x86asm"
)

// Entry runs the compiled code of one block against guest state.
type Entry func(st *ir.GuestState, mem ir.Memory) (ir.Outcome, error)

// CompiledBlock is the cache's unit of compiled code. It is reference
// counted: the creator holds the first reference, which Insert hands to the
// cache. Code memory is returned to the arena only when the last reference
// is released.
type CompiledBlock struct {
	Addr       ir.GuestAddress
	Tier       ir.Tier
	IRHash     ir.Hash
	GuestSize  uint32
	CompiledAt time.Time
	Backend    string
	Arch       string

	entry  Entry
	region *Region
	arena  Arena

	refs     atomic.Int64
	hits     atomic.Uint64
	lastUsed atomic.Int64
	freed    atomic.Bool
}

type BlockInfo struct {
	Addr      ir.GuestAddress
	Tier      ir.Tier
	IRHash    ir.Hash
	GuestSize uint32
	Backend   string
	Arch      string
}

// NewCompiledBlock wraps code already copied into arena memory. The returned
// block carries one reference owned by the caller.
func NewCompiledBlock(info BlockInfo, arena Arena, region *Region, entry Entry, now time.Time) *CompiledBlock {
	b := &CompiledBlock{
		Addr:       info.Addr,
		Tier:       info.Tier,
		IRHash:     info.IRHash,
		GuestSize:  info.GuestSize,
		Backend:    info.Backend,
		Arch:       info.Arch,
		CompiledAt: now,
		entry:      entry,
		region:     region,
		arena:      arena,
	}
	b.refs.Store(1)
	b.lastUsed.Store(now.UnixNano())
	return b
}

func (b *CompiledBlock) CodeSize() int {
	if b.region == nil {
		return 0
	}
	return b.region.Len()
}

// Code returns the generated bytes. Valid while a reference is held.
func (b *CompiledBlock) Code() []byte {
	if b.region == nil {
		return nil
	}
	return b.region.Bytes()
}

func (b *CompiledBlock) End() ir.GuestAddress { return b.Addr + ir.GuestAddress(b.GuestSize) }

// Execute runs the block. The caller must hold a reference.
func (b *CompiledBlock) Execute(st *ir.GuestState, mem ir.Memory) (ir.Outcome, error) {
	if b.freed.Load() {
		return ir.Outcome{}, &vmerrors.InvariantError{
			What: "execute of freed compiled block",
			Addr: uint64(b.Addr),
			Err:  fmt.Errorf("%s refs=%d", b.Tier, b.refs.Load()),
		}
	}
	return b.entry(st, mem)
}

func (b *CompiledBlock) Retain() { b.refs.Add(1) }

// Release drops one reference and frees the code memory on the last one.
func (b *CompiledBlock) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		if b.freed.CompareAndSwap(false, true) && b.arena != nil {
			b.arena.Free(b.region)
		}
	case n < 0:
		panic(fmt.Sprintf("codecache: release of block %s/%s below zero", b.Addr, b.Tier))
	}
}

func (b *CompiledBlock) Refs() int64  { return b.refs.Load() }
func (b *CompiledBlock) Freed() bool  { return b.freed.Load() }
func (b *CompiledBlock) Hits() uint64 { return b.hits.Load() }

func (b *CompiledBlock) touch(now int64) {
	b.hits.Add(1)
	b.lastUsed.Store(now)
}

func (b *CompiledBlock) String() string {
	return fmt.Sprintf("%s@%s[%s %dB %s]", b.Tier, b.Addr, b.Backend, b.CodeSize(), b.IRHash)
}

// Disassemble renders the code as x86-64 instructions, one per line.
func (b *CompiledBlock) Disassemble() (string, error) {
	if b.Arch != "amd64" {
		return "", fmt.Errorf("%w: arch %q", vmerrors.ErrKNoDisassembler, b.Arch)
	}
	code := b.Code()
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", offset, code[offset]))
			offset++
			continue
		}
		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf("0x%04x: %-24s %s\n", offset, strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, uint64(offset), nil)))
		offset += inst.Len
	}
	return sb.String(), nil
}
