package jit

import (
	"github.com/colorfulnotion/tiervm/codecache"
	"github.com/colorfulnotion/tiervm/ir"
)

// Request is what a backend is asked to lower: the block as the optimizer
// left it, for one tier.
type Request struct {
	Block *ir.Block
	Tier  ir.Tier
	Ops   []ir.Op
	// Origin maps each op to its index in Block.Ops.
	Origin []int
	// Plan is nil below the optimized tier.
	Plan *RegPlan
	// SizeHint is the code size of the previous compile of this IR, from
	// the AOT store, or zero.
	SizeHint int
}

// NativeCode is a backend's output. Bytes is copied into cache-owned code
// memory; Entry runs it.
type NativeCode struct {
	Bytes []byte
	Entry codecache.Entry
}

// Backend turns IR into executable code. Errors wrapping
// vmerrors.ErrCUnsupported mark constructs the backend cannot lower; any
// other error is a backend failure.
type Backend interface {
	Name() string
	// Arch is the host architecture of the produced bytes, or a portable
	// name for backends that never emit machine code.
	Arch() string
	Generate(req *Request) (*NativeCode, error)
}
