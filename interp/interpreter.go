// Package interp executes IR blocks directly against guest state. It is the
// cold-path executor and the reference every compiled tier must agree with.
package interp

import (
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// Recorder receives execution counts. The hotspot detector implements it.
type Recorder interface {
	Record(addr ir.GuestAddress, weight uint32)
}

type Config struct {
	Semantics
	// SampleEvery records one in N executions of each block with weight N.
	// Zero or one records every execution.
	SampleEvery uint32
}

type Interpreter struct {
	sem         Semantics
	rec         Recorder
	sampleEvery uint32

	ticks   sync.Map // ir.GuestAddress -> *atomic.Uint32
	blocks  atomic.Uint64
	ops     atomic.Uint64
	trapped atomic.Uint64
}

// New returns an interpreter. rec may be nil.
func New(cfg Config, rec Recorder) *Interpreter {
	every := cfg.SampleEvery
	if every == 0 {
		every = 1
	}
	return &Interpreter{sem: cfg.Semantics, rec: rec, sampleEvery: every}
}

func (in *Interpreter) Semantics() Semantics { return in.sem }

func (in *Interpreter) record(addr ir.GuestAddress) {
	if in.rec == nil {
		return
	}
	if in.sampleEvery == 1 {
		in.rec.Record(addr, 1)
		return
	}
	// sampling phase is per address
	c, ok := in.ticks.Load(addr)
	if !ok {
		c, _ = in.ticks.LoadOrStore(addr, new(atomic.Uint32))
	}
	if c.(*atomic.Uint32).Add(1)%in.sampleEvery == 0 {
		in.rec.Record(addr, in.sampleEvery)
	}
}

// Execute runs block against st. On a trap, st holds the effects of every op
// before the trapping one and the error is a *vmerrors.Trap.
func (in *Interpreter) Execute(block *ir.Block, st *ir.GuestState, mem ir.Memory) (ir.Outcome, error) {
	in.record(block.Start)
	in.blocks.Add(1)
	bad := block.BadRegister()
	for i := range block.Ops {
		var t *vmerrors.Trap
		if i == bad {
			t = trap(vmerrors.TrapUnimplemented, 0, block.CheckRegisters())
		} else {
			t = in.sem.Step(&block.Ops[i], st, mem)
		}
		if t != nil {
			return ir.Outcome{}, in.trap(block, i, t)
		}
	}
	in.ops.Add(uint64(len(block.Ops)))
	if bad == len(block.Ops) {
		return ir.Outcome{}, in.trap(block, -1, trap(vmerrors.TrapUnimplemented, 0, block.CheckRegisters()))
	}
	return Next(&block.Term, st), nil
}

func (in *Interpreter) trap(block *ir.Block, i int, t *vmerrors.Trap) *vmerrors.Trap {
	t.PC = uint64(block.Start)
	t.OpIndex = i
	if i > 0 {
		in.ops.Add(uint64(i))
	}
	in.trapped.Add(1)
	log.Trace(log.InterpMonitoring, "interp: trap", "pc", block.Start, "op", i, "err", t)
	return t
}

type Stats struct {
	Blocks uint64
	Ops    uint64
	Traps  uint64
}

func (in *Interpreter) Stats() Stats {
	return Stats{Blocks: in.blocks.Load(), Ops: in.ops.Load(), Traps: in.trapped.Load()}
}
