// Package threaded is a portable backend that lowers IR to a slice of
// pre-decoded Go closures, one per op, with operands and immediates bound at
// compile time. Its code bytes are the IR record listing of what it lowered.
package threaded

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/tiervm/codecache"
	"github.com/colorfulnotion/tiervm/interp"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

const Name = "threaded"

type step func(st *ir.GuestState, mem ir.Memory) *vmerrors.Trap

type Backend struct {
	sem         interp.Semantics
	unsupported map[ir.Opcode]bool
}

// New returns a backend. Opcodes listed in unsupported are rejected at
// compile time, which models a producer without lowering for them.
func New(sem interp.Semantics, unsupported ...ir.Opcode) *Backend {
	b := &Backend{sem: sem, unsupported: make(map[ir.Opcode]bool)}
	for _, c := range unsupported {
		b.unsupported[c] = true
	}
	return b
}

func (b *Backend) Name() string { return Name }
func (b *Backend) Arch() string { return Name }

// Unsupported lists the rejected opcodes in numeric order.
func (b *Backend) Unsupported() []ir.Opcode {
	out := make([]ir.Opcode, 0, len(b.unsupported))
	for c := range b.unsupported {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Generate lowers req. Threaded code keeps every guest register in the
// GuestState; a register plan is only checked to cover the lowered ops.
func (b *Backend) Generate(req *jit.Request) (*jit.NativeCode, error) {
	ops := req.Ops
	if ops == nil {
		ops = req.Block.Ops
	}
	if req.Plan != nil {
		if err := req.Plan.Check(ops, &req.Block.Term); err != nil {
			return nil, fmt.Errorf("%s: %w", Name, err)
		}
	}
	steps := make([]step, 0, len(ops))
	origin := make([]int, 0, len(ops))
	buf := make([]byte, 0, max(req.SizeHint, (len(ops)+1)*ir.RecordSize))
	for i := range ops {
		op := ops[i]
		if b.unsupported[op.Code] {
			return nil, fmt.Errorf("%w: %s at op %d", vmerrors.ErrCUnsupported, op.Code, i)
		}
		if !op.RegsInRange() {
			return nil, fmt.Errorf("%w: register out of range at op %d", vmerrors.ErrCUnsupported, i)
		}
		buf = ir.AppendOp(buf, &op)
		if op.Code == ir.OpNop {
			continue
		}
		steps = append(steps, b.lower(op))
		if req.Origin != nil {
			origin = append(origin, req.Origin[i])
		} else {
			origin = append(origin, i)
		}
	}
	term := req.Block.Term
	if !term.RegsInRange() {
		return nil, fmt.Errorf("%w: terminator register out of range", vmerrors.ErrCUnsupported)
	}
	buf = ir.AppendTerm(buf, &term)

	pc := uint64(req.Block.Start)
	entry := func(st *ir.GuestState, mem ir.Memory) (ir.Outcome, error) {
		for i, s := range steps {
			if t := s(st, mem); t != nil {
				t.PC = pc
				t.OpIndex = origin[i]
				return ir.Outcome{}, t
			}
		}
		return interp.Next(&term, st), nil
	}
	return &jit.NativeCode{Bytes: buf, Entry: codecache.Entry(entry)}, nil
}

// lower binds one op. Common integer forms get dedicated closures; the rest
// go through the shared per-op semantics so both executors agree.
func (b *Backend) lower(op ir.Op) step {
	d, s1, s2 := op.Dst, op.Src1, op.Src2
	imm := uint64(op.Imm)
	switch op.Code {
	case ir.OpAdd:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] + st.X[s2]; return nil }
	case ir.OpSub:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] - st.X[s2]; return nil }
	case ir.OpMul:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] * st.X[s2]; return nil }
	case ir.OpAnd:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] & st.X[s2]; return nil }
	case ir.OpOr:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] | st.X[s2]; return nil }
	case ir.OpXor:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] ^ st.X[s2]; return nil }
	case ir.OpMov:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1]; return nil }
	case ir.OpMovI:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = imm; return nil }
	case ir.OpAddI:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] + imm; return nil }
	case ir.OpMulI:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] * imm; return nil }
	case ir.OpAndI:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] & imm; return nil }
	case ir.OpOrI:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] | imm; return nil }
	case ir.OpXorI:
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] ^ imm; return nil }
	case ir.OpShlI:
		sh := imm & 63
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] << sh; return nil }
	case ir.OpShrLI:
		sh := imm & 63
		return func(st *ir.GuestState, _ ir.Memory) *vmerrors.Trap { st.X[d] = st.X[s1] >> sh; return nil }
	case ir.OpLoad:
		if op.Size == 8 {
			return func(st *ir.GuestState, mem ir.Memory) *vmerrors.Trap {
				v, t := interp.Load(mem, st.X[s1]+imm, 8, false)
				if t != nil {
					return t
				}
				st.X[d] = v
				return nil
			}
		}
	case ir.OpStore:
		if op.Size == 8 {
			return func(st *ir.GuestState, mem ir.Memory) *vmerrors.Trap {
				return interp.Store(mem, st.X[s1]+imm, 8, st.X[s2])
			}
		}
	}
	sem := b.sem
	return func(st *ir.GuestState, mem ir.Memory) *vmerrors.Trap { return sem.Step(&op, st, mem) }
}
