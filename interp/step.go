package interp

import (
	"errors"

	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// Semantics holds the guest-visible choices that both the interpreter and
// compiled code must agree on.
type Semantics struct {
	// DivZeroTraps raises a trap on integer division by zero instead of
	// producing the sentinel result.
	DivZeroTraps bool
}

func trap(kind vmerrors.TrapKind, addr uint64, cause error) *vmerrors.Trap {
	return &vmerrors.Trap{Kind: kind, OpIndex: -1, Addr: addr, Cause: cause}
}

func memTrap(addr uint64, err error) *vmerrors.Trap {
	var f *vmerrors.Fault
	if errors.As(err, &f) {
		return trap(vmerrors.TrapMemoryFault, f.Addr, err)
	}
	return trap(vmerrors.TrapMemoryFault, addr, err)
}

func validSize(size uint8) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

// Load performs a sized guest load with optional sign extension.
func Load(mem ir.Memory, addr uint64, size uint8, signed bool) (uint64, *vmerrors.Trap) {
	v, err := mem.Load(addr, int(size))
	if err != nil {
		return 0, memTrap(addr, err)
	}
	if signed {
		return SignExtend(v, int(size)), nil
	}
	return Truncate(v, int(size)), nil
}

// Store performs a sized guest store.
func Store(mem ir.Memory, addr uint64, size uint8, v uint64) *vmerrors.Trap {
	if err := mem.Store(addr, int(size), Truncate(v, int(size))); err != nil {
		return memTrap(addr, err)
	}
	return nil
}

func checkAtomic(addr uint64, size uint8) *vmerrors.Trap {
	if size != 4 && size != 8 {
		return trap(vmerrors.TrapUnimplemented, 0, nil)
	}
	if addr%uint64(size) != 0 {
		return trap(vmerrors.TrapMisaligned, addr, nil)
	}
	return nil
}

// AtomicRMW applies aop at addr and returns the sign-extended old value.
func AtomicRMW(mem ir.Memory, aop ir.AtomicOp, addr uint64, size uint8, operand uint64) (uint64, *vmerrors.Trap) {
	if t := checkAtomic(addr, size); t != nil {
		return 0, t
	}
	for {
		old, err := mem.Load(addr, int(size))
		if err != nil {
			return 0, memTrap(addr, err)
		}
		nv, ok := AtomicValue(aop, int(size), old, operand)
		if !ok {
			return 0, trap(vmerrors.TrapUnimplemented, 0, nil)
		}
		prev, err := mem.CompareAndSwap(addr, int(size), old, nv)
		if err != nil {
			return 0, memTrap(addr, err)
		}
		if prev == old {
			return SignExtend(old, int(size)), nil
		}
	}
}

// AtomicCAS swaps in newVal when memory equals expected and returns the
// sign-extended observed value.
func AtomicCAS(mem ir.Memory, addr uint64, size uint8, expected, newVal uint64) (uint64, *vmerrors.Trap) {
	if t := checkAtomic(addr, size); t != nil {
		return 0, t
	}
	prev, err := mem.CompareAndSwap(addr, int(size), Truncate(expected, int(size)), Truncate(newVal, int(size)))
	if err != nil {
		return 0, memTrap(addr, err)
	}
	return SignExtend(prev, int(size)), nil
}

// LoadReserved loads and sets the vCPU's reservation.
func LoadReserved(st *ir.GuestState, mem ir.Memory, addr uint64, size uint8) (uint64, *vmerrors.Trap) {
	if t := checkAtomic(addr, size); t != nil {
		return 0, t
	}
	v, err := mem.Load(addr, int(size))
	if err != nil {
		return 0, memTrap(addr, err)
	}
	st.Resv = ir.Reservation{Valid: true, Addr: addr, Size: size, Value: v}
	return SignExtend(v, int(size)), nil
}

// StoreConditional stores v if the reservation still holds and memory still
// has the reserved value. It returns 0 on success and 1 on failure, and
// always clears the reservation.
func StoreConditional(st *ir.GuestState, mem ir.Memory, addr uint64, size uint8, v uint64) (uint64, *vmerrors.Trap) {
	if t := checkAtomic(addr, size); t != nil {
		return 0, t
	}
	r := st.Resv
	if !r.Valid || r.Addr != addr || r.Size != size {
		st.Resv = ir.Reservation{}
		return 1, nil
	}
	prev, err := mem.CompareAndSwap(addr, int(size), r.Value, Truncate(v, int(size)))
	if err != nil {
		return 0, memTrap(addr, err)
	}
	st.Resv = ir.Reservation{}
	return b2u(prev != r.Value), nil
}

// Step applies one op to st. On error st is unchanged. The returned trap has
// PC and OpIndex unset; the caller knows where it is.
func (s Semantics) Step(op *ir.Op, st *ir.GuestState, mem ir.Memory) *vmerrors.Trap {
	x := &st.X
	switch op.Code {
	case ir.OpNop:
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpMulHU, ir.OpAnd, ir.OpOr, ir.OpXor,
		ir.OpShl, ir.OpShrL, ir.OpShrA, ir.OpSltU, ir.OpSltS:
		x[op.Dst], _ = IntBinary(op.Code, x[op.Src1], x[op.Src2])
	case ir.OpDivU, ir.OpDivS, ir.OpRemU, ir.OpRemS:
		v, trapped := Divide(op.Code, x[op.Src1], x[op.Src2], s.DivZeroTraps)
		if trapped {
			return trap(vmerrors.TrapDivideByZero, 0, nil)
		}
		x[op.Dst] = v
	case ir.OpMov:
		x[op.Dst] = x[op.Src1]
	case ir.OpMovI:
		x[op.Dst] = uint64(op.Imm)
	case ir.OpAddI, ir.OpMulI, ir.OpAndI, ir.OpOrI, ir.OpXorI, ir.OpShlI, ir.OpShrLI,
		ir.OpShrAI, ir.OpSltUI, ir.OpSltSI:
		x[op.Dst], _ = IntBinary(RegForm(op.Code), x[op.Src1], uint64(op.Imm))

	case ir.OpLoad:
		if !validSize(op.Size) {
			return trap(vmerrors.TrapUnimplemented, 0, nil)
		}
		v, t := Load(mem, x[op.Src1]+uint64(op.Imm), op.Size, op.Signed)
		if t != nil {
			return t
		}
		x[op.Dst] = v
	case ir.OpStore:
		if !validSize(op.Size) {
			return trap(vmerrors.TrapUnimplemented, 0, nil)
		}
		if t := Store(mem, x[op.Src1]+uint64(op.Imm), op.Size, x[op.Src2]); t != nil {
			return t
		}

	case ir.OpVAdd, ir.OpVSub, ir.OpVMul:
		v, ok := VectorBinary(op.Code, op.Size, st.V[op.Src1], st.V[op.Src2])
		if !ok {
			return trap(vmerrors.TrapUnimplemented, 0, nil)
		}
		st.V[op.Dst] = v

	case ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv, ir.OpFMin, ir.OpFMax:
		st.F[op.Dst], _ = FloatBinary(op.Code, op.Prec, st.F[op.Src1], st.F[op.Src2])
	case ir.OpFMAdd:
		st.F[op.Dst] = FMAdd(op.Prec, st.F[op.Src1], st.F[op.Src2], st.F[op.Src3])
	case ir.OpFEq, ir.OpFLt, ir.OpFLe:
		x[op.Dst], _ = FloatCompare(op.Code, op.Prec, st.F[op.Src1], st.F[op.Src2])
	case ir.OpFCvtToInt:
		x[op.Dst] = FloatToInt(op.Prec, st.F[op.Src1])
	case ir.OpFCvtFromInt:
		st.F[op.Dst] = IntToFloat(op.Prec, x[op.Src1])
	case ir.OpFCvtPrec:
		st.F[op.Dst] = ConvertPrecision(op.Prec, st.F[op.Src1])
	case ir.OpFMvToInt:
		x[op.Dst] = st.F[op.Src1]
	case ir.OpFMvFromInt:
		st.F[op.Dst] = x[op.Src1]

	case ir.OpAtomicRMW:
		v, t := AtomicRMW(mem, op.AOp, x[op.Src1], op.Size, x[op.Src2])
		if t != nil {
			return t
		}
		x[op.Dst] = v
	case ir.OpAtomicCAS:
		v, t := AtomicCAS(mem, x[op.Src1], op.Size, x[op.Src2], x[op.Src3])
		if t != nil {
			return t
		}
		x[op.Dst] = v
	case ir.OpLoadReserved:
		v, t := LoadReserved(st, mem, x[op.Src1], op.Size)
		if t != nil {
			return t
		}
		x[op.Dst] = v
	case ir.OpStoreCond:
		v, t := StoreConditional(st, mem, x[op.Src1], op.Size, x[op.Src2])
		if t != nil {
			return t
		}
		x[op.Dst] = v

	default:
		return trap(vmerrors.TrapUnimplemented, 0, nil)
	}
	return nil
}

// Next evaluates a terminator, applying the link register write of a call.
func Next(t *ir.Terminator, st *ir.GuestState) ir.Outcome {
	switch t.Kind {
	case ir.TermJump:
		return ir.Outcome{Next: t.Target}
	case ir.TermBranch:
		if t.Cond.Eval(st.X[t.Src1], st.X[t.Src2]) {
			return ir.Outcome{Next: t.Target}
		}
		return ir.Outcome{Next: t.Fallthrough}
	case ir.TermReturn:
		return ir.Outcome{Next: ir.GuestAddress(st.X[t.Reg])}
	case ir.TermCall:
		st.X[t.Reg] = uint64(t.Fallthrough)
		return ir.Outcome{Next: t.Target}
	}
	return ir.Outcome{Next: t.Fallthrough, Halted: true}
}
