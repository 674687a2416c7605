package interp

import (
	"math"
	"math/bits"

	"github.com/colorfulnotion/tiervm/ir"
)

// RegForm maps an immediate opcode to its register form; other opcodes are
// returned unchanged.
func RegForm(c ir.Opcode) ir.Opcode {
	switch c {
	case ir.OpAddI:
		return ir.OpAdd
	case ir.OpMulI:
		return ir.OpMul
	case ir.OpAndI:
		return ir.OpAnd
	case ir.OpOrI:
		return ir.OpOr
	case ir.OpXorI:
		return ir.OpXor
	case ir.OpShlI:
		return ir.OpShl
	case ir.OpShrLI:
		return ir.OpShrL
	case ir.OpShrAI:
		return ir.OpShrA
	case ir.OpSltUI:
		return ir.OpSltU
	case ir.OpSltSI:
		return ir.OpSltS
	}
	return c
}

// ImmForm is the inverse of RegForm; ok is false when no immediate form exists.
func ImmForm(c ir.Opcode) (ir.Opcode, bool) {
	switch c {
	case ir.OpAdd:
		return ir.OpAddI, true
	case ir.OpMul:
		return ir.OpMulI, true
	case ir.OpAnd:
		return ir.OpAndI, true
	case ir.OpOr:
		return ir.OpOrI, true
	case ir.OpXor:
		return ir.OpXorI, true
	case ir.OpShl:
		return ir.OpShlI, true
	case ir.OpShrL:
		return ir.OpShrLI, true
	case ir.OpShrA:
		return ir.OpShrAI, true
	case ir.OpSltU:
		return ir.OpSltUI, true
	case ir.OpSltS:
		return ir.OpSltSI, true
	}
	return ir.OpInvalid, false
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// IntBinary evaluates a non-dividing integer op in register form. ok is false
// for opcodes outside that group.
func IntBinary(c ir.Opcode, a, b uint64) (v uint64, ok bool) {
	switch c {
	case ir.OpAdd:
		return a + b, true
	case ir.OpSub:
		return a - b, true
	case ir.OpMul:
		return a * b, true
	case ir.OpMulHU:
		hi, _ := bits.Mul64(a, b)
		return hi, true
	case ir.OpAnd:
		return a & b, true
	case ir.OpOr:
		return a | b, true
	case ir.OpXor:
		return a ^ b, true
	case ir.OpShl:
		return a << (b & 63), true
	case ir.OpShrL:
		return a >> (b & 63), true
	case ir.OpShrA:
		return uint64(int64(a) >> (b & 63)), true
	case ir.OpSltU:
		return b2u(a < b), true
	case ir.OpSltS:
		return b2u(int64(a) < int64(b)), true
	}
	return 0, false
}

// Divide evaluates div/rem. Division by zero yields the RISC-V sentinel
// results unless trapping is requested, in which case trapped is true.
func Divide(c ir.Opcode, a, b uint64, divZeroTraps bool) (v uint64, trapped bool) {
	if b == 0 {
		if divZeroTraps {
			return 0, true
		}
		switch c {
		case ir.OpDivU, ir.OpDivS:
			return ^uint64(0), false
		default:
			return a, false
		}
	}
	switch c {
	case ir.OpDivU:
		return a / b, false
	case ir.OpRemU:
		return a % b, false
	case ir.OpDivS:
		if int64(a) == math.MinInt64 && int64(b) == -1 {
			return a, false
		}
		return uint64(int64(a) / int64(b)), false
	case ir.OpRemS:
		if int64(a) == math.MinInt64 && int64(b) == -1 {
			return 0, false
		}
		return uint64(int64(a) % int64(b)), false
	}
	return 0, false
}

// SignExtend sign-extends the low size bytes of v.
func SignExtend(v uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	}
	return v
}

// Truncate keeps the low size bytes of v.
func Truncate(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & (1<<(uint(size)*8) - 1)
}

// AtomicValue computes the value an atomic read-modify-write stores, given the
// old memory value and the register operand, both truncated to size.
func AtomicValue(aop ir.AtomicOp, size int, old, operand uint64) (uint64, bool) {
	old, operand = Truncate(old, size), Truncate(operand, size)
	ls, rs := int64(SignExtend(old, size)), int64(SignExtend(operand, size))
	var v uint64
	switch aop {
	case ir.AmoAdd:
		v = old + operand
	case ir.AmoSwap:
		v = operand
	case ir.AmoAnd:
		v = old & operand
	case ir.AmoOr:
		v = old | operand
	case ir.AmoXor:
		v = old ^ operand
	case ir.AmoMin:
		v = old
		if rs < ls {
			v = operand
		}
	case ir.AmoMax:
		v = old
		if rs > ls {
			v = operand
		}
	case ir.AmoMinU:
		v = min(old, operand)
	case ir.AmoMaxU:
		v = max(old, operand)
	default:
		return 0, false
	}
	return Truncate(v, size), true
}
