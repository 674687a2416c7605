package interp

import (
	"math"

	"github.com/colorfulnotion/tiervm/ir"
)

const (
	canonicalNaN64 = 0x7ff8000000000000
	canonicalNaN32 = 0x7fc00000
)

// Single precision values live in the low 32 bits of an F register.

func f32(v uint64) float32   { return math.Float32frombits(uint32(v)) }
func f64(v uint64) float64   { return math.Float64frombits(v) }
func bits32(f float32) uint64 { return uint64(math.Float32bits(f)) }
func bits64(f float64) uint64 { return math.Float64bits(f) }

// FloatBinary evaluates fadd/fsub/fmul/fdiv/fmin/fmax.
func FloatBinary(c ir.Opcode, p ir.Precision, a, b uint64) (uint64, bool) {
	if p == ir.PrecSingle {
		x, y := f32(a), f32(b)
		switch c {
		case ir.OpFAdd:
			return bits32(x + y), true
		case ir.OpFSub:
			return bits32(x - y), true
		case ir.OpFMul:
			return bits32(x * y), true
		case ir.OpFDiv:
			return bits32(x / y), true
		case ir.OpFMin, ir.OpFMax:
			return minMax32(c == ir.OpFMin, x, y), true
		}
		return 0, false
	}
	x, y := f64(a), f64(b)
	switch c {
	case ir.OpFAdd:
		return bits64(x + y), true
	case ir.OpFSub:
		return bits64(x - y), true
	case ir.OpFMul:
		return bits64(x * y), true
	case ir.OpFDiv:
		return bits64(x / y), true
	case ir.OpFMin, ir.OpFMax:
		return minMax64(c == ir.OpFMin, x, y), true
	}
	return 0, false
}

// minMax64 returns the non-NaN operand when exactly one is NaN, the canonical
// NaN when both are, and orders -0 below +0.
func minMax64(isMin bool, x, y float64) uint64 {
	xn, yn := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xn && yn:
		return canonicalNaN64
	case xn:
		return bits64(y)
	case yn:
		return bits64(x)
	}
	if x == y {
		// only differs for signed zeros
		if isMin == math.Signbit(x) {
			return bits64(x)
		}
		return bits64(y)
	}
	if (x < y) == isMin {
		return bits64(x)
	}
	return bits64(y)
}

func minMax32(isMin bool, x, y float32) uint64 {
	xn, yn := x != x, y != y
	switch {
	case xn && yn:
		return canonicalNaN32
	case xn:
		return bits32(y)
	case yn:
		return bits32(x)
	}
	if x == y {
		if isMin == math.Signbit(float64(x)) {
			return bits32(x)
		}
		return bits32(y)
	}
	if (x < y) == isMin {
		return bits32(x)
	}
	return bits32(y)
}

// FMAdd computes a*b+c, fused for double precision.
func FMAdd(p ir.Precision, a, b, c uint64) uint64 {
	if p == ir.PrecSingle {
		return bits32(float32(math.FMA(float64(f32(a)), float64(f32(b)), float64(f32(c)))))
	}
	return bits64(math.FMA(f64(a), f64(b), f64(c)))
}

// FloatCompare evaluates feq/flt/fle; comparisons with NaN are false.
func FloatCompare(c ir.Opcode, p ir.Precision, a, b uint64) (uint64, bool) {
	var x, y float64
	if p == ir.PrecSingle {
		x, y = float64(f32(a)), float64(f32(b))
	} else {
		x, y = f64(a), f64(b)
	}
	switch c {
	case ir.OpFEq:
		return b2u(x == y), true
	case ir.OpFLt:
		return b2u(x < y), true
	case ir.OpFLe:
		return b2u(x <= y), true
	}
	return 0, false
}

// FloatToInt converts to a signed 64-bit integer, truncating toward zero and
// saturating. NaN converts to the maximum value.
func FloatToInt(p ir.Precision, a uint64) uint64 {
	var x float64
	if p == ir.PrecSingle {
		x = float64(f32(a))
	} else {
		x = f64(a)
	}
	switch {
	case math.IsNaN(x):
		return uint64(math.MaxInt64)
	case x >= 9.223372036854775807e18:
		return uint64(math.MaxInt64)
	case x < -9.223372036854775808e18:
		return 1 << 63
	}
	return uint64(int64(math.Trunc(x)))
}

// IntToFloat converts a signed 64-bit integer to precision p.
func IntToFloat(p ir.Precision, a uint64) uint64 {
	if p == ir.PrecSingle {
		return bits32(float32(int64(a)))
	}
	return bits64(float64(int64(a)))
}

// ConvertPrecision converts the value to precision dst from the other one.
func ConvertPrecision(dst ir.Precision, a uint64) uint64 {
	if dst == ir.PrecSingle {
		x := f64(a)
		if math.IsNaN(x) {
			return canonicalNaN32
		}
		return bits32(float32(x))
	}
	x := f32(a)
	if x != x {
		return canonicalNaN64
	}
	return bits64(float64(x))
}
