package interp

import "github.com/colorfulnotion/tiervm/ir"

// VectorBinary applies a lane-wise op to 128-bit vectors with lanes of width
// bits. ok is false for unknown widths or opcodes.
func VectorBinary(c ir.Opcode, width uint8, a, b ir.Vec) (out ir.Vec, ok bool) {
	switch width {
	case 8, 16, 32, 64:
	default:
		return out, false
	}
	var f func(x, y uint64) uint64
	switch c {
	case ir.OpVAdd:
		f = func(x, y uint64) uint64 { return x + y }
	case ir.OpVSub:
		f = func(x, y uint64) uint64 { return x - y }
	case ir.OpVMul:
		f = func(x, y uint64) uint64 { return x * y }
	default:
		return out, false
	}
	w := uint(width)
	mask := ^uint64(0)
	if w < 64 {
		mask = 1<<w - 1
	}
	for word := 0; word < 2; word++ {
		var r uint64
		for sh := uint(0); sh < 64; sh += w {
			x := (a[word] >> sh) & mask
			y := (b[word] >> sh) & mask
			r |= (f(x, y) & mask) << sh
		}
		out[word] = r
	}
	return out, true
}
