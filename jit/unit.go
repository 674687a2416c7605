package jit

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/tiervm/ir"
)

// Unit is a block in the middle of compilation. Ops may be rewritten,
// removed and reordered by the optimizer; Origin keeps, for every op, its
// index in the decoded block so traps report the same op index as the
// interpreter.
type Unit struct {
	Block  *ir.Block
	Ops    []ir.Op
	Origin []int
}

func NewUnit(b *ir.Block) *Unit {
	u := &Unit{
		Block:  b,
		Ops:    append([]ir.Op(nil), b.Ops...),
		Origin: make([]int, len(b.Ops)),
	}
	for i := range u.Origin {
		u.Origin[i] = i
	}
	return u
}

// drop removes the ops marked dead.
func (u *Unit) drop(dead []bool) int {
	n := 0
	for i := range u.Ops {
		if dead[i] {
			continue
		}
		u.Ops[n] = u.Ops[i]
		u.Origin[n] = u.Origin[i]
		n++
	}
	removed := len(u.Ops) - n
	u.Ops = u.Ops[:n]
	u.Origin = u.Origin[:n]
	return removed
}

// barrier reports whether op pins its position: it can trap, so every
// earlier effect must be visible when it runs, or it touches memory.
func barrier(op *ir.Op, divZeroTraps bool) bool {
	if op.TouchesMemory() || op.MayTrap(divZeroTraps) {
		return true
	}
	switch op.Code {
	case ir.OpVAdd, ir.OpVSub, ir.OpVMul:
		// an unknown element width traps at run time
		switch op.Size {
		case 8, 16, 32, 64:
			return false
		}
		return true
	}
	return false
}

func (u *Unit) String() string {
	var sb strings.Builder
	for i, op := range u.Ops {
		fmt.Fprintf(&sb, "%3d [%3d] %s\n", i, u.Origin[i], op)
	}
	fmt.Fprintf(&sb, "          %s\n", u.Block.Term)
	return sb.String()
}
