package jit

import (
	"github.com/colorfulnotion/tiervm/interp"
	"github.com/colorfulnotion/tiervm/ir"
)

// Pass rewrites a unit in place and returns how many ops it changed.
type Pass struct {
	Name string
	Run  func(u *Unit, sem interp.Semantics) int
}

// DefaultPasses is the optimized-tier pipeline, in order.
func DefaultPasses() []Pass {
	return []Pass{
		{Name: "constfold", Run: FoldConstants},
		{Name: "cse", Run: EliminateCommonSubexpressions},
		{Name: "constfold", Run: FoldConstants},
		{Name: "dce", Run: EliminateDeadCode},
		{Name: "schedule", Run: Schedule},
	}
}

// PassByName looks up a single pass for configurable pipelines.
func PassByName(name string) (Pass, bool) {
	switch name {
	case "constfold":
		return Pass{Name: name, Run: FoldConstants}, true
	case "cse":
		return Pass{Name: name, Run: EliminateCommonSubexpressions}, true
	case "dce":
		return Pass{Name: name, Run: EliminateDeadCode}, true
	case "schedule":
		return Pass{Name: name, Run: Schedule}, true
	}
	return Pass{}, false
}

func commutative(c ir.Opcode) bool {
	switch c {
	case ir.OpAdd, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor:
		return true
	}
	return false
}

func isIntBinary(c ir.Opcode) bool {
	_, ok := interp.IntBinary(c, 0, 0)
	return ok
}

func isDivide(c ir.Opcode) bool {
	switch c {
	case ir.OpDivU, ir.OpDivS, ir.OpRemU, ir.OpRemS:
		return true
	}
	return false
}

func movi(dst ir.Reg, v uint64) ir.Op { return ir.Op{Code: ir.OpMovI, Dst: dst, Imm: int64(v)} }

// FoldConstants propagates integer constants forward through the block,
// folds ops whose inputs are all known, turns register forms with one known
// input into immediate forms, and strips identity immediates.
func FoldConstants(u *Unit, sem interp.Semantics) int {
	var known [ir.NumRegs]bool
	var val [ir.NumRegs]uint64
	changed := 0
	for i := range u.Ops {
		op := &u.Ops[i]
		switch {
		case op.Code == ir.OpMov:
			if known[op.Src1] {
				*op = movi(op.Dst, val[op.Src1])
				changed++
			} else if op.Src1 == op.Dst {
				*op = ir.Op{Code: ir.OpNop}
				changed++
			}
		case isIntBinary(op.Code):
			a, b := op.Src1, op.Src2
			switch {
			case known[a] && known[b]:
				v, _ := interp.IntBinary(op.Code, val[a], val[b])
				*op = movi(op.Dst, v)
				changed++
			case known[b]:
				if imm, ok := interp.ImmForm(op.Code); ok {
					*op = ir.Op{Code: imm, Dst: op.Dst, Src1: a, Imm: int64(val[b])}
					changed++
				}
			case known[a] && commutative(op.Code):
				imm, _ := interp.ImmForm(op.Code)
				*op = ir.Op{Code: imm, Dst: op.Dst, Src1: b, Imm: int64(val[a])}
				changed++
			}
			if op.HasImm() && op.Code != ir.OpMovI {
				changed += simplifyImm(op)
			}
		case op.HasImm() && !op.TouchesMemory() && op.Code != ir.OpMovI:
			if known[op.Src1] {
				v, _ := interp.IntBinary(interp.RegForm(op.Code), val[op.Src1], uint64(op.Imm))
				*op = movi(op.Dst, v)
				changed++
			} else {
				changed += simplifyImm(op)
			}
		case isDivide(op.Code):
			if known[op.Src1] && known[op.Src2] {
				if v, trapped := interp.Divide(op.Code, val[op.Src1], val[op.Src2], sem.DivZeroTraps); !trapped {
					*op = movi(op.Dst, v)
					changed++
				}
			}
		}

		if op.Code == ir.OpMovI {
			known[op.Dst] = true
			val[op.Dst] = uint64(op.Imm)
		} else if op.DstFile() == ir.FileX {
			known[op.Dst] = false
		}
	}
	return changed
}

// simplifyImm rewrites immediate forms whose immediate makes them a move or
// a constant.
func simplifyImm(op *ir.Op) int {
	switch op.Code {
	case ir.OpAddI, ir.OpOrI, ir.OpXorI, ir.OpShlI, ir.OpShrLI, ir.OpShrAI:
		if op.Imm == 0 || (op.Code >= ir.OpShlI && op.Code <= ir.OpShrAI && op.Imm&63 == 0) {
			*op = ir.Op{Code: ir.OpMov, Dst: op.Dst, Src1: op.Src1}
			return 1
		}
	case ir.OpMulI:
		switch op.Imm {
		case 0:
			*op = movi(op.Dst, 0)
			return 1
		case 1:
			*op = ir.Op{Code: ir.OpMov, Dst: op.Dst, Src1: op.Src1}
			return 1
		}
	case ir.OpAndI:
		switch op.Imm {
		case 0:
			*op = movi(op.Dst, 0)
			return 1
		case -1:
			*op = ir.Op{Code: ir.OpMov, Dst: op.Dst, Src1: op.Src1}
			return 1
		}
	}
	return 0
}

type exprKey struct {
	code   ir.Opcode
	src    [3]ir.Loc
	ver    [3]uint32
	nsrc   int
	imm    int64
	size   uint8
	signed bool
	prec   ir.Precision
	aop    ir.AtomicOp
}

type valueLoc struct {
	loc ir.Loc
	ver uint32
}

// EliminateCommonSubexpressions reuses an earlier integer result when the
// same pure expression is computed again over unchanged inputs. The repeat
// becomes a register move, or disappears when its destination already holds
// the value.
func EliminateCommonSubexpressions(u *Unit, sem interp.Semantics) int {
	var ver [ir.NumLocs]uint32
	avail := make(map[exprKey]valueLoc)
	changed := 0
	for i := range u.Ops {
		op := &u.Ops[i]
		candidate := op.DstFile() == ir.FileX && op.Code != ir.OpMov && op.Code != ir.OpMovI &&
			!barrier(op, sem.DivZeroTraps)
		var key exprKey
		if candidate {
			uses, n := op.Uses()
			key = exprKey{code: op.Code, nsrc: n, imm: op.Imm, size: op.Size, signed: op.Signed, prec: op.Prec, aop: op.AOp}
			for j := 0; j < n; j++ {
				key.src[j] = uses[j]
				key.ver[j] = ver[uses[j]]
			}
			dst := ir.LocOf(ir.FileX, op.Dst)
			if prev, ok := avail[key]; ok && ver[prev.loc] == prev.ver {
				if prev.loc == dst {
					*op = ir.Op{Code: ir.OpNop}
					changed++
					continue
				}
				*op = ir.Op{Code: ir.OpMov, Dst: op.Dst, Src1: ir.Reg(prev.loc)}
				changed++
				candidate = false
			}
		}
		defs, n := op.Defs()
		for j := 0; j < n; j++ {
			ver[defs[j]]++
		}
		if candidate {
			d := ir.LocOf(ir.FileX, op.Dst)
			avail[key] = valueLoc{loc: d, ver: ver[d]}
		}
	}
	return changed
}

// EliminateDeadCode removes nops and register writes that are overwritten
// before anything reads them. Every register is live out of the block, and
// an op that may trap observes every register, so a write is only dead when
// a later write to the same register follows with no read and no possible
// trap in between.
func EliminateDeadCode(u *Unit, sem interp.Semantics) int {
	dead := make([]bool, len(u.Ops))
	var overwritten [ir.NumLocs]bool
	for i := len(u.Ops) - 1; i >= 0; i-- {
		op := &u.Ops[i]
		if op.Code == ir.OpNop {
			dead[i] = true
			continue
		}
		if barrier(op, sem.DivZeroTraps) {
			overwritten = [ir.NumLocs]bool{}
			continue
		}
		defs, nd := op.Defs()
		if nd == 1 && overwritten[defs[0]] {
			dead[i] = true
			continue
		}
		for j := 0; j < nd; j++ {
			overwritten[defs[j]] = true
		}
		uses, nu := op.Uses()
		for j := 0; j < nu; j++ {
			overwritten[uses[j]] = false
		}
	}
	return u.drop(dead)
}

func latency(op *ir.Op) int {
	switch op.Code {
	case ir.OpMul, ir.OpMulHU, ir.OpMulI, ir.OpVMul:
		return 3
	case ir.OpDivU, ir.OpDivS, ir.OpRemU, ir.OpRemS:
		return 12
	case ir.OpFDiv:
		return 10
	case ir.OpFMAdd:
		return 5
	case ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFMin, ir.OpFMax, ir.OpFCvtToInt, ir.OpFCvtFromInt, ir.OpFCvtPrec:
		return 4
	}
	return 1
}

// Schedule reorders ops between barriers by list scheduling: among the ops
// whose inputs are ready, the one heading the longest latency chain goes
// first, ties kept in original order. Barriers never move and nothing moves
// across them.
func Schedule(u *Unit, sem interp.Semantics) int {
	moved := 0
	start := 0
	for i := 0; i <= len(u.Ops); i++ {
		if i < len(u.Ops) && !barrier(&u.Ops[i], sem.DivZeroTraps) {
			continue
		}
		if i-start > 1 {
			moved += scheduleRegion(u, start, i)
		}
		start = i + 1
	}
	return moved
}

func dependsOn(later, earlier *ir.Op) bool {
	ed, end := earlier.Defs()
	eu, enu := earlier.Uses()
	ld, lnd := later.Defs()
	lu, lnu := later.Uses()
	for i := 0; i < end; i++ {
		for j := 0; j < lnu; j++ {
			if ed[i] == lu[j] {
				return true // read after write
			}
		}
		for j := 0; j < lnd; j++ {
			if ed[i] == ld[j] {
				return true // write after write
			}
		}
	}
	for i := 0; i < enu; i++ {
		for j := 0; j < lnd; j++ {
			if eu[i] == ld[j] {
				return true // write after read
			}
		}
	}
	return false
}

func scheduleRegion(u *Unit, lo, hi int) int {
	n := hi - lo
	ops := u.Ops[lo:hi]
	succ := make([][]int, n)
	preds := make([]int, n)
	for j := 0; j < n; j++ {
		for i := 0; i < j; i++ {
			if dependsOn(&ops[j], &ops[i]) {
				succ[i] = append(succ[i], j)
				preds[j]++
			}
		}
	}
	prio := make([]int, n)
	for i := n - 1; i >= 0; i-- {
		best := 0
		for _, s := range succ[i] {
			if prio[s] > best {
				best = prio[s]
			}
		}
		prio[i] = best + latency(&ops[i])
	}

	order := make([]int, 0, n)
	done := make([]bool, n)
	for len(order) < n {
		pick := -1
		for i := 0; i < n; i++ {
			if done[i] || preds[i] != 0 {
				continue
			}
			if pick < 0 || prio[i] > prio[pick] {
				pick = i
			}
		}
		done[pick] = true
		order = append(order, pick)
		for _, s := range succ[pick] {
			preds[s]--
		}
	}

	newOps := make([]ir.Op, n)
	newOrigin := make([]int, n)
	moved := 0
	for pos, i := range order {
		newOps[pos] = ops[i]
		newOrigin[pos] = u.Origin[lo+i]
		if pos != i {
			moved++
		}
	}
	copy(u.Ops[lo:hi], newOps)
	copy(u.Origin[lo:hi], newOrigin)
	return moved
}
