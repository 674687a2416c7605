// Package ir is the architecture-neutral intermediate representation shared
// by the decoder, the interpreter and the tiered compiler.
package ir

import (
	"fmt"
	"strings"
)

// GuestAddress is a guest virtual address. It keys the code cache and the
// hotspot detector.
type GuestAddress uint64

func (a GuestAddress) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Tier is an execution tier. Tiers are ordered; higher tiers cost more to
// produce and run faster.
type Tier uint8

const (
	TierInterpreter Tier = iota
	TierBaseline
	TierOptimized

	NumTiers = 3
)

func (t Tier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Next returns the tier above t, or t itself at the top.
func (t Tier) Next() Tier {
	if t >= TierOptimized {
		return TierOptimized
	}
	return t + 1
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "interpreter", "interp", "0":
		return TierInterpreter, nil
	case "baseline", "1":
		return TierBaseline, nil
	case "optimized", "opt", "2":
		return TierOptimized, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Reg indexes one of the three register files. Which file is implied by the
// opcode that names it.
type Reg uint8

const NumRegs = 32

// Vec is a 128-bit vector register, low lane word first.
type Vec [2]uint64

type Precision uint8

const (
	PrecDouble Precision = iota
	PrecSingle
)

func (p Precision) String() string {
	if p == PrecSingle {
		return "s"
	}
	return "d"
}

type AtomicOp uint8

const (
	AmoAdd AtomicOp = iota
	AmoSwap
	AmoAnd
	AmoOr
	AmoXor
	AmoMin
	AmoMax
	AmoMinU
	AmoMaxU
)

var atomicOpNames = [...]string{"add", "swap", "and", "or", "xor", "min", "max", "minu", "maxu"}

func (a AtomicOp) String() string {
	if int(a) < len(atomicOpNames) {
		return atomicOpNames[a]
	}
	return fmt.Sprintf("amo(%d)", uint8(a))
}

func ParseAtomicOp(s string) (AtomicOp, bool) {
	for i, n := range atomicOpNames {
		if n == s {
			return AtomicOp(i), true
		}
	}
	return 0, false
}

// Cond is a two-register branch condition.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondLtU
	CondLtS
	CondGeU
	CondGeS
)

var condNames = [...]string{"eq", "ne", "ltu", "lt", "geu", "ge"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

func ParseCond(s string) (Cond, bool) {
	for i, n := range condNames {
		if n == s {
			return Cond(i), true
		}
	}
	return 0, false
}

// Eval reports whether the condition holds for a and b.
func (c Cond) Eval(a, b uint64) bool {
	switch c {
	case CondEq:
		return a == b
	case CondNe:
		return a != b
	case CondLtU:
		return a < b
	case CondLtS:
		return int64(a) < int64(b)
	case CondGeU:
		return a >= b
	case CondGeS:
		return int64(a) >= int64(b)
	}
	return false
}
