package ir

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type TermKind uint8

const (
	TermJump TermKind = iota
	TermBranch
	TermReturn
	TermCall
	TermHalt
)

func (k TermKind) String() string {
	switch k {
	case TermJump:
		return "jmp"
	case TermBranch:
		return "branch"
	case TermReturn:
		return "ret"
	case TermCall:
		return "call"
	case TermHalt:
		return "halt"
	}
	return fmt.Sprintf("term(%d)", uint8(k))
}

// Terminator ends every block and names its successor.
//
//	Jump:   next = Target
//	Branch: next = Target if Cond(X[Src1], X[Src2]) else Fallthrough
//	Return: next = X[Reg]
//	Call:   X[Reg] = Fallthrough; next = Target
//	Halt:   the vCPU stops
type Terminator struct {
	Kind        TermKind
	Cond        Cond
	Src1        Reg
	Src2        Reg
	Reg         Reg
	Target      GuestAddress
	Fallthrough GuestAddress
}

func (t Terminator) String() string {
	switch t.Kind {
	case TermJump:
		return fmt.Sprintf("jmp %s", t.Target)
	case TermBranch:
		return fmt.Sprintf("b%s x%d, x%d, %s, %s", t.Cond, t.Src1, t.Src2, t.Target, t.Fallthrough)
	case TermReturn:
		return fmt.Sprintf("ret x%d", t.Reg)
	case TermCall:
		return fmt.Sprintf("call %s, x%d", t.Target, t.Reg)
	case TermHalt:
		return "halt"
	}
	return t.Kind.String()
}

func (t Terminator) RegsInRange() bool {
	return t.Src1 < NumRegs && t.Src2 < NumRegs && t.Reg < NumRegs
}

// Uses returns the integer registers read by the terminator.
func (t Terminator) Uses() (regs [2]Reg, n int) {
	switch t.Kind {
	case TermBranch:
		return [2]Reg{t.Src1, t.Src2}, 2
	case TermReturn:
		return [2]Reg{t.Reg}, 1
	}
	return regs, 0
}

// Hash is the BLAKE2b-256 content hash of a block's ops and terminator.
type Hash [32]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:4]) + ".." }

func (h Hash) Bytes() []byte { return h[:] }

func HashFromBytes(b []byte) (h Hash, ok bool) {
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// Block is a decoded basic block: straight-line ops and one terminator.
// Blocks are immutable after NewBlock.
type Block struct {
	Start     GuestAddress
	Ops       []Op
	Term      Terminator
	GuestSize uint32 // guest bytes covered, used for range invalidation

	hash Hash
	bad  int // BadRegister()+1
}

// NewBlock copies ops, computes the content hash and range-checks register
// operands.
func NewBlock(start GuestAddress, ops []Op, term Terminator, guestSize uint32) *Block {
	b := &Block{
		Start:     start,
		Ops:       append([]Op(nil), ops...),
		Term:      term,
		GuestSize: guestSize,
	}
	if b.GuestSize == 0 {
		b.GuestSize = uint32(len(b.Ops)+1) * RecordSize
	}
	b.hash = computeHash(b.Ops, b.Term)
	for i := range b.Ops {
		if !b.Ops[i].RegsInRange() {
			b.bad = i + 1
			break
		}
	}
	if b.bad == 0 && !b.Term.RegsInRange() {
		b.bad = len(b.Ops) + 1
	}
	return b
}

// BadRegister is the index of the first op naming a register outside its
// file, len(Ops) when only the terminator does, or -1 when the block is
// well formed.
func (b *Block) BadRegister() int { return b.bad - 1 }

// CheckRegisters reports a block naming a register outside its file.
func (b *Block) CheckRegisters() error {
	i := b.BadRegister()
	switch {
	case i < 0:
		return nil
	case i == len(b.Ops):
		return fmt.Errorf("block %s: terminator register out of range", b.Start)
	}
	return fmt.Errorf("block %s: op %d (%s) register out of range", b.Start, i, b.Ops[i].Code)
}

// WithOps returns a block at the same address with a new op sequence, e.g.
// after optimization. The new block carries its own hash.
func (b *Block) WithOps(ops []Op) *Block {
	return NewBlock(b.Start, ops, b.Term, b.GuestSize)
}

func (b *Block) Hash() Hash { return b.hash }

// End is the first guest address past the block.
func (b *Block) End() GuestAddress { return b.Start + GuestAddress(b.GuestSize) }

// Overlaps reports whether the block's guest bytes intersect [lo, hi).
func (b *Block) Overlaps(lo, hi GuestAddress) bool {
	return b.Start < hi && lo < b.End()
}

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %s (%d ops, %s)\n", b.Start, len(b.Ops), b.hash)
	for i, op := range b.Ops {
		fmt.Fprintf(&sb, "  %3d  %s\n", i, op)
	}
	fmt.Fprintf(&sb, "       %s\n", b.Term)
	return sb.String()
}

func computeHash(ops []Op, term Terminator) Hash {
	buf := make([]byte, 0, (len(ops)+1)*RecordSize+8)
	for i := range ops {
		buf = AppendOp(buf, &ops[i])
	}
	buf = AppendTerm(buf, &term)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(term.Fallthrough))
	return blake2b.Sum256(buf)
}
