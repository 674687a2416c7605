package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOps() []Op {
	return []Op{
		{Code: OpMovI, Dst: 1, Imm: 7},
		{Code: OpAdd, Dst: 2, Src1: 1, Src2: 1},
		{Code: OpLoad, Dst: 3, Src1: 2, Imm: -8, Size: 4, Signed: true},
		{Code: OpFAdd, Dst: 4, Src1: 5, Src2: 6, Prec: PrecSingle},
	}
}

func TestBlockHashIsContentAddressed(t *testing.T) {
	term := Terminator{Kind: TermJump, Target: 0x2000}
	a := NewBlock(0x1000, sampleOps(), term, 0)
	b := NewBlock(0x8000, sampleOps(), term, 0)
	assert.Equal(t, a.Hash(), b.Hash(), "start address is not part of the hash")

	ops := sampleOps()
	ops[1].Code = OpSub
	c := NewBlock(0x1000, ops, term, 0)
	assert.NotEqual(t, a.Hash(), c.Hash())

	d := NewBlock(0x1000, sampleOps(), Terminator{Kind: TermJump, Target: 0x2010}, 0)
	assert.NotEqual(t, a.Hash(), d.Hash())

	assert.Equal(t, uint32(5*RecordSize), a.GuestSize)
	assert.Equal(t, GuestAddress(0x1050), a.End())
}

func TestNewBlockCopiesOps(t *testing.T) {
	ops := sampleOps()
	b := NewBlock(0x1000, ops, Terminator{Kind: TermHalt}, 0)
	h := b.Hash()
	ops[0].Imm = 99
	assert.Equal(t, int64(7), b.Ops[0].Imm)
	assert.Equal(t, h, b.Hash())
}

func TestDecodeRecordRoundTrip(t *testing.T) {
	ops := sampleOps()
	term := Terminator{Kind: TermBranch, Cond: CondLtS, Src1: 1, Src2: 2, Target: 0x40}
	blk := NewBlock(0, ops, term, 0)
	raw := EncodeBlock(blk)
	require.Len(t, raw, 5*RecordSize)

	for i := range ops {
		op, tm, err := DecodeRecord(raw[i*RecordSize:])
		require.NoError(t, err)
		require.Nil(t, tm)
		assert.Equal(t, ops[i], *op)
	}
	op, tm, err := DecodeRecord(raw[4*RecordSize:])
	require.NoError(t, err)
	require.Nil(t, op)
	assert.Equal(t, term, *tm)
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	_, _, err := DecodeRecord([]byte{1, 2, 3})
	assert.Error(t, err)

	rec := make([]byte, RecordSize)
	rec[0] = termTag | 0x0E
	_, _, err = DecodeRecord(rec)
	assert.Error(t, err)

	rec[0] = byte(OpAdd)
	rec[1] = 40
	_, _, err = DecodeRecord(rec)
	assert.Error(t, err)
}

func TestOpOperands(t *testing.T) {
	st := Op{Code: OpStore, Src1: 2, Src2: 9, Size: 8}
	_, nd := st.Defs()
	assert.Equal(t, 0, nd)
	uses, nu := st.Uses()
	assert.Equal(t, 2, nu)
	assert.Equal(t, []Loc{LocOf(FileX, 2), LocOf(FileX, 9)}, uses[:nu])
	assert.True(t, st.TouchesMemory())

	fma := Op{Code: OpFMAdd, Dst: 1, Src1: 2, Src2: 3, Src3: 4}
	defs, _ := fma.Defs()
	assert.Equal(t, LocOf(FileF, 1), defs[0])
	_, nu = fma.Uses()
	assert.Equal(t, 3, nu)

	div := Op{Code: OpDivU}
	assert.False(t, div.MayTrap(false))
	assert.True(t, div.MayTrap(true))
	assert.True(t, (&Op{Code: Opcode(250)}).MayTrap(false))
}

func TestMnemonics(t *testing.T) {
	for _, c := range Opcodes() {
		got, ok := LookupOpcode(c.String())
		require.True(t, ok, c.String())
		assert.Equal(t, c, got)
	}
	assert.Equal(t, "load.s32 x3, -8(x2)", sampleOps()[2].String())
	assert.Equal(t, "fadd.s f4, f5, f6", sampleOps()[3].String())
	assert.Equal(t, "addi x1, x2, 5", Op{Code: OpAddI, Dst: 1, Src1: 2, Imm: 5}.String())
}

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierInterpreter < TierBaseline && TierBaseline < TierOptimized)
	assert.Equal(t, TierOptimized, TierOptimized.Next())
	tier, err := ParseTier("opt")
	require.NoError(t, err)
	assert.Equal(t, TierOptimized, tier)
	_, err = ParseTier("turbo")
	assert.Error(t, err)
}

func TestCondEval(t *testing.T) {
	neg := ^uint64(0)
	assert.True(t, CondLtS.Eval(neg, 1))
	assert.False(t, CondLtU.Eval(neg, 1))
	assert.True(t, CondGeU.Eval(neg, 1))
	assert.True(t, CondNe.Eval(1, 2))
}

func TestBlockRegisterRange(t *testing.T) {
	ok := NewBlock(0x1000, sampleOps(), Terminator{Kind: TermHalt}, 0)
	assert.Equal(t, -1, ok.BadRegister())
	assert.NoError(t, ok.CheckRegisters())

	ops := append(sampleOps(), Op{Code: OpAdd, Dst: 1, Src1: 2, Src2: NumRegs})
	b := NewBlock(0x1000, ops, Terminator{Kind: TermHalt}, 0)
	assert.Equal(t, len(ops)-1, b.BadRegister())
	assert.ErrorContains(t, b.CheckRegisters(), "register out of range")

	b = NewBlock(0x1000, sampleOps(), Terminator{Kind: TermReturn, Reg: NumRegs + 3}, 0)
	assert.Equal(t, len(b.Ops), b.BadRegister())
	assert.ErrorContains(t, b.CheckRegisters(), "terminator register out of range")

	var zero Block
	assert.Equal(t, -1, zero.BadRegister())
}
