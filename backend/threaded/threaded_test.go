package threaded

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/tiervm/guestmem"
	"github.com/colorfulnotion/tiervm/interp"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsupportedIsSorted(t *testing.T) {
	b := New(interp.Semantics{}, ir.OpVMul, ir.OpAdd, ir.OpFMAdd)
	assert.Equal(t, []ir.Opcode{ir.OpAdd, ir.OpVMul, ir.OpFMAdd}, b.Unsupported())
	assert.Equal(t, Name, b.Name())
	assert.Equal(t, Name, b.Arch())
}

func TestGenerateListsRecords(t *testing.T) {
	blk := ir.NewBlock(0x1000, []ir.Op{
		{Code: ir.OpMovI, Dst: 1, Imm: 3},
		{Code: ir.OpNop},
		{Code: ir.OpShlI, Dst: 2, Src1: 1, Imm: 4},
	}, ir.Terminator{Kind: ir.TermJump, Target: 0x2000}, 0)

	code, err := New(interp.Semantics{}).Generate(&jit.Request{Block: blk, Tier: ir.TierBaseline})
	require.NoError(t, err)
	assert.Equal(t, ir.EncodeBlock(blk), code.Bytes)

	st := &ir.GuestState{}
	out, err := code.Entry(st, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.Outcome{Next: 0x2000}, out)
	assert.Equal(t, uint64(48), st.X[2])
}

func TestGenerateRejectsUnsupported(t *testing.T) {
	blk := ir.NewBlock(0x1000, []ir.Op{{Code: ir.OpVAdd, Dst: 1, Src1: 2, Src2: 3, Size: 8}},
		ir.Terminator{Kind: ir.TermHalt}, 0)
	_, err := New(interp.Semantics{}, ir.OpVAdd).Generate(&jit.Request{Block: blk, Tier: ir.TierBaseline})
	assert.ErrorIs(t, err, vmerrors.ErrCUnsupported)
	assert.Contains(t, err.Error(), "vadd at op 0")
}

func TestTrapReportsOriginalOpIndex(t *testing.T) {
	mem := guestmem.New()
	require.NoError(t, mem.Map(0x10000, guestmem.PageSize, guestmem.PermRW))

	ops := []ir.Op{
		{Code: ir.OpMovI, Dst: 1, Imm: 0x10000},
		{Code: ir.OpMovI, Dst: 2, Imm: 9},
		{Code: ir.OpStore, Src1: 1, Src2: 2, Imm: guestmem.PageSize, Size: 8},
	}
	blk := ir.NewBlock(0x1000, ops, ir.Terminator{Kind: ir.TermHalt}, 0)
	// the optimizer reordered the two constants
	req := &jit.Request{
		Block:  blk,
		Tier:   ir.TierOptimized,
		Ops:    []ir.Op{ops[1], ops[0], ops[2]},
		Origin: []int{1, 0, 2},
	}
	code, err := New(interp.Semantics{}).Generate(req)
	require.NoError(t, err)

	st := &ir.GuestState{}
	_, err = code.Entry(st, mem)
	var tr *vmerrors.Trap
	require.True(t, errors.As(err, &tr))
	assert.Equal(t, vmerrors.TrapMemoryFault, tr.Kind)
	assert.Equal(t, 2, tr.OpIndex)
	assert.Equal(t, uint64(0x1000), tr.PC)
	assert.Equal(t, uint64(0x10000+guestmem.PageSize), tr.Addr)
	assert.Equal(t, uint64(9), st.X[2])
}

func TestDivisionFollowsSemantics(t *testing.T) {
	blk := ir.NewBlock(0x1000, []ir.Op{
		{Code: ir.OpMovI, Dst: 1, Imm: 7},
		{Code: ir.OpDivU, Dst: 3, Src1: 1, Src2: 2},
	}, ir.Terminator{Kind: ir.TermHalt}, 0)

	code, err := New(interp.Semantics{}).Generate(&jit.Request{Block: blk, Tier: ir.TierBaseline})
	require.NoError(t, err)
	st := &ir.GuestState{}
	out, err := code.Entry(st, nil)
	require.NoError(t, err)
	assert.True(t, out.Halted)
	assert.Equal(t, ^uint64(0), st.X[3])

	code, err = New(interp.Semantics{DivZeroTraps: true}).Generate(&jit.Request{Block: blk, Tier: ir.TierBaseline})
	require.NoError(t, err)
	_, err = code.Entry(&ir.GuestState{}, nil)
	assert.ErrorIs(t, err, vmerrors.ErrTDivideByZero)
}

func TestGenerateRejectsIncompletePlan(t *testing.T) {
	blk := ir.NewBlock(0x1000, []ir.Op{{Code: ir.OpAdd, Dst: 1, Src1: 2, Src2: 3}},
		ir.Terminator{Kind: ir.TermHalt}, 0)
	plan := &jit.RegPlan{Host: map[ir.Loc]int{2: 0, 3: 1}}
	_, err := New(interp.Semantics{}).Generate(&jit.Request{Block: blk, Tier: ir.TierOptimized, Ops: blk.Ops, Plan: plan})
	require.Error(t, err)
	assert.NotErrorIs(t, err, vmerrors.ErrCUnsupported)
	assert.Contains(t, err.Error(), "location 1 at op 0")

	plan.Spilled = []ir.Loc{1}
	_, err = New(interp.Semantics{}).Generate(&jit.Request{Block: blk, Tier: ir.TierOptimized, Ops: blk.Ops, Plan: plan})
	assert.NoError(t, err)
}
