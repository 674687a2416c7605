package program

import (
	"strings"
	"testing"

	"github.com/colorfulnotion/tiervm/guestmem"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
; sums 1..10 into x3
.entry main
.org 0x2000
main:
	movi x1, 10
	movi x3, 0
	movi x9, 0x10000
loop:  add x3, x3, x1
	addi x1, x1, -1
	bne x1, x0, loop
	store.64 x3, 8(x9)
	load.s32 x4, -8(x9)    # sign extended
	fadd.d f1, f2, f3
	fcvt.x.d x5, f1
	fmv.f f6, x5
	vadd.32 v1, v2, v3
	amoadd.64 x7, x9, x3
	cas.64 x7, x9, x3, x4
	lr.32 x8, x9
	sc.32 x8, x9, x3
	call helper, x31
	halt
.org 0x3000
helper:
	ret x31
`

func TestAssembleLayout(t *testing.T) {
	p, err := Assemble(sample)
	require.NoError(t, err)

	assert.Equal(t, ir.GuestAddress(0x2000), p.Entry)
	assert.Equal(t, ir.GuestAddress(0x2030), p.Labels["loop"])
	assert.Equal(t, ir.GuestAddress(0x3000), p.Labels["helper"])
	require.Len(t, p.Segments, 2)
	assert.Equal(t, ir.GuestAddress(0x2000), p.Segments[0].Addr)
	assert.Len(t, p.Segments[0].Code, 18*ir.RecordSize)
	assert.Equal(t, ir.GuestAddress(0x3000), p.Segments[1].Addr)
}

func TestAssembleDecodeRoundTrip(t *testing.T) {
	p, err := Assemble(sample)
	require.NoError(t, err)
	d := NewDecoder(0)

	code := p.Segments[0].Code
	// labels do not end blocks, only terminators do
	first, err := d.Decode(0x2000, code)
	require.NoError(t, err)
	assert.Len(t, first.Ops, 5)
	assert.Equal(t, ir.TermBranch, first.Term.Kind)

	loop, err := d.Decode(0x2030, code[0x30:])
	require.NoError(t, err)
	require.Equal(t, ir.TermBranch, loop.Term.Kind)
	assert.Equal(t, ir.CondNe, loop.Term.Cond)
	assert.Equal(t, ir.GuestAddress(0x2030), loop.Term.Target)
	assert.Equal(t, ir.GuestAddress(0x2060), loop.Term.Fallthrough)

	tail, err := d.Decode(0x2060, code[0x60:])
	require.NoError(t, err)
	want := []string{
		"store.64 x3, 8(x9)",
		"load.s32 x4, -8(x9)",
		"fadd.d f1, f2, f3",
		"fcvt.x.d x5, f1",
		"fmv.f f6, x5",
		"vadd.32 v1, v2, v3",
		"amoadd.64 x7, x9, x3",
		"cas.64 x7, x9, x3, x4",
		"lr.32 x8, x9",
		"sc.32 x8, x9, x3",
	}
	got := make([]string, len(tail.Ops))
	for i, op := range tail.Ops {
		got[i] = op.String()
	}
	assert.Equal(t, want, got)
	assert.Equal(t, ir.TermCall, tail.Term.Kind)
	assert.Equal(t, ir.GuestAddress(0x3000), tail.Term.Target)

	// the listing form of a block assembles back to the same records
	again, err := Assemble(".org 0x2060\n" + strings.Join(want, "\n") + "\ncall 0x3000, x31\n")
	require.NoError(t, err)
	assert.Equal(t, code[0x60:0x60+11*ir.RecordSize], again.Segments[0].Code)
}

func TestBranchListingFormAccepted(t *testing.T) {
	_, err := Assemble(".org 0x1000\nbeq x1, x2, 0x1000, 0x1010\nhalt\n")
	assert.NoError(t, err)
	_, err = Assemble(".org 0x1000\nbeq x1, x2, 0x1000, 0x1020\nhalt\n")
	assert.ErrorContains(t, err, "fallthrough")
}

func TestAssembleErrors(t *testing.T) {
	cases := map[string]string{
		"unknown mnemonic": "frob x1\n",
		"unknown label":    "jmp nowhere\n",
		"redefined":        "a:\na:\nhalt\n",
		"bad register":     "add x1, x2, x40\n",
		"want a f":         "fadd.d x1, f2, f3\n",
		"needs .s or .d":   "fadd f1, f2, f3\n",
		"too many":         "movi x1, 2, 3\n",
		"access width":     "store.12 x1, 0(x2)\n",
		"off(base)":        "load.u64 x1, x2\n",
		"aligned":          ".org 0x1001\n",
		"already holds":    ".org 0x1000\nhalt\n.org 0x1000\nhalt\n",
	}
	for want, src := range cases {
		t.Run(want, func(t *testing.T) {
			_, err := Assemble(src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), want)
			var se *SyntaxError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestDecoderSplitsLongRuns(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 5; i++ {
		sb.WriteString("addi x1, x1, 1\n")
	}
	sb.WriteString("halt\n")
	p, err := Assemble(sb.String())
	require.NoError(t, err)

	d := NewDecoder(3)
	assert.Equal(t, 4*ir.RecordSize, d.FetchSize())
	b, err := d.Decode(0x1000, p.Segments[0].Code)
	require.NoError(t, err)
	assert.Len(t, b.Ops, 3)
	assert.Equal(t, ir.TermJump, b.Term.Kind)
	assert.Equal(t, ir.GuestAddress(0x1030), b.Term.Target)
	assert.EqualValues(t, 3*ir.RecordSize, b.GuestSize)

	rest, err := d.Decode(0x1030, p.Segments[0].Code[0x30:])
	require.NoError(t, err)
	assert.Len(t, rest.Ops, 2)
	assert.Equal(t, ir.TermHalt, rest.Term.Kind)
}

func TestDecoderErrors(t *testing.T) {
	p, err := Assemble("addi x1, x1, 1\naddi x1, x1, 1\n")
	require.NoError(t, err)
	_, err = NewDecoder(0).Decode(0x1000, p.Segments[0].Code)
	var de *vmerrors.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2*ir.RecordSize, de.Offset)
	assert.ErrorIs(t, err, vmerrors.ErrTDecode)

	bad := make([]byte, ir.RecordSize)
	bad[0] = 0xff
	_, err = NewDecoder(0).Decode(0x1000, bad)
	assert.ErrorIs(t, err, vmerrors.ErrTDecode)
}

func TestLoadIntoMemory(t *testing.T) {
	p, err := Assemble(sample)
	require.NoError(t, err)
	mem := guestmem.New()
	require.NoError(t, p.Load(mem, guestmem.PermRX))

	code, err := mem.Fetch(0x3000, ir.RecordSize)
	require.NoError(t, err)
	assert.Equal(t, p.Segments[1].Code, code)
	regions := mem.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, uint64(0x2000), regions[0].Start)
	assert.Equal(t, uint64(2*guestmem.PageSize), regions[0].Size)
	assert.Equal(t, guestmem.PermRX, regions[0].Perm)

	// a second program on the same page cannot be loaded over the first
	assert.Error(t, p.Load(mem, guestmem.PermRX))
}
