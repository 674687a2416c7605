package ir

import (
	"fmt"
	"strings"
)

// Opcode names one IR operation. The set is closed: every consumer switches
// over it exhaustively and treats unknown values as unimplemented.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpNop

	// integer, register forms
	OpAdd
	OpSub
	OpMul
	OpMulHU
	OpDivU
	OpDivS
	OpRemU
	OpRemS
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrL
	OpShrA
	OpSltU
	OpSltS
	OpMov

	// integer, immediate forms
	OpMovI
	OpAddI
	OpMulI
	OpAndI
	OpOrI
	OpXorI
	OpShlI
	OpShrLI
	OpShrAI
	OpSltUI
	OpSltSI

	// memory
	OpLoad
	OpStore

	// vector, Size is the element width in bits
	OpVAdd
	OpVSub
	OpVMul

	// floating point, Prec selects single or double
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFMin
	OpFMax
	OpFMAdd
	OpFEq
	OpFLt
	OpFLe
	OpFCvtToInt
	OpFCvtFromInt
	OpFCvtPrec
	OpFMvToInt
	OpFMvFromInt

	// atomics, Size is 4 or 8
	OpAtomicRMW
	OpAtomicCAS
	OpLoadReserved
	OpStoreCond

	numOpcodes
)

// File identifies a register file.
type File uint8

const (
	FileNone File = iota
	FileX
	FileF
	FileV
)

func (f File) prefix() string {
	switch f {
	case FileX:
		return "x"
	case FileF:
		return "f"
	case FileV:
		return "v"
	}
	return "?"
}

type opClass uint8

const (
	classPure opClass = iota
	classDiv          // pure unless the guest traps on division by zero
	classMemory       // touches guest memory or the reservation
)

type opInfo struct {
	name  string
	dst   File
	src   [3]File
	imm   bool
	class opClass
}

var opTable = [numOpcodes]opInfo{
	OpNop: {name: "nop"},

	OpAdd:   {name: "add", dst: FileX, src: [3]File{FileX, FileX}},
	OpSub:   {name: "sub", dst: FileX, src: [3]File{FileX, FileX}},
	OpMul:   {name: "mul", dst: FileX, src: [3]File{FileX, FileX}},
	OpMulHU: {name: "mulhu", dst: FileX, src: [3]File{FileX, FileX}},
	OpDivU:  {name: "divu", dst: FileX, src: [3]File{FileX, FileX}, class: classDiv},
	OpDivS:  {name: "div", dst: FileX, src: [3]File{FileX, FileX}, class: classDiv},
	OpRemU:  {name: "remu", dst: FileX, src: [3]File{FileX, FileX}, class: classDiv},
	OpRemS:  {name: "rem", dst: FileX, src: [3]File{FileX, FileX}, class: classDiv},
	OpAnd:   {name: "and", dst: FileX, src: [3]File{FileX, FileX}},
	OpOr:    {name: "or", dst: FileX, src: [3]File{FileX, FileX}},
	OpXor:   {name: "xor", dst: FileX, src: [3]File{FileX, FileX}},
	OpShl:   {name: "shl", dst: FileX, src: [3]File{FileX, FileX}},
	OpShrL:  {name: "shr", dst: FileX, src: [3]File{FileX, FileX}},
	OpShrA:  {name: "sra", dst: FileX, src: [3]File{FileX, FileX}},
	OpSltU:  {name: "sltu", dst: FileX, src: [3]File{FileX, FileX}},
	OpSltS:  {name: "slt", dst: FileX, src: [3]File{FileX, FileX}},
	OpMov:   {name: "mov", dst: FileX, src: [3]File{FileX}},

	OpMovI:  {name: "movi", dst: FileX, imm: true},
	OpAddI:  {name: "addi", dst: FileX, src: [3]File{FileX}, imm: true},
	OpMulI:  {name: "muli", dst: FileX, src: [3]File{FileX}, imm: true},
	OpAndI:  {name: "andi", dst: FileX, src: [3]File{FileX}, imm: true},
	OpOrI:   {name: "ori", dst: FileX, src: [3]File{FileX}, imm: true},
	OpXorI:  {name: "xori", dst: FileX, src: [3]File{FileX}, imm: true},
	OpShlI:  {name: "shli", dst: FileX, src: [3]File{FileX}, imm: true},
	OpShrLI: {name: "shri", dst: FileX, src: [3]File{FileX}, imm: true},
	OpShrAI: {name: "srai", dst: FileX, src: [3]File{FileX}, imm: true},
	OpSltUI: {name: "sltui", dst: FileX, src: [3]File{FileX}, imm: true},
	OpSltSI: {name: "slti", dst: FileX, src: [3]File{FileX}, imm: true},

	OpLoad:  {name: "load", dst: FileX, src: [3]File{FileX}, imm: true, class: classMemory},
	OpStore: {name: "store", src: [3]File{FileX, FileX}, imm: true, class: classMemory},

	OpVAdd: {name: "vadd", dst: FileV, src: [3]File{FileV, FileV}},
	OpVSub: {name: "vsub", dst: FileV, src: [3]File{FileV, FileV}},
	OpVMul: {name: "vmul", dst: FileV, src: [3]File{FileV, FileV}},

	OpFAdd:        {name: "fadd", dst: FileF, src: [3]File{FileF, FileF}},
	OpFSub:        {name: "fsub", dst: FileF, src: [3]File{FileF, FileF}},
	OpFMul:        {name: "fmul", dst: FileF, src: [3]File{FileF, FileF}},
	OpFDiv:        {name: "fdiv", dst: FileF, src: [3]File{FileF, FileF}},
	OpFMin:        {name: "fmin", dst: FileF, src: [3]File{FileF, FileF}},
	OpFMax:        {name: "fmax", dst: FileF, src: [3]File{FileF, FileF}},
	OpFMAdd:       {name: "fmadd", dst: FileF, src: [3]File{FileF, FileF, FileF}},
	OpFEq:         {name: "feq", dst: FileX, src: [3]File{FileF, FileF}},
	OpFLt:         {name: "flt", dst: FileX, src: [3]File{FileF, FileF}},
	OpFLe:         {name: "fle", dst: FileX, src: [3]File{FileF, FileF}},
	OpFCvtToInt:   {name: "fcvt.x", dst: FileX, src: [3]File{FileF}},
	OpFCvtFromInt: {name: "fcvt.f", dst: FileF, src: [3]File{FileX}},
	OpFCvtPrec:    {name: "fcvt.p", dst: FileF, src: [3]File{FileF}},
	OpFMvToInt:    {name: "fmv.x", dst: FileX, src: [3]File{FileF}},
	OpFMvFromInt:  {name: "fmv.f", dst: FileF, src: [3]File{FileX}},

	OpAtomicRMW:    {name: "amo", dst: FileX, src: [3]File{FileX, FileX}, class: classMemory},
	OpAtomicCAS:    {name: "cas", dst: FileX, src: [3]File{FileX, FileX, FileX}, class: classMemory},
	OpLoadReserved: {name: "lr", dst: FileX, src: [3]File{FileX}, class: classMemory},
	OpStoreCond:    {name: "sc", dst: FileX, src: [3]File{FileX, FileX}, class: classMemory},
}

func (c Opcode) Valid() bool { return c > OpInvalid && c < numOpcodes }

func (c Opcode) String() string {
	if c.Valid() {
		return opTable[c].name
	}
	return fmt.Sprintf("op(%d)", uint8(c))
}

// LookupOpcode maps a mnemonic to its opcode.
func LookupOpcode(name string) (Opcode, bool) {
	for c := OpNop; c < numOpcodes; c++ {
		if opTable[c].name == name {
			return c, true
		}
	}
	return OpInvalid, false
}

// Opcodes lists every valid opcode in numeric order.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, numOpcodes-1)
	for c := OpNop; c < numOpcodes; c++ {
		out = append(out, c)
	}
	return out
}

// Op is one IR operation. Fields not used by Code are zero.
type Op struct {
	Code   Opcode
	Dst    Reg
	Src1   Reg
	Src2   Reg
	Src3   Reg
	Imm    int64
	Size   uint8 // access bytes for memory and atomics, element bits for vectors
	Signed bool  // sign-extending load
	Prec   Precision
	AOp    AtomicOp
}

// DstFile is the register file written by the op, FileNone if it writes none.
func (op *Op) DstFile() File {
	if !op.Code.Valid() {
		return FileNone
	}
	return opTable[op.Code].dst
}

// SrcFiles returns the register file of each source operand, FileNone for
// unused slots.
func (op *Op) SrcFiles() [3]File {
	if !op.Code.Valid() {
		return [3]File{}
	}
	return opTable[op.Code].src
}

// HasImm reports whether Imm is an operand of the op.
// RegsInRange reports whether every register field fits a register file.
// Unused fields are zero in well-formed ops, so all four are checked.
func (op *Op) RegsInRange() bool {
	return op.Dst < NumRegs && op.Src1 < NumRegs && op.Src2 < NumRegs && op.Src3 < NumRegs
}

func (op *Op) HasImm() bool {
	return op.Code.Valid() && opTable[op.Code].imm
}

// TouchesMemory reports whether the op reads or writes guest memory or the
// load reservation. Such ops keep their relative order in every pass.
func (op *Op) TouchesMemory() bool {
	return op.Code.Valid() && opTable[op.Code].class == classMemory
}

// MayTrap reports whether executing the op can raise a trap, given whether
// the guest traps on integer division by zero.
func (op *Op) MayTrap(divZeroTraps bool) bool {
	if !op.Code.Valid() {
		return true
	}
	switch opTable[op.Code].class {
	case classMemory:
		return true
	case classDiv:
		return divZeroTraps
	}
	return false
}

// Loc is a register location across all files: file*NumRegs + reg.
type Loc uint8

func LocOf(f File, r Reg) Loc { return Loc(uint8(f-1)*NumRegs + uint8(r)) }

const NumLocs = 3 * NumRegs

// Defs returns the locations written by op.
func (op *Op) Defs() (locs [1]Loc, n int) {
	if f := op.DstFile(); f != FileNone {
		return [1]Loc{LocOf(f, op.Dst)}, 1
	}
	return locs, 0
}

// Uses returns the locations read by op.
func (op *Op) Uses() (locs [3]Loc, n int) {
	files := op.SrcFiles()
	regs := [3]Reg{op.Src1, op.Src2, op.Src3}
	for i, f := range files {
		if f == FileNone {
			continue
		}
		locs[n] = LocOf(f, regs[i])
		n++
	}
	return locs, n
}

func (op Op) String() string {
	var sb strings.Builder
	sb.WriteString(op.Code.String())
	switch op.Code {
	case OpLoad:
		sign := "u"
		if op.Signed {
			sign = "s"
		}
		fmt.Fprintf(&sb, ".%s%d x%d, %d(x%d)", sign, int(op.Size)*8, op.Dst, op.Imm, op.Src1)
		return sb.String()
	case OpStore:
		fmt.Fprintf(&sb, ".%d x%d, %d(x%d)", int(op.Size)*8, op.Src2, op.Imm, op.Src1)
		return sb.String()
	case OpVAdd, OpVSub, OpVMul:
		fmt.Fprintf(&sb, ".%d", op.Size)
	case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFMin, OpFMax, OpFMAdd, OpFEq, OpFLt, OpFLe,
		OpFCvtToInt, OpFCvtFromInt, OpFCvtPrec:
		fmt.Fprintf(&sb, ".%s", op.Prec)
	case OpAtomicRMW:
		fmt.Fprintf(&sb, "%s.%d", op.AOp, int(op.Size)*8)
	case OpAtomicCAS, OpLoadReserved, OpStoreCond:
		fmt.Fprintf(&sb, ".%d", int(op.Size)*8)
	}
	sep := " "
	if f := op.DstFile(); f != FileNone {
		fmt.Fprintf(&sb, "%s%s%d", sep, f.prefix(), op.Dst)
		sep = ", "
	}
	regs := [3]Reg{op.Src1, op.Src2, op.Src3}
	for i, f := range op.SrcFiles() {
		if f == FileNone {
			continue
		}
		fmt.Fprintf(&sb, "%s%s%d", sep, f.prefix(), regs[i])
		sep = ", "
	}
	if op.HasImm() {
		fmt.Fprintf(&sb, "%s%d", sep, op.Imm)
	}
	return sb.String()
}
