package ir

import (
	"encoding/binary"
	"fmt"
)

// RecordSize is the width of one encoded op or terminator.
const RecordSize = 16

// Terminator records carry termTag in the high nibble of byte 0.
const termTag = 0xF0

// Record layout, little endian:
//
//	op:   code dst src1 src2 src3 size flags aop | imm(8)
//	term: F0|kind cond src1 src2 reg 0 0 0       | target(8)
//
// flags: bit0 signed, bit1 single precision.

func AppendOp(buf []byte, op *Op) []byte {
	var rec [RecordSize]byte
	rec[0] = byte(op.Code)
	rec[1] = byte(op.Dst)
	rec[2] = byte(op.Src1)
	rec[3] = byte(op.Src2)
	rec[4] = byte(op.Src3)
	rec[5] = op.Size
	if op.Signed {
		rec[6] |= 1
	}
	if op.Prec == PrecSingle {
		rec[6] |= 2
	}
	rec[7] = byte(op.AOp)
	binary.LittleEndian.PutUint64(rec[8:], uint64(op.Imm))
	return append(buf, rec[:]...)
}

func AppendTerm(buf []byte, t *Terminator) []byte {
	var rec [RecordSize]byte
	rec[0] = termTag | byte(t.Kind)
	rec[1] = byte(t.Cond)
	rec[2] = byte(t.Src1)
	rec[3] = byte(t.Src2)
	rec[4] = byte(t.Reg)
	binary.LittleEndian.PutUint64(rec[8:], uint64(t.Target))
	return append(buf, rec[:]...)
}

// EncodeBlock returns the record listing of b. Fallthrough is implied by the
// address following the terminator record.
func EncodeBlock(b *Block) []byte {
	buf := make([]byte, 0, (len(b.Ops)+1)*RecordSize)
	for i := range b.Ops {
		buf = AppendOp(buf, &b.Ops[i])
	}
	return AppendTerm(buf, &b.Term)
}

// DecodeRecord decodes one record. Exactly one of op and term is non-nil on
// success.
func DecodeRecord(rec []byte) (op *Op, term *Terminator, err error) {
	if len(rec) < RecordSize {
		return nil, nil, fmt.Errorf("short record: %d bytes", len(rec))
	}
	if rec[0]&0xF0 == termTag {
		kind := TermKind(rec[0] & 0x0F)
		if kind > TermHalt {
			return nil, nil, fmt.Errorf("unknown terminator kind %d", kind)
		}
		cond := Cond(rec[1])
		if kind == TermBranch && cond > CondGeS {
			return nil, nil, fmt.Errorf("unknown branch condition %d", cond)
		}
		t := &Terminator{
			Kind:   kind,
			Cond:   cond,
			Src1:   Reg(rec[2]),
			Src2:   Reg(rec[3]),
			Reg:    Reg(rec[4]),
			Target: GuestAddress(binary.LittleEndian.Uint64(rec[8:])),
		}
		if !t.RegsInRange() {
			return nil, nil, fmt.Errorf("terminator register out of range")
		}
		return nil, t, nil
	}
	o := &Op{
		Code:   Opcode(rec[0]),
		Dst:    Reg(rec[1]),
		Src1:   Reg(rec[2]),
		Src2:   Reg(rec[3]),
		Src3:   Reg(rec[4]),
		Size:   rec[5],
		Signed: rec[6]&1 != 0,
		AOp:    AtomicOp(rec[7]),
		Imm:    int64(binary.LittleEndian.Uint64(rec[8:])),
	}
	if rec[6]&2 != 0 {
		o.Prec = PrecSingle
	}
	if !o.RegsInRange() {
		return nil, nil, fmt.Errorf("%s: register out of range", o.Code)
	}
	// Invalid opcodes decode; executing them traps as unimplemented.
	return o, nil, nil
}
