// Package program is the reference guest front end: guest code is a stream
// of 16-byte IR records, written by the assembler and lifted back into
// blocks by the Decoder.
package program

import (
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// DefaultMaxOps bounds the ops decoded into one block.
const DefaultMaxOps = 64

// Decoder implements ir.Decoder. A block runs from its start address to the
// first terminator record; a run longer than MaxOps is split with a jump to
// the next record.
type Decoder struct {
	MaxOps int
}

func NewDecoder(maxOps int) *Decoder {
	if maxOps <= 0 {
		maxOps = DefaultMaxOps
	}
	return &Decoder{MaxOps: maxOps}
}

// FetchSize is how many guest bytes Decode may need for one block.
func (d *Decoder) FetchSize() int { return (d.MaxOps + 1) * ir.RecordSize }

func (d *Decoder) Decode(addr ir.GuestAddress, code []byte) (*ir.Block, error) {
	ops := make([]ir.Op, 0, 8)
	for off := 0; ; off += ir.RecordSize {
		if off+ir.RecordSize > len(code) {
			return nil, &vmerrors.DecodeError{Addr: uint64(addr), Offset: off, Reason: "block has no terminator"}
		}
		op, term, err := ir.DecodeRecord(code[off : off+ir.RecordSize])
		if err != nil {
			return nil, &vmerrors.DecodeError{Addr: uint64(addr), Offset: off, Reason: err.Error()}
		}
		next := addr + ir.GuestAddress(off+ir.RecordSize)
		if term != nil {
			term.Fallthrough = next
			return ir.NewBlock(addr, ops, *term, uint32(off+ir.RecordSize)), nil
		}
		if len(ops) == d.MaxOps {
			split := ir.Terminator{Kind: ir.TermJump, Target: addr + ir.GuestAddress(off), Fallthrough: addr + ir.GuestAddress(off)}
			return ir.NewBlock(addr, ops, split, uint32(off)), nil
		}
		ops = append(ops, *op)
	}
}
