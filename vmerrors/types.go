package vmerrors

import (
	"errors"
	"fmt"
)

type TrapKind uint8

const (
	TrapMemoryFault TrapKind = iota + 1
	TrapUnimplemented
	TrapDivideByZero
	TrapMisaligned
	TrapDecode
)

var trapSentinels = map[TrapKind]error{
	TrapMemoryFault:   ErrTMemoryFault,
	TrapUnimplemented: ErrTUnimplemented,
	TrapDivideByZero:  ErrTDivideByZero,
	TrapMisaligned:    ErrTMisaligned,
	TrapDecode:        ErrTDecode,
}

func (k TrapKind) Sentinel() error { return trapSentinels[k] }

func (k TrapKind) String() string {
	if s, ok := trapSentinels[k]; ok {
		return GetErrorName(s)
	}
	return fmt.Sprintf("TrapKind(%d)", uint8(k))
}

// Trap is an architectural exception raised while executing a block. State
// reflects every op before OpIndex; the op at OpIndex had no effect.
type Trap struct {
	Kind    TrapKind
	PC      uint64 // start of the block being executed
	OpIndex int    // -1 when raised by the terminator or the decoder
	Addr    uint64 // faulting data address, when relevant
	Cause   error
}

func (t *Trap) Error() string {
	msg := fmt.Sprintf("trap %s at pc=%#x op=%d", t.Kind, t.PC, t.OpIndex)
	if t.Kind == TrapMemoryFault || t.Kind == TrapMisaligned {
		msg += fmt.Sprintf(" addr=%#x", t.Addr)
	}
	if t.Cause != nil {
		msg += ": " + t.Cause.Error()
	}
	return msg
}

func (t *Trap) Unwrap() []error {
	errs := []error{t.Kind.Sentinel()}
	if t.Cause != nil {
		errs = append(errs, t.Cause)
	}
	return errs
}

type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	return "unknown"
}

type FaultReason uint8

const (
	FaultUnmapped FaultReason = iota
	FaultProtection
)

// Fault is reported by the memory subsystem for an invalid access.
type Fault struct {
	Addr   uint64
	Size   int
	Access Access
	Reason FaultReason
}

func (f *Fault) Error() string {
	reason := "unmapped"
	if f.Reason == FaultProtection {
		reason = "protection"
	}
	return fmt.Sprintf("%s fault on %d-byte %s at %#x", reason, f.Size, f.Access, f.Addr)
}

// DecodeError is returned by decoders for bytes that are not a valid block.
type DecodeError struct {
	Addr   uint64
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %#x+%d: %s", e.Addr, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrTDecode }

type CompileReason uint8

const (
	CompileUnsupported CompileReason = iota + 1
	CompileResourceExhausted
	CompileBackend
	CompileCanceled
)

var compileSentinels = map[CompileReason]error{
	CompileUnsupported:       ErrCUnsupported,
	CompileResourceExhausted: ErrCResourceExhausted,
	CompileBackend:           ErrCBackend,
	CompileCanceled:          ErrCCanceled,
}

func (r CompileReason) String() string {
	if s, ok := compileSentinels[r]; ok {
		return GetErrorName(s)
	}
	return fmt.Sprintf("CompileReason(%d)", uint8(r))
}

// CompileError reports a failed compilation. It is never fatal: the address
// keeps running at its previous tier.
type CompileError struct {
	Reason CompileReason
	Addr   uint64
	Tier   string
	Cause  error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile %#x for %s: %s", e.Addr, e.Tier, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CompileError) Unwrap() []error {
	errs := []error{compileSentinels[e.Reason]}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// InvariantError marks an internal consistency violation. The engine aborts
// the VM instance when one surfaces.
type InvariantError struct {
	What string
	Addr uint64
	Err  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated (%s) at %#x: %v", e.What, e.Addr, e.Err)
}

func (e *InvariantError) Unwrap() []error { return []error{ErrEFatal, e.Err} }

// IsFatal reports whether err must abort the VM instance.
func IsFatal(err error) bool {
	var inv *InvariantError
	return errors.As(err, &inv)
}
