package vmerrors

import (
	"errors"
	"strings"
)

// Trap (T) errors. Wrapped by *Trap as its Cause.
var (
	ErrTMemoryFault   = errors.New("T1|MemoryFault: Guest memory access outside a mapped region or against its permissions.")
	ErrTUnimplemented = errors.New("T2|Unimplemented: Opcode has no execution semantics.")
	ErrTDivideByZero  = errors.New("T3|DivideByZero: Integer division by zero on a guest that traps on it.")
	ErrTMisaligned    = errors.New("T4|Misaligned: Atomic access is not naturally aligned.")
	ErrTDecode        = errors.New("T5|Decode: Guest bytes do not decode into an IR block.")
)

// Compile (C) errors. Wrapped by *CompileError as its Cause.
var (
	ErrCUnsupported       = errors.New("C1|Unsupported: Backend cannot lower an op in this block.")
	ErrCResourceExhausted = errors.New("C2|ResourceExhausted: Executable memory budget is spent.")
	ErrCBackend           = errors.New("C3|Backend: Backend failed while producing code.")
	ErrCCanceled          = errors.New("C4|Canceled: Compilation was abandoned during shutdown.")
)

// Cache (K) errors.
var (
	ErrKStale          = errors.New("K1|Stale: Block was invalidated while it was being compiled.")
	ErrKHashMismatch   = errors.New("K2|HashMismatch: Published block does not match the IR it was requested for.")
	ErrKBudgetExceeded = errors.New("K3|BudgetExceeded: Executable arena has no room for the request.")
	ErrKNoDisassembler = errors.New("K4|NoDisassembler: No disassembler for the backend architecture.")
)

// Engine (E) errors.
var (
	ErrEShutdown   = errors.New("E1|Shutdown: Engine is shutting down.")
	ErrEFatal      = errors.New("E2|Fatal: Engine aborted after an internal invariant violation.")
	ErrEQueueFull  = errors.New("E3|QueueFull: Compile queue is full.")
	ErrEStoreClose = errors.New("E4|StoreClosed: AOT metadata store is closed.")
)

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
