package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/tiervm/ir"
)

// State is what a vCPU is doing right now.
type State uint32

const (
	Interpreting State = iota
	ExecutingCompiled
	Halted
	Faulted
)

func (s State) String() string {
	switch s {
	case Interpreting:
		return "interpreting"
	case ExecutingCompiled:
		return "executing-compiled"
	case Halted:
		return "halted"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// ExitReason says why Run returned.
type ExitReason uint8

const (
	ExitHalted ExitReason = iota
	ExitShutdown
	ExitFault
	ExitFatal
	ExitStepLimit
)

func (r ExitReason) String() string {
	switch r {
	case ExitHalted:
		return "halted"
	case ExitShutdown:
		return "shutdown"
	case ExitFault:
		return "fault"
	case ExitFatal:
		return "fatal"
	case ExitStepLimit:
		return "step-limit"
	}
	return fmt.Sprintf("exit(%d)", uint8(r))
}

// VCPU is one guest execution context. It is driven by exactly one
// goroutine at a time; State may be read from any goroutine.
type VCPU struct {
	ID    int
	Guest *ir.GuestState

	state atomic.Uint32

	// Set when Run returns. Err is the trap or fatal error behind
	// ExitFault and ExitFatal.
	Exit ExitReason
	Err  error

	Blocks      uint64
	Compiled    uint64
	Interpreted uint64
	Traps       uint64

	trapStreak int
}

// NewVCPU returns a vCPU with zeroed registers that starts at entry.
func NewVCPU(id int, entry ir.GuestAddress) *VCPU {
	return &VCPU{ID: id, Guest: &ir.GuestState{PC: entry}}
}

func (v *VCPU) State() State { return State(v.state.Load()) }

func (v *VCPU) setState(s State) { v.state.Store(uint32(s)) }

func (v *VCPU) String() string {
	return fmt.Sprintf("vcpu%d@%s(%s)", v.ID, v.Guest.PC, v.State())
}
