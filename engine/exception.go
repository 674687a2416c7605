package engine

import (
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// ExceptionHandler receives every trap a vCPU raises. It returns where the
// vCPU resumes, or false to stop it with ExitFault.
type ExceptionHandler interface {
	HandleTrap(v *VCPU, t *vmerrors.Trap) (ir.GuestAddress, bool)
}

// HaltOnTrap stops the vCPU on any trap.
type HaltOnTrap struct{}

func (HaltOnTrap) HandleTrap(v *VCPU, t *vmerrors.Trap) (ir.GuestAddress, bool) {
	return 0, false
}

// TrapVector transfers control to a guest handler at Vector. The trap kind,
// the start of the trapping block and the faulting data address are written
// to CauseReg, EPCReg and AddrReg. MaxNesting bounds how many traps may be
// delivered in a row without any block completing; past it the vCPU stops.
type TrapVector struct {
	Vector     ir.GuestAddress
	CauseReg   ir.Reg
	EPCReg     ir.Reg
	AddrReg    ir.Reg
	MaxNesting int
}

func (h TrapVector) HandleTrap(v *VCPU, t *vmerrors.Trap) (ir.GuestAddress, bool) {
	if h.MaxNesting > 0 && v.trapStreak > h.MaxNesting {
		log.Warn(log.EngineMonitoring, "trap nesting limit reached", "vcpu", v.ID, "depth", v.trapStreak, "trap", t)
		return 0, false
	}
	v.Guest.X[h.CauseReg] = uint64(t.Kind)
	v.Guest.X[h.EPCReg] = t.PC
	v.Guest.X[h.AddrReg] = t.Addr
	return h.Vector, true
}
