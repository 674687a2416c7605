package ir

// Reservation is the load-reserved address tracked for store-conditional.
type Reservation struct {
	Valid bool
	Addr  uint64
	Size  uint8
	Value uint64 // memory value observed by the load
}

// GuestState is the architectural register state of one vCPU.
type GuestState struct {
	PC   GuestAddress
	X    [NumRegs]uint64
	F    [NumRegs]uint64
	V    [NumRegs]Vec
	Resv Reservation
}

func (s *GuestState) Clone() *GuestState {
	c := *s
	return &c
}

// Outcome is the result of executing one block.
type Outcome struct {
	Next   GuestAddress
	Halted bool
}

// Memory is the guest memory subsystem. Accesses of 1, 2, 4 or 8 bytes are
// little endian. Invalid accesses return a *vmerrors.Fault.
type Memory interface {
	Load(addr uint64, size int) (uint64, error)
	Store(addr uint64, size int, val uint64) error
	// CompareAndSwap stores newVal if the current value equals old and
	// returns the value observed before the operation.
	CompareAndSwap(addr uint64, size int, old, newVal uint64) (uint64, error)
	// Fetch returns up to n executable bytes starting at addr. A short
	// result means the executable mapping ends early.
	Fetch(addr uint64, n int) ([]byte, error)
}

// Decoder lifts guest bytes at an address into an IR block.
type Decoder interface {
	Decode(addr GuestAddress, code []byte) (*Block, error)
}
