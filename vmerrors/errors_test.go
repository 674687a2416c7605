package vmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetErrorCodeAndName(t *testing.T) {
	assert.Equal(t, "C2", GetErrorCode(ErrCResourceExhausted))
	assert.Equal(t, "ResourceExhausted", GetErrorName(ErrCResourceExhausted))
	assert.Equal(t, "K1_Stale", GetErrorCodeWithName(ErrKStale))
	assert.Equal(t, "No Error", GetErrorName(nil))
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
}

func TestTrapUnwrapsKindAndCause(t *testing.T) {
	fault := &Fault{Addr: 0x4000, Size: 8, Access: AccessWrite, Reason: FaultProtection}
	var err error = &Trap{Kind: TrapMemoryFault, PC: 0x1000, OpIndex: 2, Addr: 0x4000, Cause: fault}
	err = fmt.Errorf("vcpu 0: %w", err)

	assert.True(t, errors.Is(err, ErrTMemoryFault))
	var got *Fault
	require.True(t, errors.As(err, &got))
	assert.Equal(t, uint64(0x4000), got.Addr)
	assert.Contains(t, err.Error(), "protection fault on 8-byte write")

	var trap *Trap
	require.True(t, errors.As(err, &trap))
	assert.Equal(t, "MemoryFault", trap.Kind.String())
}

func TestCompileErrorIsNotFatal(t *testing.T) {
	err := &CompileError{Reason: CompileUnsupported, Addr: 0x2000, Tier: "optimized"}
	assert.True(t, errors.Is(err, ErrCUnsupported))
	assert.False(t, IsFatal(err))

	inv := &InvariantError{What: "publish", Addr: 0x2000, Err: ErrKHashMismatch}
	assert.True(t, IsFatal(fmt.Errorf("wrap: %w", inv)))
	assert.True(t, errors.Is(inv, ErrEFatal))
	assert.True(t, errors.Is(inv, ErrKHashMismatch))
}
