//go:build unix

package codecache

import (
	"fmt"

	"github.com/colorfulnotion/tiervm/log"
	"golang.org/x/sys/unix"
)

// MmapArena maps each region separately, writes the code, then drops write
// permission. With exec set the region becomes read+execute.
type MmapArena struct {
	budget
	exec     bool
	pageSize int
}

func NewMmapArena(limit int64, exec bool) *MmapArena {
	if limit <= 0 {
		limit = DefaultArenaBudget
	}
	return &MmapArena{budget: budget{limit: limit}, exec: exec, pageSize: unix.Getpagesize()}
}

// NewArena returns the best arena for the platform.
func NewArena(limit int64, exec bool) Arena { return NewMmapArena(limit, exec) }

func (a *MmapArena) Alloc(code []byte) (*Region, error) {
	if len(code) == 0 {
		return &Region{}, nil
	}
	length := (len(code) + a.pageSize - 1) &^ (a.pageSize - 1)
	if err := a.reserve(int64(length)); err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		a.release(int64(length))
		return nil, fmt.Errorf("mmap %d bytes: %w", length, err)
	}
	copy(mem, code)
	prot := unix.PROT_READ
	if a.exec {
		prot |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(mem, prot); err != nil {
		unix.Munmap(mem)
		a.release(int64(length))
		return nil, fmt.Errorf("mprotect: %w", err)
	}
	return &Region{mem: mem, size: len(code), reserved: int64(length), mapped: true}, nil
}

func (a *MmapArena) Free(r *Region) {
	if r == nil || r.mem == nil {
		return
	}
	if r.mapped {
		if err := unix.Munmap(r.mem[:cap(r.mem)]); err != nil {
			log.Warn(log.CacheMonitoring, "codecache: munmap failed", "err", err)
		}
	}
	a.release(r.reserved)
	r.mem = nil
}

func (a *MmapArena) Used() int64   { return a.used.Load() }
func (a *MmapArena) Budget() int64 { return a.limit }
