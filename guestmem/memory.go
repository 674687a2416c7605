// Package guestmem is a sparse paged guest memory with per-page permissions.
package guestmem

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

const (
	PageSize  = 4096
	pageShift = 12
)

type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

type page struct {
	mu   sync.RWMutex
	perm Perm
	data [PageSize]byte
}

// CodeWriteHook is told about every write that lands on an executable page
// and about executable ranges that are remapped, as [lo, hi).
type CodeWriteHook func(lo, hi uint64)

// Memory implements ir.Memory. It is safe for concurrent use by many vCPUs.
type Memory struct {
	mu    sync.RWMutex
	pages map[uint64]*page

	hookMu sync.RWMutex
	hooks  []CodeWriteHook
}

func New() *Memory {
	return &Memory{pages: make(map[uint64]*page)}
}

func pageRange(addr, size uint64) (first, last uint64) {
	first = addr >> pageShift
	last = (addr + size - 1) >> pageShift
	return
}

// Map maps fresh zeroed pages covering [addr, addr+size). Already mapped pages
// are an error.
func (m *Memory) Map(addr, size uint64, perm Perm) error {
	if size == 0 {
		return fmt.Errorf("map %#x: empty range", addr)
	}
	first, last := pageRange(addr, size)
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := first; p <= last; p++ {
		if _, ok := m.pages[p]; ok {
			return fmt.Errorf("map %#x: page %#x already mapped", addr, p<<pageShift)
		}
	}
	for p := first; p <= last; p++ {
		m.pages[p] = &page{perm: perm}
	}
	log.Debug(log.GuestMonitoring, "guestmem: map", "addr", fmt.Sprintf("%#x", addr), "pages", last-first+1, "perm", perm)
	return nil
}

// Protect changes the permission of mapped pages. Dropping exec on a code page
// is reported to the code-write hooks.
func (m *Memory) Protect(addr, size uint64, perm Perm) error {
	first, last := pageRange(addr, size)
	wasExec := false
	m.mu.RLock()
	for p := first; p <= last; p++ {
		pg, ok := m.pages[p]
		if !ok {
			m.mu.RUnlock()
			return &vmerrors.Fault{Addr: p << pageShift, Size: int(size), Access: vmerrors.AccessWrite, Reason: vmerrors.FaultUnmapped}
		}
		pg.mu.Lock()
		wasExec = wasExec || pg.perm&PermExec != 0
		pg.perm = perm
		pg.mu.Unlock()
	}
	m.mu.RUnlock()
	if wasExec {
		m.notify(first<<pageShift, (last+1)<<pageShift)
	}
	return nil
}

// Unmap removes pages; executable ranges are reported to the hooks.
func (m *Memory) Unmap(addr, size uint64) {
	first, last := pageRange(addr, size)
	wasExec := false
	m.mu.Lock()
	for p := first; p <= last; p++ {
		if pg, ok := m.pages[p]; ok {
			wasExec = wasExec || pg.perm&PermExec != 0
			delete(m.pages, p)
		}
	}
	m.mu.Unlock()
	if wasExec {
		m.notify(first<<pageShift, (last+1)<<pageShift)
	}
}

// OnCodeWrite registers a hook, typically the engine's invalidation path.
func (m *Memory) OnCodeWrite(h CodeWriteHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hookMu.Unlock()
}

func (m *Memory) notify(lo, hi uint64) {
	m.hookMu.RLock()
	hooks := m.hooks
	m.hookMu.RUnlock()
	for _, h := range hooks {
		h(lo, hi)
	}
}

func (m *Memory) lookup(pn uint64) *page {
	m.mu.RLock()
	pg := m.pages[pn]
	m.mu.RUnlock()
	return pg
}

func fault(addr uint64, size int, acc vmerrors.Access, reason vmerrors.FaultReason) error {
	return &vmerrors.Fault{Addr: addr, Size: size, Access: acc, Reason: reason}
}

func checkSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("unsupported access size %d", size)
}

// access runs fn on the byte span [addr, addr+size) page by page, holding each
// page's lock. Spans crossing a page boundary are not atomic.
func (m *Memory) access(addr uint64, size int, acc vmerrors.Access, write bool, fn func(pg *page, off uint64, span []byte, pos int)) (exec bool, err error) {
	need := PermRead
	if acc == vmerrors.AccessWrite {
		need = PermWrite
	} else if acc == vmerrors.AccessExecute {
		need = PermExec
	}
	pos := 0
	for pos < size {
		a := addr + uint64(pos)
		pg := m.lookup(a >> pageShift)
		if pg == nil {
			return exec, fault(addr, size, acc, vmerrors.FaultUnmapped)
		}
		off := a & (PageSize - 1)
		n := size - pos
		if rem := int(PageSize - off); n > rem {
			n = rem
		}
		if write {
			pg.mu.Lock()
		} else {
			pg.mu.RLock()
		}
		if pg.perm&need == 0 {
			if write {
				pg.mu.Unlock()
			} else {
				pg.mu.RUnlock()
			}
			return exec, fault(addr, size, acc, vmerrors.FaultProtection)
		}
		exec = exec || pg.perm&PermExec != 0
		fn(pg, off, pg.data[off:off+uint64(n)], pos)
		if write {
			pg.mu.Unlock()
		} else {
			pg.mu.RUnlock()
		}
		pos += n
	}
	return exec, nil
}

func (m *Memory) Load(addr uint64, size int) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	var buf [8]byte
	_, err := m.access(addr, size, vmerrors.AccessRead, false, func(_ *page, _ uint64, span []byte, pos int) {
		copy(buf[pos:], span)
	})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Memory) Store(addr uint64, size int, val uint64) error {
	if err := checkSize(size); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	exec, err := m.access(addr, size, vmerrors.AccessWrite, true, func(_ *page, _ uint64, span []byte, pos int) {
		copy(span, buf[pos:pos+len(span)])
	})
	if err != nil {
		return err
	}
	if exec {
		m.notify(addr, addr+uint64(size))
	}
	return nil
}

// CompareAndSwap requires a naturally aligned access so it never spans pages.
func (m *Memory) CompareAndSwap(addr uint64, size int, old, newVal uint64) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	if addr%uint64(size) != 0 {
		return 0, fmt.Errorf("misaligned %d-byte compare-and-swap at %#x", size, addr)
	}
	mask := ^uint64(0)
	if size < 8 {
		mask = 1<<(uint(size)*8) - 1
	}
	var prev uint64
	swapped := false
	exec, err := m.access(addr, size, vmerrors.AccessWrite, true, func(_ *page, _ uint64, span []byte, _ int) {
		var buf [8]byte
		copy(buf[:], span)
		prev = binary.LittleEndian.Uint64(buf[:])
		if prev == old&mask {
			binary.LittleEndian.PutUint64(buf[:], newVal)
			copy(span, buf[:size])
			swapped = true
		}
	})
	if err != nil {
		return 0, err
	}
	if exec && swapped {
		m.notify(addr, addr+uint64(size))
	}
	return prev, nil
}

func (m *Memory) Fetch(addr uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		a := addr + uint64(len(out))
		pg := m.lookup(a >> pageShift)
		if pg == nil || pg.perm&PermExec == 0 {
			break
		}
		off := a & (PageSize - 1)
		take := n - len(out)
		if rem := int(PageSize - off); take > rem {
			take = rem
		}
		pg.mu.RLock()
		out = append(out, pg.data[off:off+uint64(take)]...)
		pg.mu.RUnlock()
	}
	if len(out) == 0 {
		reason := vmerrors.FaultUnmapped
		if m.lookup(addr>>pageShift) != nil {
			reason = vmerrors.FaultProtection
		}
		return nil, fault(addr, n, vmerrors.AccessExecute, reason)
	}
	return out, nil
}

// WriteBytes copies data into mapped memory regardless of write permission.
// Loaders use it to place code; code-write hooks still fire.
func (m *Memory) WriteBytes(addr uint64, data []byte) error {
	exec := false
	for pos := 0; pos < len(data); {
		a := addr + uint64(pos)
		pg := m.lookup(a >> pageShift)
		if pg == nil {
			return fault(a, len(data)-pos, vmerrors.AccessWrite, vmerrors.FaultUnmapped)
		}
		off := a & (PageSize - 1)
		pg.mu.Lock()
		n := copy(pg.data[off:], data[pos:])
		exec = exec || pg.perm&PermExec != 0
		pg.mu.Unlock()
		pos += n
	}
	if exec && len(data) > 0 {
		m.notify(addr, addr+uint64(len(data)))
	}
	return nil
}

// ReadBytes copies n bytes out of mapped memory regardless of permission.
func (m *Memory) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		a := addr + uint64(len(out))
		pg := m.lookup(a >> pageShift)
		if pg == nil {
			return nil, fault(a, n-len(out), vmerrors.AccessRead, vmerrors.FaultUnmapped)
		}
		off := a & (PageSize - 1)
		take := n - len(out)
		if rem := int(PageSize - off); take > rem {
			take = rem
		}
		pg.mu.RLock()
		out = append(out, pg.data[off:off+uint64(take)]...)
		pg.mu.RUnlock()
	}
	return out, nil
}

// Region describes a run of contiguous pages with one permission.
type Region struct {
	Start uint64
	Size  uint64
	Perm  Perm
}

// Regions lists mapped memory coalesced by permission, lowest address first.
func (m *Memory) Regions() []Region {
	m.mu.RLock()
	pns := make([]uint64, 0, len(m.pages))
	perms := make(map[uint64]Perm, len(m.pages))
	for pn, pg := range m.pages {
		pns = append(pns, pn)
		pg.mu.RLock()
		perms[pn] = pg.perm
		pg.mu.RUnlock()
	}
	m.mu.RUnlock()
	sort.Slice(pns, func(i, j int) bool { return pns[i] < pns[j] })

	var out []Region
	for _, pn := range pns {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Start+last.Size == pn<<pageShift && last.Perm == perms[pn] {
				last.Size += PageSize
				continue
			}
		}
		out = append(out, Region{Start: pn << pageShift, Size: PageSize, Perm: perms[pn]})
	}
	return out
}
