package guestmem

import (
	"errors"
	"sync"
	"testing"

	"github.com/colorfulnotion/tiervm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStoreAcrossPages(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x10000, 2*PageSize, PermRW))

	addr := uint64(0x10000 + PageSize - 3)
	require.NoError(t, m.Store(addr, 8, 0x1122334455667788))
	v, err := m.Load(addr, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)

	v, err = m.Load(addr, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7788), v)
}

func TestFaults(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x1000, PageSize, PermRX))

	err := m.Store(0x1000, 4, 1)
	var f *vmerrors.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, vmerrors.FaultProtection, f.Reason)
	assert.Equal(t, vmerrors.AccessWrite, f.Access)

	_, err = m.Load(0x9000, 8)
	require.True(t, errors.As(err, &f))
	assert.Equal(t, vmerrors.FaultUnmapped, f.Reason)

	require.NoError(t, m.Map(0x3000, PageSize, PermRW))
	_, err = m.Fetch(0x3000, 16)
	require.True(t, errors.As(err, &f))
	assert.Equal(t, vmerrors.FaultProtection, f.Reason)

	assert.Error(t, m.Map(0x1000, 1, PermRW), "double map")
}

func TestFetchStopsAtExecBoundary(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x1000, PageSize, PermRX))
	require.NoError(t, m.Map(0x2000, PageSize, PermRW))
	b, err := m.Fetch(0x2000-8, 64)
	require.NoError(t, err)
	assert.Len(t, b, 8)
}

func TestCodeWriteHook(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x1000, PageSize, PermRWX))
	require.NoError(t, m.Map(0x2000, PageSize, PermRW))

	var got [][2]uint64
	m.OnCodeWrite(func(lo, hi uint64) { got = append(got, [2]uint64{lo, hi}) })

	require.NoError(t, m.Store(0x2000, 8, 1))
	assert.Empty(t, got, "data page writes are not code writes")

	require.NoError(t, m.Store(0x1010, 4, 1))
	require.NoError(t, m.WriteBytes(0x1100, []byte{1, 2, 3}))
	m.Unmap(0x1000, PageSize)
	assert.Equal(t, [][2]uint64{{0x1010, 0x1014}, {0x1100, 0x1103}, {0x1000, 0x2000}}, got)
}

func TestCompareAndSwap(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0, PageSize, PermRW))

	prev, err := m.CompareAndSwap(8, 4, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prev)
	prev, err = m.CompareAndSwap(8, 4, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), prev)
	v, _ := m.Load(8, 4)
	assert.Equal(t, uint64(5), v)

	_, err = m.CompareAndSwap(6, 4, 0, 1)
	assert.Error(t, err)
}

func TestConcurrentCASIncrement(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0, PageSize, PermRW))
	const workers, iters = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				for {
					cur, _ := m.Load(64, 8)
					prev, err := m.CompareAndSwap(64, 8, cur, cur+1)
					if err != nil {
						t.Error(err)
						return
					}
					if prev == cur {
						break
					}
				}
			}
		}()
	}
	wg.Wait()
	v, _ := m.Load(64, 8)
	assert.Equal(t, uint64(workers*iters), v)
}

func TestRegions(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x1000, 2*PageSize, PermRX))
	require.NoError(t, m.Map(0x3000, PageSize, PermRW))
	assert.Equal(t, []Region{
		{Start: 0x1000, Size: 2 * PageSize, Perm: PermRX},
		{Start: 0x3000, Size: PageSize, Perm: PermRW},
	}, m.Regions())
	assert.Equal(t, "r-x", PermRX.String())
}
