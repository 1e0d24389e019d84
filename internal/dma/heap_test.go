package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoherentResolve(t *testing.T) {
	a := NewHeapAllocator(HeapConfig{})

	r, err := a.AllocCoherent(256 * 16)
	require.NoError(t, err)
	assert.Len(t, r.Mem, 4096)
	assert.Equal(t, 4096, a.OutstandingCoherent())

	r.Mem[100] = 0x5a
	got, err := a.Resolve(r.IOVA+96, 8)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), got[4])

	_, err = a.Resolve(r.IOVA+4090, 16)
	assert.ErrorIs(t, err, ErrNotMapped)

	a.FreeCoherent(r)
	a.FreeCoherent(r)
	assert.Equal(t, 0, a.OutstandingCoherent())
	_, err = a.Resolve(r.IOVA, 1)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestCoherentInvalidSize(t *testing.T) {
	a := NewHeapAllocator(HeapConfig{})
	_, err := a.AllocCoherent(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestCoherentLimit(t *testing.T) {
	a := NewHeapAllocator(HeapConfig{MaxCoherentBytes: 8192})
	_, err := a.AllocCoherent(4096)
	require.NoError(t, err)
	_, err = a.AllocCoherent(8192)
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestPageLifecycle(t *testing.T) {
	a := NewHeapAllocator(HeapConfig{MaxPages: 2})

	p1, err := a.AllocPage()
	require.NoError(t, err)
	p2, err := a.AllocPage()
	require.NoError(t, err)
	_, err = a.AllocPage()
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, 2, a.OutstandingPages())

	iova, err := a.MapPage(p1, FromDevice)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Mappings())

	dev, err := a.Resolve(iova, PageSize)
	require.NoError(t, err)
	dev[0] = 0xaa
	assert.Equal(t, byte(0xaa), p1.Data[0])

	a.UnmapPage(p1, iova, FromDevice)
	assert.Equal(t, 0, a.Mappings())

	a.FreePage(p1)
	a.FreePage(p2)
	a.FreePage(nil)
	assert.Equal(t, 0, a.OutstandingPages())
}

func TestInjectMapFailures(t *testing.T) {
	a := NewHeapAllocator(HeapConfig{})
	p, err := a.AllocPage()
	require.NoError(t, err)

	a.InjectMapFailures(1)
	_, err = a.MapPage(p, ToDevice)
	assert.ErrorIs(t, err, ErrMapFailed)

	_, err = a.MapPage(p, ToDevice)
	assert.NoError(t, err)
}

func TestPoolReturnsZeroedPages(t *testing.T) {
	buf := getPageBuf()
	require.Len(t, buf, PageSize)
	buf[10] = 1
	putPageBuf(buf)

	again := getPageBuf()
	assert.Equal(t, byte(0), again[10])

	// foreign buffers are ignored
	putPageBuf(make([]byte, 10))
}
