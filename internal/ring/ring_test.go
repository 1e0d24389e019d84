package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-cndm/internal/dma"
)

func TestValidSize(t *testing.T) {
	tests := []struct {
		size int
		ok   bool
	}{
		{1, false},
		{2, true},
		{3, false},
		{256, true},
		{1000, false},
		{65536, true},
		{131072, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidSize(tt.size), "size %d", tt.size)
	}
}

func TestNewRing(t *testing.T) {
	alloc := dma.NewHeapAllocator(dma.HeapConfig{})

	_, err := New(alloc, 100)
	assert.ErrorIs(t, err, ErrBadSize)

	r, err := New(alloc, 256)
	require.NoError(t, err)
	assert.Equal(t, uint32(255), r.Mask)
	assert.Equal(t, uint32(8), r.LogSize)
	assert.Len(t, r.Region.Mem, 256*SlotSize)

	r.Free(alloc)
	r.Free(alloc)
	assert.Equal(t, 0, alloc.OutstandingCoherent())
}

func TestIndexWrap(t *testing.T) {
	alloc := dma.NewHeapAllocator(dma.HeapConfig{})
	r, err := New(alloc, 8)
	require.NoError(t, err)

	r.Prod = 0xfffffffe
	r.Cons = 0xfffffffa
	assert.Equal(t, uint32(4), r.Used())
	assert.Equal(t, uint32(4), r.Space())

	r.Prod += 4 // wraps past zero
	assert.Equal(t, uint32(8), r.Used())
	assert.True(t, r.Full())
	assert.Equal(t, uint32(0x0002), r.DoorbellValue())

	// slot of an index ignores the upper bits
	r.Slot(0xfffffffa)[0] = 0x11
	assert.Equal(t, byte(0x11), r.Slot(2)[0])
}

func TestPhaseTogglesOncePerWrap(t *testing.T) {
	const size = 16
	alloc := dma.NewHeapAllocator(dma.HeapConfig{})
	r, err := New(alloc, size)
	require.NoError(t, err)

	toggles := 0
	prev := r.Phase(0)
	for idx := uint32(1); idx <= 5*size; idx++ {
		if p := r.Phase(idx); p != prev {
			toggles++
			assert.Zero(t, idx%size, "toggle at index %d", idx)
			prev = p
		}
	}
	assert.Equal(t, 5, toggles)
}

func TestCplReady(t *testing.T) {
	const size = 4
	alloc := dma.NewHeapAllocator(dma.HeapConfig{})
	r, err := New(alloc, size)
	require.NoError(t, err)

	// zeroed ring holds nothing
	assert.False(t, r.CplReady(TailPhase(r.LoadTail(0))))

	for idx := uint32(0); idx < 3*size; idx++ {
		slot := r.Slot(idx)
		r.StoreTail(idx, TailWithPhase(slot, CplPhaseFor(size, idx)))
		r.Cons = idx
		assert.True(t, r.CplReady(TailPhase(r.LoadTail(idx))), "index %d", idx)

		// the record left behind by the previous generation is stale
		r.Cons = idx + size
		assert.False(t, r.CplReady(TailPhase(r.LoadTail(idx))), "stale index %d", idx)
	}
}

func TestTailPhase(t *testing.T) {
	slot := make([]byte, SlotSize)
	slot[12], slot[13], slot[14] = 1, 2, 3
	tail := TailWithPhase(slot, 0x80)
	assert.Equal(t, uint8(0x80), TailPhase(tail))
}
