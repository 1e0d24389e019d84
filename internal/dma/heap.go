package dma

import (
	"fmt"
	"sync"
	"unsafe"
)

const iovaPageShift = 12

// HeapConfig bounds a HeapAllocator
type HeapConfig struct {
	// MaxPages limits outstanding pages, 0 means unlimited
	MaxPages int
	// MaxCoherentBytes limits outstanding coherent memory, 0 means unlimited
	MaxCoherentBytes int
}

// HeapAllocator hands out Go heap memory with synthetic bus addresses.
// Resolve translates those addresses back, which is how the simulated device
// performs its DMA.
type HeapAllocator struct {
	cfg HeapConfig

	mu            sync.Mutex
	nextIOVA      uint64
	table         map[uint64]*mapping // keyed by iova >> 12
	pages         int
	coherentBytes int
	mapFailures   int
}

type mapping struct {
	base uint64
	mem  []byte
}

// NewHeapAllocator creates an allocator over the Go heap
func NewHeapAllocator(cfg HeapConfig) *HeapAllocator {
	return &HeapAllocator{
		cfg:      cfg,
		nextIOVA: 1 << 32,
		table:    make(map[uint64]*mapping),
	}
}

func (a *HeapAllocator) insertLocked(mem []byte) uint64 {
	base := a.nextIOVA
	span := (uint64(len(mem)) + PageSize - 1) &^ (PageSize - 1)
	a.nextIOVA += span + PageSize // guard page between mappings

	m := &mapping{base: base, mem: mem}
	for off := uint64(0); off < span; off += PageSize {
		a.table[(base+off)>>iovaPageShift] = m
	}
	return base
}

func (a *HeapAllocator) removeLocked(base uint64, size int) {
	span := (uint64(size) + PageSize - 1) &^ (PageSize - 1)
	for off := uint64(0); off < span; off += PageSize {
		delete(a.table, (base+off)>>iovaPageShift)
	}
}

// AllocCoherent allocates a zeroed, 8-byte aligned region
func (a *HeapAllocator) AllocCoherent(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.MaxCoherentBytes > 0 && a.coherentBytes+size > a.cfg.MaxCoherentBytes {
		return nil, fmt.Errorf("coherent alloc of %d bytes: %w", size, ErrNoMemory)
	}

	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	iova := a.insertLocked(mem)
	a.coherentBytes += size

	return &Region{Mem: mem, IOVA: iova}, nil
}

// FreeCoherent releases a region. Freeing nil is a no-op.
func (a *HeapAllocator) FreeCoherent(r *Region) {
	if r == nil || r.Mem == nil {
		return
	}
	a.mu.Lock()
	a.removeLocked(r.IOVA, len(r.Mem))
	a.coherentBytes -= len(r.Mem)
	a.mu.Unlock()
	r.Mem = nil
}

// AllocPage returns a zeroed page from the pool
func (a *HeapAllocator) AllocPage() (*Page, error) {
	a.mu.Lock()
	if a.cfg.MaxPages > 0 && a.pages >= a.cfg.MaxPages {
		a.mu.Unlock()
		return nil, ErrNoMemory
	}
	a.pages++
	a.mu.Unlock()

	return &Page{Data: getPageBuf()}, nil
}

// FreePage returns a page to the pool. Freeing nil is a no-op.
func (a *HeapAllocator) FreePage(p *Page) {
	if p == nil || p.Data == nil {
		return
	}
	putPageBuf(p.Data)
	p.Data = nil

	a.mu.Lock()
	a.pages--
	a.mu.Unlock()
}

// MapPage makes the page visible to the device
func (a *HeapAllocator) MapPage(p *Page, dir Direction) (uint64, error) {
	if p == nil || p.Data == nil {
		return 0, ErrMapFailed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mapFailures > 0 {
		a.mapFailures--
		return 0, ErrMapFailed
	}
	return a.insertLocked(p.Data), nil
}

// UnmapPage removes a streaming mapping
func (a *HeapAllocator) UnmapPage(p *Page, iova uint64, dir Direction) {
	if p == nil {
		return
	}
	a.mu.Lock()
	a.removeLocked(iova, len(p.Data))
	a.mu.Unlock()
}

// Resolve returns the memory behind [iova, iova+length)
func (a *HeapAllocator) Resolve(iova uint64, length int) ([]byte, error) {
	a.mu.Lock()
	m, ok := a.table[iova>>iovaPageShift]
	a.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("iova 0x%x: %w", iova, ErrNotMapped)
	}
	off := iova - m.base
	if off+uint64(length) > uint64(len(m.mem)) {
		return nil, fmt.Errorf("iova 0x%x+%d beyond mapping: %w", iova, length, ErrNotMapped)
	}
	return m.mem[off : off+uint64(length)], nil
}

// InjectMapFailures makes the next n MapPage calls fail
func (a *HeapAllocator) InjectMapFailures(n int) {
	a.mu.Lock()
	a.mapFailures = n
	a.mu.Unlock()
}

// OutstandingPages returns the number of pages not yet freed
func (a *HeapAllocator) OutstandingPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages
}

// OutstandingCoherent returns the number of coherent bytes not yet freed
func (a *HeapAllocator) OutstandingCoherent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coherentBytes
}

// Mappings returns the number of live device mappings
func (a *HeapAllocator) Mappings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[*mapping]struct{})
	for _, m := range a.table {
		seen[m] = struct{}{}
	}
	return len(seen)
}

var _ Allocator = (*HeapAllocator)(nil)
