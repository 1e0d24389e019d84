//go:build linux

package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	hugePageSize  = 2 << 20
	pagemapPFN    = (uint64(1) << 55) - 1
	pagemapExists = uint64(1) << 63
)

// HugePageAllocator carves rings and packet pages out of locked 2MB huge
// pages and hands the device their physical addresses. It requires the
// device to be bound to a driver without an IOMMU translation, such as
// uio_pci_generic, and CAP_SYS_ADMIN to read /proc/self/pagemap.
type HugePageAllocator struct {
	mu       sync.Mutex
	arenas   []*arena
	freePage []*Page
	cur      *arena
	curOff   int
}

type arena struct {
	mem  []byte
	phys uint64
}

type hugePageRef struct {
	iova uint64
}

// NewHugePageAllocator reserves count huge pages up front
func NewHugePageAllocator(count int) (*HugePageAllocator, error) {
	if count <= 0 {
		return nil, ErrInvalidSize
	}
	a := &HugePageAllocator{}
	for i := 0; i < count; i++ {
		ar, err := newArena()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.arenas = append(a.arenas, ar)
	}
	a.cur = a.arenas[0]
	return a, nil
}

func newArena() (*arena, error) {
	mem, err := unix.Mmap(-1, 0, hugePageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap huge page: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("mlock huge page: %w", err)
	}
	phys, err := virtToPhys(&mem[0])
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &arena{mem: mem, phys: phys}, nil
}

func virtToPhys(p *byte) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("open pagemap: %w", err)
	}
	defer f.Close()

	pageSize := uint64(unix.Getpagesize())
	virt := uint64(uintptrOf(p))
	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(virt/pageSize*8)); err != nil {
		return 0, fmt.Errorf("read pagemap: %w", err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapExists == 0 || v&pagemapPFN == 0 {
		return 0, fmt.Errorf("page not present or pfn hidden: %w", ErrMapFailed)
	}
	return (v&pagemapPFN)*pageSize + virt%pageSize, nil
}

func (a *HugePageAllocator) carveLocked(size int) ([]byte, uint64, error) {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	if size > hugePageSize {
		return nil, 0, ErrInvalidSize
	}
	for {
		if a.curOff+size <= len(a.cur.mem) {
			mem := a.cur.mem[a.curOff : a.curOff+size : a.curOff+size]
			iova := a.cur.phys + uint64(a.curOff)
			a.curOff += size
			return mem, iova, nil
		}
		next := -1
		for i, ar := range a.arenas {
			if ar == a.cur && i+1 < len(a.arenas) {
				next = i + 1
			}
		}
		if next < 0 {
			return nil, 0, ErrNoMemory
		}
		a.cur = a.arenas[next]
		a.curOff = 0
	}
}

// AllocCoherent carves a zeroed region. Regions are not reused after free.
func (a *HugePageAllocator) AllocCoherent(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	mem, iova, err := a.carveLocked(size)
	if err != nil {
		return nil, err
	}
	clear(mem)
	return &Region{Mem: mem[:size], IOVA: iova}, nil
}

func (a *HugePageAllocator) FreeCoherent(r *Region) {
	if r != nil {
		r.Mem = nil
	}
}

func (a *HugePageAllocator) AllocPage() (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.freePage); n > 0 {
		p := a.freePage[n-1]
		a.freePage = a.freePage[:n-1]
		return p, nil
	}
	mem, iova, err := a.carveLocked(PageSize)
	if err != nil {
		return nil, err
	}
	return &Page{Data: mem, priv: hugePageRef{iova: iova}}, nil
}

func (a *HugePageAllocator) FreePage(p *Page) {
	if p == nil || p.Data == nil {
		return
	}
	a.mu.Lock()
	a.freePage = append(a.freePage, p)
	a.mu.Unlock()
}

// MapPage returns the physical address; the memory is already pinned
func (a *HugePageAllocator) MapPage(p *Page, dir Direction) (uint64, error) {
	if p == nil {
		return 0, ErrMapFailed
	}
	ref, ok := p.priv.(hugePageRef)
	if !ok {
		return 0, ErrMapFailed
	}
	return ref.iova, nil
}

func (a *HugePageAllocator) UnmapPage(p *Page, iova uint64, dir Direction) {}

// Close unmaps every huge page
func (a *HugePageAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, ar := range a.arenas {
		if err := unix.Munmap(ar.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.arenas = nil
	a.freePage = nil
	return firstErr
}

var _ Allocator = (*HugePageAllocator)(nil)
