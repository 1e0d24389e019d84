// Package hw provides access to device register blocks
package hw

import (
	"sync/atomic"
	"unsafe"
)

// Registers is a 32-bit register block. Offsets are in bytes.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// MMIO is a register block backed by mapped memory. Accesses are single
// aligned 32-bit loads and stores.
type MMIO struct {
	mem   []byte
	unmap func([]byte) error
}

// NewMMIO wraps an existing mapping. The slice must be 4-byte aligned.
func NewMMIO(mem []byte) *MMIO {
	return &MMIO{mem: mem}
}

// Len returns the size of the mapping in bytes
func (m *MMIO) Len() int {
	return len(m.mem)
}

func (m *MMIO) reg(off uint32) *uint32 {
	if off&3 != 0 || uint64(off)+4 > uint64(len(m.mem)) {
		return nil
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

// Read32 reads a register. Unaligned or out-of-range reads return all ones,
// matching a master abort on the bus.
func (m *MMIO) Read32(off uint32) uint32 {
	p := m.reg(off)
	if p == nil {
		return 0xffffffff
	}
	return atomic.LoadUint32(p)
}

// Write32 writes a register. Unaligned or out-of-range writes are dropped.
func (m *MMIO) Write32(off uint32, val uint32) {
	if p := m.reg(off); p != nil {
		atomic.StoreUint32(p, val)
	}
}

// Close releases the mapping if it was created by MapBAR
func (m *MMIO) Close() error {
	if m.unmap == nil || m.mem == nil {
		return nil
	}
	err := m.unmap(m.mem)
	m.mem = nil
	return err
}

type window struct {
	regs Registers
	base uint32
}

// Window returns a view of regs starting at base
func Window(regs Registers, base uint32) Registers {
	if w, ok := regs.(*window); ok {
		return &window{regs: w.regs, base: w.base + base}
	}
	return &window{regs: regs, base: base}
}

func (w *window) Read32(off uint32) uint32 {
	return w.regs.Read32(w.base + off)
}

func (w *window) Write32(off uint32, val uint32) {
	w.regs.Write32(w.base+off, val)
}

// Read64 reads a 64-bit value split across a low and a high register
func Read64(regs Registers, lo, hi uint32) uint64 {
	return uint64(regs.Read32(lo)) | uint64(regs.Read32(hi))<<32
}

// Write64 writes a 64-bit value as low then high register
func Write64(regs Registers, lo, hi uint32, val uint64) {
	regs.Write32(lo, uint32(val))
	regs.Write32(hi, uint32(val>>32))
}

var (
	_ Registers = (*MMIO)(nil)
	_ Registers = (*window)(nil)
)
