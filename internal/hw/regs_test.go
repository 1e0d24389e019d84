package hw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestMMIO(size int) *MMIO {
	return NewRegisterFile(size)
}

func TestMMIOReadWrite(t *testing.T) {
	m := newTestMMIO(64)

	m.Write32(0x10, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), m.Read32(0x10))
	assert.Equal(t, uint32(0), m.Read32(0x14))

	// out of range and unaligned accesses
	assert.Equal(t, uint32(0xffffffff), m.Read32(0x40))
	assert.Equal(t, uint32(0xffffffff), m.Read32(0x11))
	m.Write32(0x40, 1)
	m.Write32(0x13, 1)
	assert.Equal(t, uint32(0xdeadbeef), m.Read32(0x10))
	assert.NoError(t, m.Close())
}

func TestWindow(t *testing.T) {
	m := newTestMMIO(0x100)
	w := Window(m, 0x40)
	w.Write32(0x8, 7)
	assert.Equal(t, uint32(7), m.Read32(0x48))

	nested := Window(w, 0x10)
	nested.Write32(0, 9)
	assert.Equal(t, uint32(9), m.Read32(0x50))
	assert.Equal(t, uint32(9), w.Read32(0x10))
}

func TestRead64Write64(t *testing.T) {
	m := newTestMMIO(16)
	Write64(m, 0x0, 0x4, 0x0000000412345678)
	assert.Equal(t, uint32(0x12345678), m.Read32(0))
	assert.Equal(t, uint32(4), m.Read32(4))
	assert.Equal(t, uint64(0x0000000412345678), Read64(m, 0x0, 0x4))
}
