// Package dma allocates memory the device can reach
package dma

import (
	"errors"

	"github.com/ehrlich-b/go-cndm/internal/constants"
)

var (
	ErrNoMemory    = errors.New("dma: out of memory")
	ErrMapFailed   = errors.New("dma: mapping failed")
	ErrInvalidSize = errors.New("dma: invalid size")
	ErrNotMapped   = errors.New("dma: address not mapped")
)

// Direction is the data direction of a streaming mapping
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
)

func (d Direction) String() string {
	if d == ToDevice {
		return "to-device"
	}
	return "from-device"
}

// Region is a coherent allocation shared with the device, such as a ring
type Region struct {
	Mem  []byte
	IOVA uint64

	priv any
}

// Page is one packet buffer
type Page struct {
	Data []byte

	priv any
}

// Allocator provides coherent regions for rings and streaming pages for
// packet buffers.
type Allocator interface {
	AllocCoherent(size int) (*Region, error)
	FreeCoherent(r *Region)

	AllocPage() (*Page, error)
	FreePage(p *Page)

	MapPage(p *Page, dir Direction) (uint64, error)
	UnmapPage(p *Page, iova uint64, dir Direction)
}

// PageSize is the size of every Page
const PageSize = constants.PageSize
