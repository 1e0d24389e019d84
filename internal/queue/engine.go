// Package queue runs the RX and TX rings of a port
package queue

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
)

var (
	ErrQueueFull     = errors.New("queue: submission ring full")
	ErrFrameTooLarge = errors.New("queue: frame exceeds one page")
	ErrEmptyFrame    = errors.New("queue: empty frame")
	ErrNotActive     = errors.New("queue: engine not active")
)

// State is the lifecycle of an engine
type State int32

const (
	StateIdle     State = iota // rings allocated, no traffic
	StateActive                // pollers running
	StateDraining              // shutting down, in-flight buffers being released
	StateReleased              // buffers returned, rings may be freed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// bufInfo tracks the page behind one submission slot. page is nil when the
// slot holds nothing.
type bufInfo struct {
	page *dma.Page
	iova uint64
	len  uint32
}

// Frame is a received packet. The page belongs to the receiver, who must
// call Release once done with Data.
type Frame struct {
	Data      []byte
	Timestamp ptp.Timestamp

	page  *dma.Page
	alloc dma.Allocator
}

// Release returns the frame's page to the allocator. Safe to call twice.
func (f *Frame) Release() {
	if f.page == nil {
		return
	}
	f.alloc.FreePage(f.page)
	f.page = nil
	f.Data = nil
}

// Observer receives per-packet engine events
type Observer interface {
	ObserveRx(bytes uint64)
	ObserveRxDrop()
	ObserveTx(bytes uint64)
	ObserveTxBusy()
	ObserveDoorbell()
	ObserveRefill(posted int)
	ObserveBufferError(err error)
	ObservePoll(done, budget int)
}

// NoOpObserver ignores all events
type NoOpObserver struct{}

func (NoOpObserver) ObserveRx(uint64)         {}
func (NoOpObserver) ObserveRxDrop()           {}
func (NoOpObserver) ObserveTx(uint64)         {}
func (NoOpObserver) ObserveTxBusy()           {}
func (NoOpObserver) ObserveDoorbell()         {}
func (NoOpObserver) ObserveRefill(int)        {}
func (NoOpObserver) ObserveBufferError(error) {}
func (NoOpObserver) ObservePoll(int, int)     {}

var _ Observer = NoOpObserver{}
