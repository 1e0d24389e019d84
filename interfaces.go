package cndm

import (
	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/interfaces"
	"github.com/ehrlich-b/go-cndm/internal/irq"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
	"github.com/ehrlich-b/go-cndm/internal/queue"
)

// Handler receives frames from a port's RX poller
type Handler = interfaces.Handler

// TxTimestampHandler is an optional Handler extension for transmit
// timestamps
type TxTimestampHandler = interfaces.TxTimestampHandler

// Logger is the minimal logging interface accepted by Options
type Logger = interfaces.Logger

// Frame is a received packet. Call Release when done with its data.
type Frame = queue.Frame

// Timestamp is a PTP hardware clock time
type Timestamp = ptp.Timestamp

// Clock is the device's PTP hardware clock
type Clock = ptp.Clock

// Registers is a 32-bit register block, normally BAR0
type Registers = hw.Registers

// Allocator provides DMA memory
type Allocator = dma.Allocator

// InterruptSource feeds device interrupts to the port pollers
type InterruptSource = irq.Source

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(port int, frame *Frame)

// HandleFrame calls f(port, frame)
func (f HandlerFunc) HandleFrame(port int, frame *Frame) {
	f(port, frame)
}

var _ Handler = HandlerFunc(nil)
