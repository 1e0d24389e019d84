package interfaces

import (
	"github.com/ehrlich-b/go-cndm/internal/ptp"
	"github.com/ehrlich-b/go-cndm/internal/queue"
)

// Handler receives the frames a port delivers. The frame's buffer belongs to
// the handler, which must call Release when done with it. HandleFrame runs
// on the port's RX poller and should not block.
type Handler interface {
	HandleFrame(port int, frame *queue.Frame)
}

// TxTimestampHandler is an optional interface for handlers that want the
// hardware transmit timestamp of each sent frame. Timestamps are only
// reported while TX timestamping is switched on for the port.
type TxTimestampHandler interface {
	Handler

	HandleTxTimestamp(port int, ts ptp.Timestamp)
}

// Logger is the minimal logging interface accepted by Options
type Logger interface {
	Printf(format string, args ...any)
}
