package backend

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/ehrlich-b/go-cndm"
)

// Pcap writes every received frame to a pcapng stream, stamped with the
// hardware receive time, then passes it on to Next. Each port gets its own
// interface block.
type Pcap struct {
	// Next receives frames after they are written. If nil, frames are
	// released.
	Next cndm.Handler

	mu     sync.Mutex
	w      *pcapgo.NgWriter
	closer io.Closer
	intf   map[int]int // port -> interface id
	err    error
	count  uint64
}

const pcapSnapLength = 65536

func portInterface(port int) pcapgo.NgInterface {
	intf := pcapgo.DefaultNgInterface
	intf.Name = "port" + strconv.Itoa(port)
	intf.LinkType = layers.LinkTypeEthernet
	intf.SnapLength = pcapSnapLength
	return intf
}

// NewPcap writes a pcapng section header to w. Port 0 is defined up
// front; other ports are added on their first frame.
func NewPcap(w io.Writer, next cndm.Handler) (*Pcap, error) {
	opts := pcapgo.DefaultNgWriterOptions
	opts.SectionInfo.Application = "cndm"

	nw, err := pcapgo.NewNgWriterInterface(w, portInterface(0), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to write pcapng header: %w", err)
	}
	return &Pcap{
		Next: next,
		w:    nw,
		intf: map[int]int{0: 0},
	}, nil
}

// CreatePcap creates (or truncates) a pcapng file at path
func CreatePcap(path string, next cndm.Handler) (*Pcap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	p, err := NewPcap(f, next)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.closer = f
	return p, nil
}

// HandleFrame implements cndm.Handler
func (p *Pcap) HandleFrame(port int, f *cndm.Frame) {
	p.write(port, f)
	if p.Next != nil {
		p.Next.HandleFrame(port, f)
	} else {
		f.Release()
	}
}

func (p *Pcap) write(port int, f *cndm.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}

	id, ok := p.intf[port]
	if !ok {
		if id, p.err = p.w.AddInterface(portInterface(port)); p.err != nil {
			return
		}
		p.intf[port] = id
	}

	ci := gopacket.CaptureInfo{
		Timestamp:      f.Timestamp.Time(),
		CaptureLength:  len(f.Data),
		Length:         len(f.Data),
		InterfaceIndex: id,
	}
	if p.err = p.w.WritePacket(ci, f.Data); p.err == nil {
		p.count++
	}
}

// HandleTxTimestamp forwards to Next when it wants transmit timestamps
func (p *Pcap) HandleTxTimestamp(port int, ts cndm.Timestamp) {
	if th, ok := p.Next.(cndm.TxTimestampHandler); ok {
		th.HandleTxTimestamp(port, ts)
	}
}

// Count returns the number of frames written
func (p *Pcap) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Err returns the first write error. Writing stops after an error.
func (p *Pcap) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close flushes buffered blocks and closes the file opened by CreatePcap
func (p *Pcap) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.w.Flush()
	if p.closer != nil {
		if cerr := p.closer.Close(); err == nil {
			err = cerr
		}
		p.closer = nil
	}
	if err == nil {
		err = p.err
	}
	return err
}

// Compile-time interface check
var _ cndm.TxTimestampHandler = (*Pcap)(nil)
