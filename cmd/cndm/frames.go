package main

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ehrlich-b/go-cndm"
)

const probePort = 9

// probeBuilder serializes UDP probe frames
type probeBuilder struct {
	eth  layers.Ethernet
	ip   layers.IPv4
	udp  layers.UDP
	buf  gopacket.SerializeBuffer
	opts gopacket.SerializeOptions
}

func newProbeBuilder(src net.HardwareAddr) *probeBuilder {
	b := &probeBuilder{
		buf:  gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}
	b.eth = layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	b.ip = layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 0, 2, 1),
		DstIP:    net.IPv4(192, 0, 2, 2),
	}
	b.udp = layers.UDP{SrcPort: probePort, DstPort: probePort}
	b.udp.SetNetworkLayerForChecksum(&b.ip)
	return b
}

// Build returns a frame carrying payload. The slice is reused by the next
// call.
func (b *probeBuilder) Build(payload []byte) ([]byte, error) {
	if err := gopacket.SerializeLayers(b.buf, b.opts, &b.eth, &b.ip, &b.udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return b.buf.Bytes(), nil
}

// probeCounter is a cndm.Handler that decodes received frames and counts
// the UDP probes among them
type probeCounter struct {
	// next receives every frame after it is counted. If nil, frames are
	// released.
	next cndm.Handler

	mu      sync.Mutex
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	frames atomic.Uint64
	probes atomic.Uint64
	other  atomic.Uint64
	txTS   atomic.Uint64
	lastTS atomic.Pointer[cndm.Timestamp]
}

func newProbeCounter(next cndm.Handler) *probeCounter {
	c := &probeCounter{next: next}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &c.eth, &c.ip, &c.udp, &c.payload)
	c.parser.IgnoreUnsupported = true
	return c
}

// HandleFrame runs on the RX poller of every port; the parser is shared
func (c *probeCounter) HandleFrame(port int, f *cndm.Frame) {
	ts := f.Timestamp
	c.lastTS.Store(&ts)

	if c.isProbe(f.Data) {
		c.probes.Add(1)
	} else {
		c.other.Add(1)
	}
	c.frames.Add(1)

	if c.next != nil {
		c.next.HandleFrame(port, f)
	} else {
		f.Release()
	}
}

func (c *probeCounter) isProbe(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.parser.DecodeLayers(data, &c.decoded); err != nil {
		return false
	}
	for _, lt := range c.decoded {
		if lt == layers.LayerTypeUDP && c.udp.DstPort == probePort {
			return true
		}
	}
	return false
}

func (c *probeCounter) HandleTxTimestamp(port int, ts cndm.Timestamp) {
	c.txTS.Add(1)
}

var _ cndm.TxTimestampHandler = (*probeCounter)(nil)
