// Package sim is an in-memory model of the cndm device. It implements the
// register file, the mailbox, queue doorbells, the DMA engine and the PTP
// clock well enough to run the driver's data path without hardware.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/irq"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/ring"
	"github.com/ehrlich-b/go-cndm/internal/uapi"
)

var (
	ErrNoPort   = errors.New("sim: no such port")
	ErrNoQueue  = errors.New("sim: queue not created")
	ErrNoBuffer = errors.New("sim: no receive buffer posted")
)

// Mailbox status codes returned by the model
const (
	StatusOK          uint16 = 0
	StatusUnsupported uint16 = 0x0001
	StatusBadParam    uint16 = 0x0002
	StatusBusy        uint16 = 0x0003
	StatusNotFound    uint16 = 0x0004
)

// Memory resolves bus addresses to host memory. dma.HeapAllocator
// implements it.
type Memory interface {
	Resolve(iova uint64, length int) ([]byte, error)
}

// Config describes the simulated device
type Config struct {
	Ports      int
	PortOffset uint32
	PortStride uint32
	PHCOffset  uint32
	BARSize    int

	// Vectors is the number of interrupt vectors ports are spread over
	Vectors int

	// Loopback feeds every transmitted frame back into the port's receive
	// queue
	Loopback bool

	// Now is the time base of the PTP clock
	Now func() time.Time
}

// DefaultConfig returns a single-port device with a PTP clock
func DefaultConfig() Config {
	return Config{
		Ports:      1,
		PortOffset: 0x30000,
		PortStride: 0x1000,
		PHCOffset:  constants.DefaultPHCOffset,
		BARSize:    constants.DefaultBARSize,
		Vectors:    constants.DefaultIRQCount,
		Now:        time.Now,
	}
}

// queue is the device's view of one host ring
type queue struct {
	ring *ring.Ring
	cqn  uint32 // completion queue this queue reports to
	db   uint32 // last doorbell value, submission queues only
}

func (q *queue) pending() uint32 {
	return (q.db - q.ring.Cons) & 0xffff
}

type port struct {
	cqs map[uint32]*queue
	rq  *queue
	sq  *queue

	transmitted [][]byte
}

// Device is the simulated NIC. It implements hw.Registers; hand it to the
// driver in place of a mapped BAR.
type Device struct {
	cfg    Config
	mem    Memory
	regs   *hw.MMIO
	irq    *irq.SoftSource
	logger *logging.Logger

	mu        sync.Mutex
	ports     []*port
	doorbells map[uint32]*queue
	dbPort    map[uint32]int
	clock     phc

	stuck    bool
	failures map[uapi.Opcode]uint16
	commands []uapi.Cmd

	// OnTransmit, when set, receives a copy of every transmitted frame. Set
	// it before traffic starts.
	OnTransmit func(port int, frame []byte)
}

// New creates a simulated device whose DMA engine reaches host memory
// through mem
func New(cfg Config, mem Memory) *Device {
	def := DefaultConfig()
	if cfg.Ports <= 0 {
		cfg.Ports = def.Ports
	}
	if cfg.PortOffset == 0 {
		cfg.PortOffset = def.PortOffset
	}
	if cfg.PortStride == 0 {
		cfg.PortStride = def.PortStride
	}
	if cfg.PHCOffset == 0 {
		cfg.PHCOffset = def.PHCOffset
	}
	if cfg.BARSize == 0 {
		cfg.BARSize = def.BARSize
	}
	if cfg.Vectors <= 0 {
		cfg.Vectors = def.Vectors
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Device{
		cfg:       cfg,
		mem:       mem,
		regs:      hw.NewRegisterFile(cfg.BARSize),
		irq:       irq.NewSoftSource(),
		logger:    logging.Default(),
		doorbells: make(map[uint32]*queue),
		dbPort:    make(map[uint32]int),
		failures:  make(map[uapi.Opcode]uint16),
		clock:     newPHC(cfg.Now),
	}
	for i := 0; i < cfg.Ports; i++ {
		d.ports = append(d.ports, &port{cqs: make(map[uint32]*queue)})
	}

	d.regs.Write32(constants.RegPortCount, uint32(cfg.Ports))
	d.regs.Write32(constants.RegPortOffset, cfg.PortOffset)
	d.regs.Write32(constants.RegPortStride, cfg.PortStride)
	return d
}

// SetLogger replaces the device's logger
func (d *Device) SetLogger(l *logging.Logger) {
	if l != nil {
		d.logger = l
	}
}

// Interrupts returns the interrupt source driven by the device
func (d *Device) Interrupts() irq.Source {
	return d.irq
}

// Config returns the device configuration
func (d *Device) Config() Config {
	return d.cfg
}

func (d *Device) hasPHC() bool {
	return d.cfg.PortOffset > d.cfg.PHCOffset
}

func (d *Device) inPHC(off uint32) bool {
	return d.hasPHC() && off >= d.cfg.PHCOffset && off < d.cfg.PHCOffset+0x100
}

// Read32 implements hw.Registers
func (d *Device) Read32(off uint32) uint32 {
	if d.inPHC(off) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.clock.read(off - d.cfg.PHCOffset)
	}
	return d.regs.Read32(off)
}

// Write32 implements hw.Registers
func (d *Device) Write32(off uint32, val uint32) {
	var (
		raise []int
		sent  [][]byte
		sentP int
	)

	d.mu.Lock()
	switch {
	case d.inPHC(off):
		d.clock.write(off-d.cfg.PHCOffset, val)
	case off == constants.RegMailboxCtrl:
		d.regs.Write32(off, val)
		if val&constants.MailboxCtrlBusy != 0 && !d.stuck {
			d.execLocked()
			d.regs.Write32(off, 0)
		}
	default:
		if q, ok := d.doorbells[off]; ok {
			q.db = val & 0xffff
			if p := d.dbPort[off]; d.ports[p].sq == q {
				if sent = d.transmitLocked(p); len(sent) > 0 {
					sentP = p
					raise = append(raise, p%d.cfg.Vectors)
				}
			}
			break
		}
		d.regs.Write32(off, val)
	}
	d.mu.Unlock()

	if d.OnTransmit != nil {
		for _, f := range sent {
			d.OnTransmit(sentP, f)
		}
	}
	for _, v := range raise {
		d.irq.Raise(v)
	}
}

// SetMailboxStuck makes the device ignore the mailbox go bit
func (d *Device) SetMailboxStuck(stuck bool) {
	d.mu.Lock()
	d.stuck = stuck
	d.mu.Unlock()
}

// FailCommand makes every later command with opcode op return status.
// A zero status clears the failure.
func (d *Device) FailCommand(op uapi.Opcode, status uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if status == 0 {
		delete(d.failures, op)
		return
	}
	d.failures[op] = status
}

// Commands returns the mailbox commands executed so far
func (d *Device) Commands() []uapi.Cmd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uapi.Cmd(nil), d.commands...)
}

// doorbellFor returns the doorbell register of a submission queue
func (d *Device) doorbellFor(p int, kind uapi.Opcode, qn uint32) uint32 {
	base := d.cfg.PortOffset + uint32(p)*d.cfg.PortStride
	if kind == uapi.KindSQ {
		base += 0x100
	}
	return base + qn*8
}

func (d *Device) execLocked() {
	var dw [constants.MailboxDwords]uint32
	for i := range dw {
		dw[i] = d.regs.Read32(constants.MailboxBase + uint32(i)*4)
	}
	var cmd uapi.Cmd
	cmd.SetDwords(dw)
	d.commands = append(d.commands, cmd)

	rsp := cmd
	rsp.Opcode = uapi.Opcode(d.handleLocked(&cmd, &rsp))

	out := rsp.Dwords()
	for i, v := range out {
		d.regs.Write32(constants.MailboxRspBase+uint32(i)*4, v)
	}
}

func (d *Device) handleLocked(cmd, rsp *uapi.Cmd) uint16 {
	if status, ok := d.failures[cmd.Opcode]; ok {
		d.logger.Debug("sim failing command", "opcode", cmd.Opcode.String(), "status", status)
		return status
	}
	if cmd.Opcode == uapi.OpNop {
		return StatusOK
	}
	if int(cmd.Port) >= len(d.ports) {
		return StatusBadParam
	}
	p := d.ports[cmd.Port]

	switch cmd.Opcode {
	case uapi.OpCreateCQ:
		if _, ok := p.cqs[cmd.QN]; ok {
			return StatusBusy
		}
		q, status := d.attachRing(cmd)
		if status != StatusOK {
			return status
		}
		p.cqs[cmd.QN] = q
		rsp.DBOffs = 0

	case uapi.OpCreateRQ, uapi.OpCreateSQ:
		kind := cmd.Opcode.Kind()
		slot := &p.rq
		if kind == uapi.KindSQ {
			slot = &p.sq
		}
		if *slot != nil {
			return StatusBusy
		}
		cqn := cmd.QN2
		if _, ok := p.cqs[cqn]; !ok {
			return StatusNotFound
		}
		q, status := d.attachRing(cmd)
		if status != StatusOK {
			return status
		}
		q.cqn = cqn
		*slot = q
		db := d.doorbellFor(int(cmd.Port), kind, cmd.QN)
		d.doorbells[db] = q
		d.dbPort[db] = int(cmd.Port)
		rsp.DBOffs = db

	case uapi.OpDestroyCQ:
		if _, ok := p.cqs[cmd.QN]; !ok {
			return StatusNotFound
		}
		delete(p.cqs, cmd.QN)

	case uapi.OpDestroyRQ, uapi.OpDestroySQ:
		kind := cmd.Opcode.Kind()
		slot := &p.rq
		if kind == uapi.KindSQ {
			slot = &p.sq
		}
		if *slot == nil {
			return StatusNotFound
		}
		db := d.doorbellFor(int(cmd.Port), kind, cmd.QN)
		delete(d.doorbells, db)
		delete(d.dbPort, db)
		*slot = nil

	default:
		return StatusUnsupported
	}
	return StatusOK
}

// attachRing maps the host ring named by a create command
func (d *Device) attachRing(cmd *uapi.Cmd) (*queue, uint16) {
	if cmd.Size < 1 || cmd.Size > 16 {
		return nil, StatusBadParam
	}
	size := uint32(1) << cmd.Size
	mem, err := d.mem.Resolve(cmd.Ptr1, int(size)*ring.SlotSize)
	if err != nil {
		d.logger.Warn("sim cannot reach ring memory", "opcode", cmd.Opcode.String(), "error", err)
		return nil, StatusBadParam
	}
	return &queue{ring: &ring.Ring{
		Region:  &dma.Region{Mem: mem, IOVA: cmd.Ptr1},
		Size:    size,
		Mask:    size - 1,
		LogSize: cmd.Size,
	}}, StatusOK
}

// writeCplLocked publishes one completion on cq with the next phase
func (d *Device) writeCplLocked(cq *queue, length uint32) {
	ts := d.clock.now()
	cpl := uapi.Cpl{Len: length, TsNs: ts.Nsec, TsS: uint8(ts.Sec)}

	var buf [uapi.CplSize]byte
	cpl.MarshalTo(buf[:])

	idx := cq.ring.Prod
	copy(cq.ring.Slot(idx)[:uapi.CplSize-4], buf[:uapi.CplSize-4])
	cq.ring.StoreTail(idx, ring.TailWithPhase(buf[:], ring.CplPhaseFor(cq.ring.Size, idx)))
	cq.ring.Prod++
}

// transmitLocked fetches every posted TX descriptor of a port and returns
// the frames sent
func (d *Device) transmitLocked(pi int) [][]byte {
	p := d.ports[pi]
	sq := p.sq
	cq := p.cqs[sq.cqn]
	if cq == nil {
		return nil
	}

	var sent [][]byte
	for sq.pending() > 0 {
		desc, err := uapi.UnmarshalDesc(sq.ring.Slot(sq.ring.Cons), uapi.DescTx)
		if err != nil {
			break
		}
		data, err := d.mem.Resolve(desc.Addr, int(desc.Len))
		if err != nil {
			d.logger.Warn("sim tx descriptor not mapped", "port", pi, "addr", fmt.Sprintf("0x%x", desc.Addr), "error", err)
			data = nil
		}
		frame := append([]byte(nil), data...)
		p.transmitted = append(p.transmitted, frame)

		d.writeCplLocked(cq, desc.Len)
		sq.ring.Cons++
		sent = append(sent, frame)

		if d.cfg.Loopback {
			if err := d.receiveLocked(pi, frame); err != nil {
				d.logger.Debug("sim loopback dropped frame", "port", pi, "error", err)
			}
		}
	}
	return sent
}

// receiveLocked DMAs frame into the next posted receive buffer
func (d *Device) receiveLocked(pi int, frame []byte) error {
	if pi < 0 || pi >= len(d.ports) {
		return fmt.Errorf("%w: %d", ErrNoPort, pi)
	}
	p := d.ports[pi]
	if p.rq == nil {
		return fmt.Errorf("port %d: %w", pi, ErrNoQueue)
	}
	cq := p.cqs[p.rq.cqn]
	if cq == nil {
		return fmt.Errorf("port %d rx cq: %w", pi, ErrNoQueue)
	}
	if p.rq.pending() == 0 {
		return ErrNoBuffer
	}

	rq := p.rq.ring
	desc, err := uapi.UnmarshalDesc(rq.Slot(rq.Cons), uapi.DescRx)
	if err != nil {
		return err
	}
	n := min(uint32(len(frame)), desc.Len)
	buf, err := d.mem.Resolve(desc.Addr, int(n))
	if err != nil {
		return err
	}
	copy(buf, frame)

	d.writeCplLocked(cq, n)
	rq.Cons++
	return nil
}

// Receive delivers a frame to a port as if it arrived on the wire and
// raises the port's interrupt
func (d *Device) Receive(port int, frame []byte) error {
	d.mu.Lock()
	err := d.receiveLocked(port, frame)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.irq.Raise(port % d.cfg.Vectors)
	return nil
}

// Posted returns the number of receive buffers a port has made available
func (d *Device) Posted(port int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if port < 0 || port >= len(d.ports) || d.ports[port].rq == nil {
		return 0
	}
	return d.ports[port].rq.pending()
}

// Transmitted returns and clears the frames a port has sent
func (d *Device) Transmitted(port int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if port < 0 || port >= len(d.ports) {
		return nil
	}
	out := d.ports[port].transmitted
	d.ports[port].transmitted = nil
	return out
}

// Queues returns the number of live queue objects on a port
func (d *Device) Queues(port int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if port < 0 || port >= len(d.ports) {
		return 0
	}
	p := d.ports[port]
	n := len(p.cqs)
	if p.rq != nil {
		n++
	}
	if p.sq != nil {
		n++
	}
	return n
}

var _ hw.Registers = (*Device)(nil)
