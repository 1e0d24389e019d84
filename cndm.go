// Package cndm is a userspace data-plane engine for the cndm NIC. It issues
// mailbox commands to create queue pairs, moves packets across the RX and
// TX descriptor rings, and drives the PTP hardware clock.
package cndm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/ctrl"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/irq"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
	"github.com/ehrlich-b/go-cndm/internal/ring"
)

// DeviceParams contains parameters for attaching a cndm device
type DeviceParams struct {
	// Name identifies the device in logs and names its clock "<name>_phc"
	Name string `yaml:"name"`

	// Hardware location, used by Open only
	PCIAddress string `yaml:"pci_address"` // e.g. "0000:01:00.0"
	UIODevice  string `yaml:"uio_device"`  // defaults to the device's /dev/uioN
	HugePages  int    `yaml:"hugepages"`   // 2MB pages reserved for DMA

	// Ring configuration
	TxRingSize   int `yaml:"tx_ring_size"`   // TX ring and TX CQ slots (default: 256)
	RxRingSize   int `yaml:"rx_ring_size"`   // RX ring and RX CQ slots (default: 256)
	PollBudget   int `yaml:"poll_budget"`    // Completions per poll invocation (default: 64)
	RxFillTarget int `yaml:"rx_fill_target"` // RX buffers kept posted (default: 128)
	RxFillBatch  int `yaml:"rx_fill_batch"`  // Smallest refill worth a doorbell (default: 8)

	// Device layout
	IRQCount  int    `yaml:"irq_count"`  // Interrupt vectors (default: 1)
	PHCOffset uint32 `yaml:"phc_offset"` // PTP clock register block (default: 0x20000)

	// Mailbox protocol
	MailboxPollCount     int           `yaml:"mailbox_poll_count"`
	MailboxPollInterval  time.Duration `yaml:"mailbox_poll_interval"`
	MailboxLegacyTimeout bool          `yaml:"mailbox_legacy_timeout"` // Read the response even if the busy bit never clears
}

// DefaultParams returns default device parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		Name:      "cndm0",
		HugePages: 16,

		TxRingSize:   constants.DefaultRingSize,
		RxRingSize:   constants.DefaultRingSize,
		PollBudget:   constants.DefaultPollBudget,
		RxFillTarget: constants.RxFillTarget,
		RxFillBatch:  constants.RxFillBatch,

		IRQCount:  constants.DefaultIRQCount,
		PHCOffset: constants.DefaultPHCOffset,

		MailboxPollCount:    constants.MailboxPollCount,
		MailboxPollInterval: constants.MailboxPollInterval,
	}
}

// withDefaults fills zero fields from DefaultParams
func (p DeviceParams) withDefaults() DeviceParams {
	def := DefaultParams()
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.HugePages == 0 {
		p.HugePages = def.HugePages
	}
	if p.TxRingSize == 0 {
		p.TxRingSize = def.TxRingSize
	}
	if p.RxRingSize == 0 {
		p.RxRingSize = def.RxRingSize
	}
	if p.PollBudget == 0 {
		p.PollBudget = def.PollBudget
	}
	if p.RxFillTarget == 0 {
		p.RxFillTarget = def.RxFillTarget
	}
	if p.RxFillBatch == 0 {
		p.RxFillBatch = def.RxFillBatch
	}
	if p.IRQCount == 0 {
		p.IRQCount = def.IRQCount
	}
	if p.PHCOffset == 0 {
		p.PHCOffset = def.PHCOffset
	}
	if p.MailboxPollCount == 0 {
		p.MailboxPollCount = def.MailboxPollCount
	}
	if p.MailboxPollInterval == 0 {
		p.MailboxPollInterval = def.MailboxPollInterval
	}
	return p
}

// Validate checks the parameters after defaults are applied
func (p DeviceParams) Validate() error {
	p = p.withDefaults()
	switch {
	case !ring.ValidSize(p.TxRingSize):
		return NewError("VALIDATE", ErrCodeInvalidParameters, fmt.Sprintf("tx ring size %d is not a power of two in [2, 65536]", p.TxRingSize))
	case !ring.ValidSize(p.RxRingSize):
		return NewError("VALIDATE", ErrCodeInvalidParameters, fmt.Sprintf("rx ring size %d is not a power of two in [2, 65536]", p.RxRingSize))
	case p.PollBudget < 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "poll budget must be positive")
	case p.RxFillTarget < 0 || p.RxFillBatch < 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "refill target and batch must be positive")
	case p.RxFillBatch > p.RxFillTarget:
		return NewError("VALIDATE", ErrCodeInvalidParameters, fmt.Sprintf("refill batch %d exceeds refill target %d", p.RxFillBatch, p.RxFillTarget))
	case p.IRQCount < 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "interrupt count must be positive")
	case p.MailboxPollCount < 0 || p.MailboxPollInterval < 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "mailbox polling must be positive")
	}
	return nil
}

// Options contains additional options for attaching a device
type Options struct {
	// Handler receives RX frames. Without one, frames are counted and freed.
	Handler Handler

	// Interrupts drives the port pollers. Without one, ports are only
	// serviced by explicit PollRx and PollTx calls.
	Interrupts InterruptSource

	// Logger for lifecycle messages (if nil, no logging)
	Logger Logger

	// Observer for ring events (if nil, each port records to its Metrics)
	Observer Observer

	// Now is the host clock the PTP clock is set from (default: time.Now)
	Now func() time.Time
}

// Device is an attached cndm NIC. It owns the register block, the mailbox,
// the interrupt table, the optional PTP clock and all ports.
type Device struct {
	name   string
	regs   hw.Registers
	alloc  Allocator
	params DeviceParams

	ctl     *ctrl.Controller
	table   *irq.Table
	source  InterruptSource
	clock   *ptp.Clock
	handler Handler

	observer   Observer
	metrics    *Metrics
	logger     *logging.Logger
	userLogger Logger

	portCount  int
	portOffset uint32
	portStride uint32

	// mbox serializes mailbox access across ports
	mbox sync.Mutex

	mu      sync.Mutex
	ports   []*Port
	closed  bool
	closers []func() error
}

// Attach brings up a device whose BAR0 is regs and whose DMA memory comes
// from alloc. It reads the port layout, registers the PTP clock when the
// device has one and starts the interrupt source. Ports are created
// separately with CreatePort.
//
// Example:
//
//	alloc := dma.NewHeapAllocator(dma.HeapConfig{})
//	dev := sim.New(sim.DefaultConfig(), alloc)
//	d, err := cndm.Attach(dev, alloc, cndm.DefaultParams(), &cndm.Options{Interrupts: dev.Interrupts()})
func Attach(regs Registers, alloc Allocator, params DeviceParams, options *Options) (*Device, error) {
	if regs == nil || alloc == nil {
		return nil, NewError("ATTACH", ErrCodeInvalidParameters, "registers and allocator are required")
	}
	if options == nil {
		options = &Options{}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params = params.withDefaults()

	logger := logging.Default().WithDevice(params.Name)

	count := regs.Read32(constants.RegPortCount)
	if count == 0xffffffff {
		return nil, NewError("ATTACH", ErrCodeNotFound, "device not responding")
	}

	d := &Device{
		name:       params.Name,
		regs:       regs,
		alloc:      alloc,
		params:     params,
		handler:    options.Handler,
		observer:   options.Observer,
		metrics:    NewMetrics(),
		logger:     logger,
		userLogger: options.Logger,
		portCount:  int(count),
		portOffset: regs.Read32(constants.RegPortOffset),
		portStride: regs.Read32(constants.RegPortStride),
		table:      irq.NewTable(params.IRQCount),
		ports:      make([]*Port, count),
	}

	d.ctl = ctrl.NewController(regs, ctrl.Config{
		PollCount:     params.MailboxPollCount,
		PollInterval:  params.MailboxPollInterval,
		LegacyTimeout: params.MailboxLegacyTimeout,
	})
	d.ctl.SetLogger(logger)

	logger.Info("device attached",
		"ports", d.portCount,
		"port_offset", fmt.Sprintf("0x%x", d.portOffset),
		"port_stride", fmt.Sprintf("0x%x", d.portStride),
		"vectors", d.table.Count())

	// the PHC block sits between the mailbox and the first port; a port
	// block at or below PHCOffset leaves no room for it
	if d.portOffset > params.PHCOffset {
		d.clock = ptp.NewClock(hw.Window(regs, params.PHCOffset), params.Name+"_phc")
		d.clock.SetLogger(logger)
		if options.Now != nil {
			d.clock.Now = options.Now
		}
		d.clock.SetFromSystem()
		logger.Info("registered PTP clock", "clock", d.clock.Name(), "max_adj_ppb", d.clock.MaxAdj())
	} else {
		logger.Info("PTP clock not present")
	}

	if options.Interrupts != nil {
		if err := options.Interrupts.Start(d.table); err != nil {
			d.table.Close()
			return nil, WrapError("ATTACH", err)
		}
		d.source = options.Interrupts
	}

	if d.userLogger != nil {
		d.userLogger.Printf("Device attached: %s with %d ports", d.name, d.portCount)
	}
	return d, nil
}

// Name returns the device name
func (d *Device) Name() string {
	return d.name
}

// NumPorts returns the number of ports the device reports
func (d *Device) NumPorts() int {
	return d.portCount
}

// Params returns the effective device parameters
func (d *Device) Params() DeviceParams {
	return d.params
}

// Clock returns the PTP hardware clock, or nil if the device has none
func (d *Device) Clock() *Clock {
	return d.clock
}

// Metrics returns the device-level counters (mailbox commands)
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// Stats returns the device counters summed with those of every open port
func (d *Device) Stats() MetricsSnapshot {
	snap := d.metrics.Snapshot()
	for _, p := range d.Ports() {
		snap = snap.Add(p.Stats())
	}
	return snap
}

// InterruptCounts returns the number of interrupts seen per vector
func (d *Device) InterruptCounts() []uint64 {
	return d.table.Counts()
}

// recordMailbox counts a mailbox command outcome
func (d *Device) recordMailbox(err error) {
	timeout := errors.Is(err, ctrl.ErrMailboxTimeout)
	d.metrics.RecordMailbox(timeout, err != nil && !timeout)
}

// createQueue runs a create command under the mailbox lock
func (d *Device) createQueue(p ctrl.QueueParams) (uint32, error) {
	d.mbox.Lock()
	defer d.mbox.Unlock()
	db, err := d.ctl.CreateQueue(p)
	d.recordMailbox(err)
	return db, err
}

func (d *Device) destroyQueue(p ctrl.QueueParams) error {
	d.mbox.Lock()
	defer d.mbox.Unlock()
	err := d.ctl.DestroyQueue(p.Kind, p.Port, p.QN)
	d.recordMailbox(err)
	return err
}

// CreatePort allocates the rings of a port and creates its queue pair on
// the device. Creation is all-or-nothing: on failure every resource
// acquired so far is released.
func (d *Device) CreatePort(index int) (*Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, NewPortError("CREATE_PORT", index, ErrCodeDeviceClosed, "device detached")
	}
	if index < 0 || index >= len(d.ports) {
		return nil, NewPortError("CREATE_PORT", index, ErrCodeOutOfRange, fmt.Sprintf("device has %d ports", len(d.ports)))
	}
	if d.ports[index] != nil {
		return nil, NewPortError("CREATE_PORT", index, ErrCodeInvalidParameters, "port already exists")
	}

	p, err := newPort(d, index)
	if err != nil {
		return nil, wrapPortError("CREATE_PORT", index, "", err)
	}
	if err := p.build(); err != nil {
		if terr := p.teardown(); terr != nil {
			p.logger.Warn("rollback incomplete", "error", terr)
		}
		p.logger.Error("port creation failed", "error", err)
		return nil, wrapPortError("CREATE_PORT", index, "", err)
	}

	d.ports[index] = p
	p.logger.Info("port created",
		"tx_db", fmt.Sprintf("0x%x", p.sq.DBOffset),
		"rx_db", fmt.Sprintf("0x%x", p.rq.DBOffset),
		"mac", p.HardwareAddr().String())
	return p, nil
}

// Port returns an open port, or nil
func (d *Device) Port(index int) *Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.ports) {
		return nil
	}
	return d.ports[index]
}

// Ports returns the open ports in index order
func (d *Device) Ports() []*Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Port
	for _, p := range d.ports {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// DestroyPort stops a port and releases everything it holds
func (d *Device) DestroyPort(index int) error {
	p := d.Port(index)
	if p == nil {
		return NewPortError("DESTROY_PORT", index, ErrCodeNotFound, "port not open")
	}
	return p.Close()
}

// forget drops a closed port from the port table
func (d *Device) forget(p *Port) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ports[p.index] == p {
		d.ports[p.index] = nil
	}
}

// Detach closes every port and stops the interrupt source. Safe to call
// more than once.
func (d *Device) Detach() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var ports []*Port
	for _, p := range d.ports {
		if p != nil {
			ports = append(ports, p)
		}
	}
	closers := d.closers
	d.closers = nil
	d.mu.Unlock()

	var err error
	for _, p := range ports {
		err = multierr.Append(err, p.Close())
	}

	if d.source != nil {
		err = multierr.Append(err, d.source.Close())
	}
	d.table.Close()

	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}

	d.metrics.Stop()
	if err != nil {
		d.logger.Error("detach incomplete", "error", err)
		return WrapError("DETACH", err)
	}

	d.logger.Info("device detached")
	if d.userLogger != nil {
		d.userLogger.Printf("Device detached: %s", d.name)
	}
	return nil
}
