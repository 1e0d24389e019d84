package cndm

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-cndm/internal/ctrl"
	"github.com/ehrlich-b/go-cndm/internal/irq"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
	"github.com/ehrlich-b/go-cndm/internal/queue"
	"github.com/ehrlich-b/go-cndm/internal/ring"
	"github.com/ehrlich-b/go-cndm/internal/uapi"
)

// Port is one network port: a TX ring, an RX ring, their completion rings
// and the pollers that service them.
type Port struct {
	dev    *Device
	index  int
	vector int
	logger *logging.Logger

	metrics  *Metrics
	observer Observer

	sq, rq, txcq, rxcq *ring.Ring

	rx *queue.Rx
	tx *queue.Tx

	rxIRQ, txIRQ   *irq.Registration
	rxPoll, txPoll *queue.Poller

	mu      sync.Mutex
	mac     net.HardwareAddr
	hwts    HWTimestampConfig
	started bool
	closed  bool

	// cleanup holds release steps in acquisition order; teardown runs them
	// in reverse
	cleanup []cleanupStep
}

type cleanupStep struct {
	name string
	fn   func() error
}

func newPort(d *Device, index int) (*Port, error) {
	mac, err := randomMAC()
	if err != nil {
		return nil, err
	}
	p := &Port{
		dev:      d,
		index:    index,
		vector:   d.table.VectorFor(index),
		logger:   d.logger.WithPort(index),
		metrics:  NewMetrics(),
		observer: d.observer,
		mac:      mac,
	}
	if p.observer == nil {
		p.observer = NewMetricsObserver(p.metrics)
	}
	return p, nil
}

func (p *Port) push(name string, fn func() error) {
	p.cleanup = append(p.cleanup, cleanupStep{name: name, fn: fn})
}

// teardownOrder lists the cleanup steps in the order teardown runs them
func (p *Port) teardownOrder() []string {
	names := make([]string, 0, len(p.cleanup))
	for i := len(p.cleanup) - 1; i >= 0; i-- {
		names = append(names, p.cleanup[i].name)
	}
	return names
}

// teardown runs the cleanup stack in reverse and empties it
func (p *Port) teardown() error {
	var err error
	for i := len(p.cleanup) - 1; i >= 0; i-- {
		step := p.cleanup[i]
		p.logger.Debug("teardown", "step", step.name)
		err = multierr.Append(err, step.fn())
	}
	p.cleanup = nil
	return err
}

// build acquires the port's resources. Every acquisition pushes its release
// so a failure at any step can be unwound by teardown.
func (p *Port) build() error {
	d := p.dev
	alloc := d.alloc

	rings := []struct {
		name string
		r    **ring.Ring
		size int
	}{
		{"tx", &p.sq, d.params.TxRingSize},
		{"rx", &p.rq, d.params.RxRingSize},
		{"tx_cq", &p.txcq, d.params.TxRingSize},
		{"rx_cq", &p.rxcq, d.params.RxRingSize},
	}
	for _, rd := range rings {
		r, err := ring.New(alloc, rd.size)
		if err != nil {
			return wrapPortError("ALLOC_RING", p.index, rd.name, err)
		}
		*rd.r = r
		p.push("free_"+rd.name, func() error {
			r.Free(alloc)
			return nil
		})
	}

	var rxTS, txTS *ptp.TimestampCache
	if d.clock != nil {
		rxTS = ptp.NewTimestampCache(d.clock)
		txTS = ptp.NewTimestampCache(d.clock)
	}

	deliver := func(f *Frame) { f.Release() }
	if h := d.handler; h != nil {
		deliver = func(f *Frame) { h.HandleFrame(p.index, f) }
	}
	var onTS func(ptp.Timestamp)
	if th, ok := d.handler.(TxTimestampHandler); ok {
		onTS = func(ts ptp.Timestamp) { th.HandleTxTimestamp(p.index, ts) }
	}

	p.rx = queue.NewRx(queue.RxConfig{
		Port:       p.index,
		Regs:       d.regs,
		Alloc:      alloc,
		RQ:         p.rq,
		CQ:         p.rxcq,
		FillTarget: d.params.RxFillTarget,
		FillBatch:  d.params.RxFillBatch,
		Timestamps: rxTS,
		Deliver:    deliver,
		Observer:   p.observer,
		Logger:     p.logger,
	})
	p.tx = queue.NewTx(queue.TxConfig{
		Port:        p.index,
		Regs:        d.regs,
		Alloc:       alloc,
		SQ:          p.sq,
		CQ:          p.txcq,
		Timestamps:  txTS,
		OnTimestamp: onTS,
		Observer:    p.observer,
		Logger:      p.logger,
	})
	p.push("flush", func() error {
		rxn := p.rx.Flush()
		txn := p.tx.Flush()
		p.logger.Debug("buffers released", "rx", rxn, "tx", txn)
		return nil
	})

	// interrupts are released after the queues feeding them are destroyed
	var err error
	if p.rxIRQ, err = d.table.Register(p.vector); err != nil {
		return wrapPortError("REGISTER_IRQ", p.index, "rx", err)
	}
	p.push("release_rx_irq", func() error { p.rxIRQ.Close(); return nil })
	if p.txIRQ, err = d.table.Register(p.vector); err != nil {
		return wrapPortError("REGISTER_IRQ", p.index, "tx", err)
	}
	p.push("release_tx_irq", func() error { p.txIRQ.Close(); return nil })

	return p.createQueues()
}

// createQueues creates the device queue set. A completion queue always
// exists before the submission queue that reports to it.
func (p *Port) createQueues() error {
	port := uint32(p.index)
	steps := []struct {
		name   string
		params ctrl.QueueParams
		r      *ring.Ring
	}{
		{"rx_cq", ctrl.QueueParams{Kind: uapi.KindCQ, Port: port, QN: 0}, p.rxcq},
		{"rx", ctrl.QueueParams{Kind: uapi.KindRQ, Port: port, QN: 0, QN2: 0}, p.rq},
		{"tx_cq", ctrl.QueueParams{Kind: uapi.KindCQ, Port: port, QN: 1}, p.txcq},
		{"tx", ctrl.QueueParams{Kind: uapi.KindSQ, Port: port, QN: 0, QN2: 1}, p.sq},
	}

	var created []ctrl.QueueParams
	p.push("destroy_queues", func() error {
		var err error
		for _, qp := range created {
			if derr := p.dev.destroyQueue(qp); derr != nil {
				op := (qp.Kind | uapi.ActionDestroy).String()
				err = multierr.Append(err, wrapPortError(op, p.index, "", derr))
			}
		}
		return err
	})

	for _, s := range steps {
		s.params.Size = int(s.r.Size)
		s.params.Ring = s.r.Region.IOVA
		db, err := p.dev.createQueue(s.params)
		if err != nil {
			return wrapPortError((s.params.Kind | uapi.ActionCreate).String(), p.index, s.name, err)
		}
		s.r.DBOffset = db
		created = append(created, s.params)
	}
	return nil
}

// Index returns the port number
func (p *Port) Index() int {
	return p.index
}

// Vector returns the interrupt vector servicing the port
func (p *Port) Vector() int {
	return p.vector
}

// Metrics returns the port counters
func (p *Port) Metrics() *Metrics {
	return p.metrics
}

// Stats returns a snapshot of the port counters
func (p *Port) Stats() MetricsSnapshot {
	return p.metrics.Snapshot()
}

// Start activates the rings, posts the initial RX buffers and launches the
// RX and TX pollers. The pollers run until Stop, Close or ctx is done.
func (p *Port) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewPortError("START", p.index, ErrCodeDeviceClosed, "port closed")
	}
	if p.started {
		return nil
	}

	p.rx.Activate()
	p.tx.Activate()
	posted := p.rx.Refill()

	budget := p.dev.params.PollBudget
	p.rxPoll = queue.NewPoller(fmt.Sprintf("port%d_rx", p.index), p.rxIRQ.C, budget, p.rx.Process, p.logger)
	p.txPoll = queue.NewPoller(fmt.Sprintf("port%d_tx", p.index), p.txIRQ.C, budget, p.tx.Process, p.logger)
	p.rxPoll.Start(ctx)
	p.txPoll.Start(ctx)
	p.started = true

	p.logger.Info("port started", "rx_posted", posted, "vector", p.vector, "budget", budget)
	return nil
}

// Stop halts the pollers. The rings stay active and can still be serviced
// with PollRx and PollTx.
func (p *Port) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Port) stopLocked() {
	if !p.started {
		return
	}
	p.rxPoll.Stop()
	p.txPoll.Stop()
	p.started = false
	p.logger.Debug("pollers stopped")
}

// Close stops the port, destroys its device queues and releases its
// memory. Safe to call more than once.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopLocked()
	err := p.teardown()
	p.mu.Unlock()

	p.dev.forget(p)
	p.metrics.Stop()
	if err != nil {
		p.logger.Error("port teardown incomplete", "error", err)
		return wrapPortError("DESTROY_PORT", p.index, "", err)
	}
	p.logger.Info("port destroyed")
	return nil
}

// PollRx processes up to budget receive completions on the caller's
// goroutine. Do not call while the port is started. A budget of zero or
// less uses the configured poll budget.
func (p *Port) PollRx(budget int) int {
	if budget <= 0 {
		budget = p.dev.params.PollBudget
	}
	p.rx.Activate()
	return p.rx.Process(budget)
}

// PollTx reclaims up to budget transmit completions
func (p *Port) PollTx(budget int) int {
	if budget <= 0 {
		budget = p.dev.params.PollBudget
	}
	return p.tx.Process(budget)
}

// Refill posts receive buffers up to the fill target and returns how many
// were posted
func (p *Port) Refill() int {
	p.rx.Activate()
	return p.rx.Refill()
}

// RxPosted returns the number of receive buffers posted to the device
func (p *Port) RxPosted() int {
	return int(p.rx.Outstanding())
}

// TxInFlight returns the number of frames the device has not completed
func (p *Port) TxInFlight() int {
	return int(p.tx.InFlight())
}

// Transmit copies frame into a DMA buffer and hands it to the device. It
// returns an error wrapping ErrQueueFull when the TX ring has no free slot.
func (p *Port) Transmit(frame []byte) error {
	p.tx.Activate()
	if err := p.tx.Transmit(frame, 0); err != nil {
		return wrapPortError("TRANSMIT", p.index, "tx", err)
	}
	return nil
}

// HardwareAddr returns the port's MAC address
func (p *Port) HardwareAddr() net.HardwareAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(net.HardwareAddr(nil), p.mac...)
}

// SetHardwareAddr changes the port's MAC address. The address must be a
// 48-bit unicast address.
func (p *Port) SetHardwareAddr(mac net.HardwareAddr) error {
	if len(mac) != 6 || mac[0]&0x01 != 0 || isZeroMAC(mac) {
		return NewPortError("SET_MAC", p.index, ErrCodeAddressNotAvailable, fmt.Sprintf("invalid address %s", mac))
	}
	p.mu.Lock()
	p.mac = append(net.HardwareAddr(nil), mac...)
	p.mu.Unlock()
	p.logger.Info("hardware address changed", "mac", mac.String())
	return nil
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

// randomMAC returns a random locally administered unicast address
func randomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("failed to generate MAC: %w", err)
	}
	mac[0] = (mac[0] &^ 0x01) | 0x02
	return mac, nil
}
