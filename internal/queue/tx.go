package queue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
	"github.com/ehrlich-b/go-cndm/internal/ring"
	"github.com/ehrlich-b/go-cndm/internal/uapi"
)

// TxConfig wires a TX engine to its rings
type TxConfig struct {
	Port  int
	Regs  hw.Registers
	Alloc dma.Allocator
	SQ    *ring.Ring
	CQ    *ring.Ring

	Timestamps *ptp.TimestampCache
	// OnTimestamp receives transmit timestamps while TimestampEnabled is set
	OnTimestamp func(ptp.Timestamp)
	Observer    Observer
	Logger      *logging.Logger
}

// Tx is the transmit engine of one port. Transmit and Process may be called
// from different goroutines; they serialize on an internal lock.
type Tx struct {
	port   int
	regs   hw.Registers
	alloc  dma.Allocator
	sq     *ring.Ring
	cq     *ring.Ring
	info   []bufInfo
	ts     *ptp.TimestampCache
	obs    Observer
	logger *logging.Logger

	onTimestamp func(ptp.Timestamp)
	tsEnabled   atomic.Bool

	mu    sync.Mutex
	state atomic.Int32
}

// NewTx creates an idle TX engine
func NewTx(cfg TxConfig) *Tx {
	if cfg.Observer == nil {
		cfg.Observer = NoOpObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Timestamps == nil {
		cfg.Timestamps = ptp.NewTimestampCache(nil)
	}
	return &Tx{
		port:        cfg.Port,
		regs:        cfg.Regs,
		alloc:       cfg.Alloc,
		sq:          cfg.SQ,
		cq:          cfg.CQ,
		info:        make([]bufInfo, cfg.SQ.Size),
		ts:          cfg.Timestamps,
		obs:         cfg.Observer,
		logger:      cfg.Logger.WithRing("tx"),
		onTimestamp: cfg.OnTimestamp,
	}
}

// State returns the lifecycle state
func (q *Tx) State() State {
	return State(q.state.Load())
}

// Activate moves an idle engine to active
func (q *Tx) Activate() {
	q.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

// SetTimestampEnabled turns transmit timestamp reporting on or off
func (q *Tx) SetTimestampEnabled(on bool) {
	q.tsEnabled.Store(on)
}

// InFlight returns the number of frames the device has not completed
func (q *Tx) InFlight() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sq.Used()
}

// Transmit copies frame into a page, posts it and rings the doorbell
func (q *Tx) Transmit(frame []byte, csumCmd uint16) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	if len(frame) > dma.PageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if s := q.State(); s == StateDraining || s == StateReleased {
		return ErrNotActive
	}
	if q.sq.Full() {
		q.obs.ObserveTxBusy()
		return ErrQueueFull
	}

	page, err := q.alloc.AllocPage()
	if err != nil {
		q.obs.ObserveBufferError(err)
		return fmt.Errorf("failed to allocate page: %w", err)
	}
	n := copy(page.Data, frame)
	iova, err := q.alloc.MapPage(page, dma.ToDevice)
	if err != nil {
		q.alloc.FreePage(page)
		q.obs.ObserveBufferError(err)
		return fmt.Errorf("failed to map page: %w", err)
	}

	idx := q.sq.Prod
	desc := uapi.Desc{Kind: uapi.DescTx, CsumCmd: csumCmd, Len: uint32(n), Addr: iova}
	desc.MarshalTo(q.sq.Slot(idx))
	q.info[idx&q.sq.Mask] = bufInfo{page: page, iova: iova, len: uint32(n)}
	q.sq.Prod++

	ring.Wmb()
	q.regs.Write32(q.sq.DBOffset, q.sq.DoorbellValue())
	q.obs.ObserveDoorbell()
	return nil
}

// Process reclaims up to budget transmitted buffers
func (q *Tx) Process(budget int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s := q.State(); s == StateDraining || s == StateReleased {
		return 0
	}

	done := 0
	var cpl uapi.Cpl
	for done < budget {
		if !q.cq.CplReady(ring.TailPhase(q.cq.LoadTail(q.cq.Cons))) {
			break
		}
		ring.Rmb()

		idx := q.sq.Cons & q.sq.Mask
		info := &q.info[idx]
		if info.page == nil {
			q.logger.Error("completion for empty tx slot", "index", idx)
			break
		}
		cpl.Decode(q.cq.Slot(q.cq.Cons))

		q.alloc.UnmapPage(info.page, info.iova, dma.ToDevice)
		q.alloc.FreePage(info.page)
		q.obs.ObserveTx(uint64(info.len))
		*info = bufInfo{}

		if q.tsEnabled.Load() && q.onTimestamp != nil {
			q.onTimestamp(q.ts.Reconstruct(cpl.TsS, cpl.TsNs))
		}

		done++
		q.cq.Cons++
		q.sq.Cons++
	}

	q.obs.ObservePoll(done, budget)
	return done
}

// Flush stops the engine and frees every frame not yet completed
func (q *Tx) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.Store(int32(StateDraining))
	n := 0
	for q.sq.Cons != q.sq.Prod {
		idx := q.sq.Cons & q.sq.Mask
		if info := &q.info[idx]; info.page != nil {
			q.alloc.UnmapPage(info.page, info.iova, dma.ToDevice)
			q.alloc.FreePage(info.page)
			*info = bufInfo{}
			n++
		}
		q.sq.Cons++
	}
	q.state.Store(int32(StateReleased))
	return n
}
