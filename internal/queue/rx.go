package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
	"github.com/ehrlich-b/go-cndm/internal/ring"
	"github.com/ehrlich-b/go-cndm/internal/uapi"
)

// RxConfig wires an RX engine to its rings
type RxConfig struct {
	Port  int
	Regs  hw.Registers // BAR0, for the doorbell
	Alloc dma.Allocator
	RQ    *ring.Ring
	CQ    *ring.Ring

	// FillTarget is the number of buffers kept posted, capped at the ring
	// size. FillBatch is the smallest shortfall worth a doorbell, capped at
	// the target.
	FillTarget int
	FillBatch  int

	Timestamps *ptp.TimestampCache
	Deliver    func(*Frame)
	Observer   Observer
	Logger     *logging.Logger
}

// Rx is the receive engine of one port. Process and Refill must not run
// concurrently with themselves or each other; the port's RX poller is the
// only caller once traffic starts.
type Rx struct {
	port   int
	regs   hw.Registers
	alloc  dma.Allocator
	rq     *ring.Ring
	cq     *ring.Ring
	info   []bufInfo
	ts     *ptp.TimestampCache
	obs    Observer
	logger *logging.Logger

	deliver    func(*Frame)
	fillTarget uint32
	fillBatch  uint32
	state      atomic.Int32
}

// NewRx creates an idle RX engine
func NewRx(cfg RxConfig) *Rx {
	target := uint32(cfg.FillTarget)
	if target == 0 {
		target = constants.RxFillTarget
	}
	if target > cfg.RQ.Size {
		target = cfg.RQ.Size
	}
	batch := uint32(cfg.FillBatch)
	if batch == 0 {
		batch = constants.RxFillBatch
	}
	if batch > target {
		batch = target
	}
	if cfg.Observer == nil {
		cfg.Observer = NoOpObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Timestamps == nil {
		cfg.Timestamps = ptp.NewTimestampCache(nil)
	}

	return &Rx{
		port:       cfg.Port,
		regs:       cfg.Regs,
		alloc:      cfg.Alloc,
		rq:         cfg.RQ,
		cq:         cfg.CQ,
		info:       make([]bufInfo, cfg.RQ.Size),
		ts:         cfg.Timestamps,
		obs:        cfg.Observer,
		logger:     cfg.Logger.WithRing("rx"),
		deliver:    cfg.Deliver,
		fillTarget: target,
		fillBatch:  batch,
	}
}

// State returns the lifecycle state
func (q *Rx) State() State {
	return State(q.state.Load())
}

// Activate moves an idle engine to active
func (q *Rx) Activate() {
	q.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

// Outstanding returns the number of buffers posted to the device
func (q *Rx) Outstanding() uint32 {
	return q.rq.Used()
}

// prepare posts a fresh page in the slot of index idx
func (q *Rx) prepare(idx uint32) error {
	page, err := q.alloc.AllocPage()
	if err != nil {
		return fmt.Errorf("failed to allocate page: %w", err)
	}
	iova, err := q.alloc.MapPage(page, dma.FromDevice)
	if err != nil {
		q.alloc.FreePage(page)
		return fmt.Errorf("failed to map page: %w", err)
	}

	desc := uapi.Desc{Kind: uapi.DescRx, Len: dma.PageSize, Addr: iova}
	desc.MarshalTo(q.rq.Slot(idx))
	q.info[idx&q.rq.Mask] = bufInfo{page: page, iova: iova, len: dma.PageSize}
	return nil
}

// Refill tops the ring back up to the fill target. Nothing happens while the
// shortfall is below the batch size. Returns the number of buffers posted.
func (q *Rx) Refill() int {
	if s := q.State(); s == StateDraining || s == StateReleased {
		return 0
	}

	used := q.rq.Used()
	if used >= q.fillTarget {
		return 0
	}
	missing := q.fillTarget - used
	if missing < q.fillBatch {
		return 0
	}

	posted := 0
	for ; missing > 0; missing-- {
		if err := q.prepare(q.rq.Prod); err != nil {
			q.logger.Error("rx buffer preparation failed", "index", q.rq.Prod&q.rq.Mask, "error", err)
			q.obs.ObserveBufferError(err)
			break
		}
		q.rq.Prod++
		posted++
	}

	if posted > 0 {
		ring.Wmb()
		q.regs.Write32(q.rq.DBOffset, q.rq.DoorbellValue())
		q.obs.ObserveDoorbell()
	}
	q.obs.ObserveRefill(posted)
	return posted
}

// Process drains up to budget completions, hands accepted frames to the
// receiver and refills the ring. Returns the number of completions consumed.
func (q *Rx) Process(budget int) int {
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

		idx := q.rq.Cons & q.rq.Mask
		info := &q.info[idx]
		if info.page == nil {
			q.logger.Error("completion for empty rx slot", "index", idx, "cq_index", q.cq.Cons&q.cq.Mask)
			break
		}
		cpl.Decode(q.cq.Slot(q.cq.Cons))

		page := info.page
		length := min(cpl.Len, info.len)
		q.alloc.UnmapPage(page, info.iova, dma.FromDevice)
		*info = bufInfo{}

		if length < constants.EthHeaderLen {
			q.logger.Warn("dropping short frame", "len", length)
			q.alloc.FreePage(page)
			q.obs.ObserveRxDrop()
		} else {
			f := &Frame{
				Data:      page.Data[:length],
				Timestamp: q.ts.Reconstruct(cpl.TsS, cpl.TsNs),
				page:      page,
				alloc:     q.alloc,
			}
			q.obs.ObserveRx(uint64(length))
			if q.deliver != nil {
				q.deliver(f)
			} else {
				f.Release()
			}
		}

		done++
		q.cq.Cons++
		q.rq.Cons++
	}

	q.Refill()
	q.obs.ObservePoll(done, budget)
	return done
}

// Flush stops the engine and releases every page still posted to the
// device. Pages are freed, not delivered. Returns the number released.
func (q *Rx) Flush() int {
	q.state.Store(int32(StateDraining))
	n := 0
	for q.rq.Cons != q.rq.Prod {
		idx := q.rq.Cons & q.rq.Mask
		if info := &q.info[idx]; info.page != nil {
			q.alloc.UnmapPage(info.page, info.iova, dma.FromDevice)
			q.alloc.FreePage(info.page)
			*info = bufInfo{}
			n++
		}
		q.rq.Cons++
	}
	q.state.Store(int32(StateReleased))
	return n
}
