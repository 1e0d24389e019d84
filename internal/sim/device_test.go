package sim

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-cndm/internal/ctrl"
	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/irq"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
	dataq "github.com/ehrlich-b/go-cndm/internal/queue"
	"github.com/ehrlich-b/go-cndm/internal/ring"
	"github.com/ehrlich-b/go-cndm/internal/uapi"
)

var epoch = time.Unix(1700000000, 250)

func fixedClock() time.Time { return epoch }

func quiet() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}, Sync: true})
}

type fixture struct {
	alloc *dma.HeapAllocator
	dev   *Device
	ctl   *ctrl.Controller

	rxcq, rq, txcq, sq *ring.Ring
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = fixedClock
	}
	f := &fixture{alloc: dma.NewHeapAllocator(dma.HeapConfig{})}
	f.dev = New(cfg, f.alloc)
	f.dev.SetLogger(quiet())

	cc := ctrl.DefaultConfig()
	cc.Sleep = func(time.Duration) {}
	f.ctl = ctrl.NewController(f.dev, cc)
	f.ctl.SetLogger(quiet())
	return f
}

// createQueues builds the port 0 queue set the way the driver does
func (f *fixture) createQueues(t *testing.T, size int) {
	t.Helper()
	var err error
	for _, r := range []**ring.Ring{&f.rxcq, &f.rq, &f.txcq, &f.sq} {
		*r, err = ring.New(f.alloc, size)
		require.NoError(t, err)
	}

	_, err = f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindCQ, QN: 0, Size: size, Ring: f.rxcq.Region.IOVA})
	require.NoError(t, err)
	f.rq.DBOffset, err = f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindRQ, QN: 0, QN2: 0, Size: size, Ring: f.rq.Region.IOVA})
	require.NoError(t, err)
	_, err = f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindCQ, QN: 1, Size: size, Ring: f.txcq.Region.IOVA})
	require.NoError(t, err)
	f.sq.DBOffset, err = f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindSQ, QN: 0, QN2: 1, Size: size, Ring: f.sq.Region.IOVA})
	require.NoError(t, err)
}

func TestDiscoveryRegisters(t *testing.T) {
	f := newFixture(t, Config{Ports: 3})
	assert.Equal(t, uint32(3), f.dev.Read32(0x100))
	assert.Equal(t, uint32(0x30000), f.dev.Read32(0x104))
	assert.Equal(t, uint32(0x1000), f.dev.Read32(0x108))
}

func TestMailboxQueueLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.ctl.Nop())

	f.createQueues(t, 256)
	assert.Equal(t, 4, f.dev.Queues(0))
	assert.Equal(t, uint32(0x30000), f.rq.DBOffset)
	assert.Equal(t, uint32(0x30100), f.sq.DBOffset)

	cmds := f.dev.Commands()
	require.Len(t, cmds, 5)
	assert.Equal(t, uapi.OpCreateCQ, cmds[1].Opcode)
	assert.Equal(t, uint32(8), cmds[1].Size)
	assert.Equal(t, f.rxcq.Region.IOVA, cmds[1].Ptr1)
	assert.Equal(t, uapi.OpCreateSQ, cmds[4].Opcode)
	assert.Equal(t, uint32(1), cmds[4].QN2)

	for _, q := range []struct {
		kind uapi.Opcode
		qn   uint32
	}{{uapi.KindCQ, 0}, {uapi.KindRQ, 0}, {uapi.KindCQ, 1}, {uapi.KindSQ, 0}} {
		require.NoError(t, f.ctl.DestroyQueue(q.kind, 0, q.qn))
	}
	assert.Equal(t, 0, f.dev.Queues(0))
}

func TestMailboxErrors(t *testing.T) {
	f := newFixture(t, Config{})
	r, err := ring.New(f.alloc, 16)
	require.NoError(t, err)

	t.Run("sq without cq", func(t *testing.T) {
		_, err := f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindSQ, QN2: 1, Size: 16, Ring: r.Region.IOVA})
		var se *ctrl.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StatusNotFound, se.Status)
		assert.ErrorIs(t, err, ctrl.ErrCommandFailed)
	})

	t.Run("unmapped ring", func(t *testing.T) {
		_, err := f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindCQ, Size: 16, Ring: 0x1000})
		assert.ErrorIs(t, err, ctrl.ErrCommandFailed)
	})

	t.Run("bad port", func(t *testing.T) {
		_, err := f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindCQ, Port: 7, Size: 16, Ring: r.Region.IOVA})
		assert.ErrorIs(t, err, ctrl.ErrCommandFailed)
	})

	t.Run("injected failure", func(t *testing.T) {
		f.dev.FailCommand(uapi.OpCreateCQ, 0x55)
		_, err := f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindCQ, Size: 16, Ring: r.Region.IOVA})
		var se *ctrl.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, uint16(0x55), se.Status)

		f.dev.FailCommand(uapi.OpCreateCQ, 0)
		_, err = f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindCQ, Size: 16, Ring: r.Region.IOVA})
		assert.NoError(t, err)
	})

	t.Run("stuck busy bit", func(t *testing.T) {
		f.dev.SetMailboxStuck(true)
		defer f.dev.SetMailboxStuck(false)
		assert.ErrorIs(t, f.ctl.Nop(), ctrl.ErrMailboxTimeout)
	})
}

func TestReceivePath(t *testing.T) {
	f := newFixture(t, Config{})
	f.createQueues(t, 256)

	var frames []*dataq.Frame
	clock := ptp.NewClock(hw.Window(f.dev, f.dev.Config().PHCOffset), "sim_phc")
	rx := dataq.NewRx(dataq.RxConfig{
		Regs:       f.dev,
		Alloc:      f.alloc,
		RQ:         f.rq,
		CQ:         f.rxcq,
		Timestamps: ptp.NewTimestampCache(clock),
		Logger:     quiet(),
		Deliver:    func(fr *dataq.Frame) { frames = append(frames, fr) },
	})

	assert.ErrorIs(t, f.dev.Receive(0, make([]byte, 64)), ErrNoBuffer)

	require.Equal(t, 128, rx.Refill())
	assert.Equal(t, uint32(128), f.dev.Posted(0))

	for i := 0; i < 9; i++ {
		frame := bytes.Repeat([]byte{byte(i)}, 60+i)
		require.NoError(t, f.dev.Receive(0, frame))
	}
	assert.Equal(t, uint32(119), f.dev.Posted(0))

	assert.Equal(t, 9, rx.Process(64))
	require.Len(t, frames, 9)
	for i, fr := range frames {
		assert.Len(t, fr.Data, 60+i)
		assert.Equal(t, byte(i), fr.Data[0])
		assert.Equal(t, ptp.FromTime(epoch), fr.Timestamp)
		fr.Release()
	}

	// refilled back to the target with one more doorbell
	assert.Equal(t, uint32(128), f.dev.Posted(0))
	assert.Equal(t, uint32(128), rx.Outstanding())
}

func TestTransmitLoopback(t *testing.T) {
	f := newFixture(t, Config{Loopback: true})
	f.createQueues(t, 64)

	var seen [][]byte
	f.dev.OnTransmit = func(port int, frame []byte) { seen = append(seen, frame) }

	var got [][]byte
	rx := dataq.NewRx(dataq.RxConfig{
		Regs: f.dev, Alloc: f.alloc, RQ: f.rq, CQ: f.rxcq, Logger: quiet(),
		Deliver: func(fr *dataq.Frame) {
			got = append(got, append([]byte(nil), fr.Data...))
			fr.Release()
		},
	})
	tx := dataq.NewTx(dataq.TxConfig{Regs: f.dev, Alloc: f.alloc, SQ: f.sq, CQ: f.txcq, Logger: quiet()})
	rx.Refill()

	frame := []byte("\xff\xff\xff\xff\xff\xff\x02\x00\x00\x00\x00\x01\x08\x00payload")
	require.NoError(t, tx.Transmit(frame, 0))

	assert.Equal(t, [][]byte{frame}, f.dev.Transmitted(0))
	assert.Equal(t, [][]byte{frame}, seen)
	assert.Equal(t, 1, tx.Process(8))
	assert.Equal(t, 1, rx.Process(8))
	assert.Equal(t, [][]byte{frame}, got)
	assert.Equal(t, 0, f.alloc.OutstandingPages()-int(rx.Outstanding()))
}

func TestInterrupts(t *testing.T) {
	f := newFixture(t, Config{Ports: 2, Vectors: 2})
	table := irq.NewTable(2)
	require.NoError(t, f.dev.Interrupts().Start(table))

	reg, err := table.Register(1)
	require.NoError(t, err)
	defer reg.Close()

	assert.ErrorIs(t, f.dev.Receive(1, []byte("x")), ErrNoQueue)
	assert.ErrorIs(t, f.dev.Receive(5, []byte("x")), ErrNoPort)

	// port 1 has no queues, so build a receive ring for it
	cq, err := ring.New(f.alloc, 16)
	require.NoError(t, err)
	rq, err := ring.New(f.alloc, 16)
	require.NoError(t, err)
	_, err = f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindCQ, Port: 1, Size: 16, Ring: cq.Region.IOVA})
	require.NoError(t, err)
	rq.DBOffset, err = f.ctl.CreateQueue(ctrl.QueueParams{Kind: uapi.KindRQ, Port: 1, Size: 16, Ring: rq.Region.IOVA})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x31000), rq.DBOffset)

	rx := dataq.NewRx(dataq.RxConfig{Port: 1, Regs: f.dev, Alloc: f.alloc, RQ: rq, CQ: cq, Logger: quiet()})
	require.Equal(t, 16, rx.Refill())

	require.NoError(t, f.dev.Receive(1, make([]byte, 64)))
	select {
	case <-reg.C:
	case <-time.After(time.Second):
		t.Fatal("no interrupt on vector 1")
	}
	assert.Equal(t, []uint64{0, 1}, table.Counts())
}

func TestClock(t *testing.T) {
	f := newFixture(t, Config{})
	clock := ptp.NewClock(hw.Window(f.dev, f.dev.Config().PHCOffset), "sim_phc")

	assert.Equal(t, ptp.FromTime(epoch), clock.GetTime())
	assert.Equal(t, uint64(epoch.Unix()), clock.CachedSeconds())

	target := ptp.Timestamp{Sec: 1234567890, Nsec: 42}
	clock.SetTime(target)
	assert.Equal(t, target, clock.GetTime())

	clock.AdjTime(1000 * time.Nanosecond)
	assert.Equal(t, target.Add(time.Microsecond), clock.GetTime())

	clock.AdjTime(-3 * time.Second)
	assert.Equal(t, target.Add(time.Microsecond-3*time.Second), clock.GetTime())

	nom := clock.NominalIncrement()
	assert.Equal(t, uint64(4)<<32, nom)
	assert.Equal(t, nom, clock.AdjFine(0))
	assert.Equal(t, nom, f.dev.ClockIncrement())

	up := clock.AdjFine(100 << 16)
	assert.Greater(t, up, nom)
	assert.Equal(t, up, f.dev.ClockIncrement())
}

func TestNoClockBelowPortBlock(t *testing.T) {
	f := newFixture(t, Config{PortOffset: 0x18000})
	// without a clock the block is plain memory
	f.dev.Write32(DefaultConfig().PHCOffset+0x58, 7)
	assert.Equal(t, uint32(7), f.dev.Read32(DefaultConfig().PHCOffset+0x58))
}
