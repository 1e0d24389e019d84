package cndm

import (
	"errors"
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.RxPackets != 0 || snap.TxPackets != 0 {
		t.Errorf("Expected empty initial snapshot, got %+v", snap)
	}

	m.RecordRx(60)
	m.RecordRx(1500)
	m.RecordRxDrop()
	m.RecordTx(100)
	m.RecordTxBusy()

	snap = m.Snapshot()
	if snap.RxPackets != 2 {
		t.Errorf("Expected 2 rx packets, got %d", snap.RxPackets)
	}
	if snap.RxBytes != 1560 {
		t.Errorf("Expected 1560 rx bytes, got %d", snap.RxBytes)
	}
	if snap.RxDropped != 1 {
		t.Errorf("Expected 1 drop, got %d", snap.RxDropped)
	}
	if snap.TxPackets != 1 || snap.TxBytes != 100 || snap.TxBusy != 1 {
		t.Errorf("Unexpected tx counters: %+v", snap)
	}

	expectedDropRate := float64(1) / float64(3) * 100.0
	if snap.DropRate < expectedDropRate-0.1 || snap.DropRate > expectedDropRate+0.1 {
		t.Errorf("Expected drop rate ~%.1f%%, got %.1f%%", expectedDropRate, snap.DropRate)
	}
}

func TestMetricsRefill(t *testing.T) {
	m := NewMetrics()

	m.RecordRefill(0)
	m.RecordRefill(128)
	m.RecordRefill(8)

	snap := m.Snapshot()
	if snap.Refills != 2 {
		t.Errorf("Expected 2 refills, got %d", snap.Refills)
	}
	if snap.RefillBuffers != 136 {
		t.Errorf("Expected 136 buffers, got %d", snap.RefillBuffers)
	}
}

func TestMetricsMailbox(t *testing.T) {
	m := NewMetrics()

	m.RecordMailbox(false, false)
	m.RecordMailbox(true, false)
	m.RecordMailbox(false, true)

	snap := m.Snapshot()
	if snap.MailboxCommands != 3 {
		t.Errorf("Expected 3 commands, got %d", snap.MailboxCommands)
	}
	if snap.MailboxTimeouts != 1 || snap.MailboxErrors != 1 {
		t.Errorf("Expected one timeout and one error, got %d and %d", snap.MailboxTimeouts, snap.MailboxErrors)
	}
}

func TestMetricsPollHistogram(t *testing.T) {
	m := NewMetrics()

	// 0, 1, 3, 64 completions out of a 64 budget
	m.RecordPoll(0, 64)
	m.RecordPoll(1, 64)
	m.RecordPoll(3, 64)
	m.RecordPoll(64, 64)

	snap := m.Snapshot()
	if snap.Polls != 4 || snap.PollCompletions != 68 {
		t.Errorf("Unexpected poll counters: %d polls, %d completions", snap.Polls, snap.PollCompletions)
	}
	if snap.BudgetExhausted != 1 {
		t.Errorf("Expected 1 exhausted budget, got %d", snap.BudgetExhausted)
	}

	expected := [numBatchBuckets]uint64{1, 2, 3, 3, 4, 4}
	if snap.BatchHistogram != expected {
		t.Errorf("Histogram = %v, want %v", snap.BatchHistogram, expected)
	}
	if snap.BatchP50 > 1 {
		t.Errorf("Expected median batch <= 1, got %d", snap.BatchP50)
	}
	// 99% of four polls truncates to three, which the <=4 bucket covers
	if snap.BatchP99 != 4 {
		t.Errorf("Expected p99 batch 4, got %d", snap.BatchP99)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < uint64(10*time.Millisecond) {
		t.Errorf("Expected uptime >= 10ms, got %dns", snap.UptimeNs)
	}

	m.Stop()
	stopped := m.Snapshot().UptimeNs
	time.Sleep(5 * time.Millisecond)
	if m.Snapshot().UptimeNs != stopped {
		t.Error("Uptime should freeze after Stop")
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordRx(100)
	m.RecordTx(100)
	m.RecordPoll(4, 64)
	m.Stop()

	m.Reset()

	snap := m.Snapshot()
	if snap.RxPackets != 0 || snap.TxPackets != 0 || snap.Polls != 0 {
		t.Errorf("Expected zero counters after reset, got %+v", snap)
	}
	for i, c := range snap.BatchHistogram {
		if c != 0 {
			t.Errorf("Bucket %d not reset: %d", i, c)
		}
	}
	if m.StopTime.Load() != 0 {
		t.Error("StopTime should be cleared by Reset")
	}
}

func TestSnapshotAdd(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.RecordRx(10)
	b.RecordRx(20)
	b.RecordRxDrop()
	b.RecordMailbox(true, false)

	sum := a.Snapshot().Add(b.Snapshot())
	if sum.RxPackets != 2 || sum.RxBytes != 30 || sum.RxDropped != 1 {
		t.Errorf("Unexpected sum: %+v", sum)
	}
	if sum.MailboxTimeouts != 1 {
		t.Errorf("Expected mailbox timeout carried over, got %d", sum.MailboxTimeouts)
	}
}

func TestObserver(t *testing.T) {
	m := NewMetrics()
	var obs Observer = NewMetricsObserver(m)

	obs.ObserveRx(64)
	obs.ObserveRxDrop()
	obs.ObserveTx(128)
	obs.ObserveTxBusy()
	obs.ObserveDoorbell()
	obs.ObserveRefill(8)
	obs.ObserveBufferError(errors.New("map failed"))
	obs.ObservePoll(2, 64)

	snap := m.Snapshot()
	if snap.RxPackets != 1 || snap.RxDropped != 1 || snap.TxPackets != 1 || snap.TxBusy != 1 {
		t.Errorf("Packet events not recorded: %+v", snap)
	}
	if snap.Doorbells != 1 || snap.RefillBuffers != 8 || snap.BufferErrors != 1 || snap.Polls != 1 {
		t.Errorf("Ring events not recorded: %+v", snap)
	}

	// NoOpObserver must accept everything
	var noop Observer = NoOpObserver{}
	noop.ObserveRx(1)
	noop.ObservePoll(1, 1)
}
