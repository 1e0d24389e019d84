package cndm

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-cndm/internal/queue"
)

// BatchBuckets defines the poll batch-size histogram buckets, in
// completions per poll invocation
var BatchBuckets = []uint64{
	0,
	1,
	4,
	16,
	64,
	256,
}

const numBatchBuckets = 6

// Metrics tracks packet and control statistics for a port or a device
type Metrics struct {
	// Receive counters
	RxPackets atomic.Uint64 // Frames handed to the handler
	RxBytes   atomic.Uint64 // Bytes handed to the handler
	RxDropped atomic.Uint64 // Frames shorter than an Ethernet header

	// Transmit counters
	TxPackets atomic.Uint64 // Frames completed by the device
	TxBytes   atomic.Uint64 // Bytes completed by the device
	TxBusy    atomic.Uint64 // Transmit attempts rejected on a full ring

	// Ring activity
	Doorbells     atomic.Uint64 // Doorbell register writes
	Refills       atomic.Uint64 // Refill passes that posted buffers
	RefillBuffers atomic.Uint64 // Buffers posted by refills
	BufferErrors  atomic.Uint64 // Page allocation or mapping failures

	// Mailbox
	MailboxCommands atomic.Uint64 // Commands issued
	MailboxErrors   atomic.Uint64 // Commands with a non-zero status
	MailboxTimeouts atomic.Uint64 // Commands whose busy bit never cleared

	// Polling
	Polls           atomic.Uint64 // Poll invocations
	PollCompletions atomic.Uint64 // Completions consumed by polls
	BudgetExhausted atomic.Uint64 // Polls that used their whole budget

	// Batch histogram buckets (cumulative counts)
	// Each bucket[i] counts polls that consumed <= BatchBuckets[i] completions
	BatchBuckets [numBatchBuckets]atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Start timestamp (UnixNano)
	StopTime  atomic.Int64 // Stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRx records a delivered frame
func (m *Metrics) RecordRx(bytes uint64) {
	m.RxPackets.Add(1)
	m.RxBytes.Add(bytes)
}

// RecordRxDrop records a dropped short frame
func (m *Metrics) RecordRxDrop() {
	m.RxDropped.Add(1)
}

// RecordTx records a completed transmit
func (m *Metrics) RecordTx(bytes uint64) {
	m.TxPackets.Add(1)
	m.TxBytes.Add(bytes)
}

// RecordTxBusy records a transmit rejected because the ring was full
func (m *Metrics) RecordTxBusy() {
	m.TxBusy.Add(1)
}

// RecordRefill records a refill pass
func (m *Metrics) RecordRefill(posted int) {
	if posted <= 0 {
		return
	}
	m.Refills.Add(1)
	m.RefillBuffers.Add(uint64(posted))
}

// RecordMailbox records the outcome of a mailbox command
func (m *Metrics) RecordMailbox(timeout, failed bool) {
	m.MailboxCommands.Add(1)
	switch {
	case timeout:
		m.MailboxTimeouts.Add(1)
	case failed:
		m.MailboxErrors.Add(1)
	}
}

// RecordPoll records one poll invocation and updates the batch histogram
func (m *Metrics) RecordPoll(done, budget int) {
	m.Polls.Add(1)
	m.PollCompletions.Add(uint64(done))
	if done >= budget {
		m.BudgetExhausted.Add(1)
	}

	for i, bucket := range BatchBuckets {
		if uint64(done) <= bucket {
			m.BatchBuckets[i].Add(1)
		}
	}
}

// Stop marks the owner as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64

	TxPackets uint64
	TxBytes   uint64
	TxBusy    uint64

	Doorbells     uint64
	Refills       uint64
	RefillBuffers uint64
	BufferErrors  uint64

	MailboxCommands uint64
	MailboxErrors   uint64
	MailboxTimeouts uint64

	Polls           uint64
	PollCompletions uint64
	BudgetExhausted uint64

	// Batch size percentiles (completions per poll)
	BatchP50 uint64
	BatchP99 uint64

	// Histogram bucket counts (cumulative)
	BatchHistogram [numBatchBuckets]uint64

	// Computed statistics
	UptimeNs    uint64
	RxPPS       float64 // Frames per second
	TxPPS       float64
	RxBandwidth float64 // Bytes per second
	TxBandwidth float64
	DropRate    float64 // Percentage of received frames dropped
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RxPackets:       m.RxPackets.Load(),
		RxBytes:         m.RxBytes.Load(),
		RxDropped:       m.RxDropped.Load(),
		TxPackets:       m.TxPackets.Load(),
		TxBytes:         m.TxBytes.Load(),
		TxBusy:          m.TxBusy.Load(),
		Doorbells:       m.Doorbells.Load(),
		Refills:         m.Refills.Load(),
		RefillBuffers:   m.RefillBuffers.Load(),
		BufferErrors:    m.BufferErrors.Load(),
		MailboxCommands: m.MailboxCommands.Load(),
		MailboxErrors:   m.MailboxErrors.Load(),
		MailboxTimeouts: m.MailboxTimeouts.Load(),
		Polls:           m.Polls.Load(),
		PollCompletions: m.PollCompletions.Load(),
		BudgetExhausted: m.BudgetExhausted.Load(),
	}

	for i := 0; i < numBatchBuckets; i++ {
		snap.BatchHistogram[i] = m.BatchBuckets[i].Load()
	}
	if snap.Polls > 0 {
		snap.BatchP50 = m.calculatePercentile(0.50)
		snap.BatchP99 = m.calculatePercentile(0.99)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	snap.computeRates()
	return snap
}

func (s *MetricsSnapshot) computeRates() {
	if s.UptimeNs > 0 {
		uptimeSeconds := float64(s.UptimeNs) / 1e9
		s.RxPPS = float64(s.RxPackets) / uptimeSeconds
		s.TxPPS = float64(s.TxPackets) / uptimeSeconds
		s.RxBandwidth = float64(s.RxBytes) / uptimeSeconds
		s.TxBandwidth = float64(s.TxBytes) / uptimeSeconds
	}
	if total := s.RxPackets + s.RxDropped; total > 0 {
		s.DropRate = float64(s.RxDropped) / float64(total) * 100.0
	}
}

// Add sums the counters of two snapshots. Percentiles and uptime are taken
// as the larger of the two.
func (s MetricsSnapshot) Add(o MetricsSnapshot) MetricsSnapshot {
	s.RxPackets += o.RxPackets
	s.RxBytes += o.RxBytes
	s.RxDropped += o.RxDropped
	s.TxPackets += o.TxPackets
	s.TxBytes += o.TxBytes
	s.TxBusy += o.TxBusy
	s.Doorbells += o.Doorbells
	s.Refills += o.Refills
	s.RefillBuffers += o.RefillBuffers
	s.BufferErrors += o.BufferErrors
	s.MailboxCommands += o.MailboxCommands
	s.MailboxErrors += o.MailboxErrors
	s.MailboxTimeouts += o.MailboxTimeouts
	s.Polls += o.Polls
	s.PollCompletions += o.PollCompletions
	s.BudgetExhausted += o.BudgetExhausted
	for i := range s.BatchHistogram {
		s.BatchHistogram[i] += o.BatchHistogram[i]
	}
	s.BatchP50 = max(s.BatchP50, o.BatchP50)
	s.BatchP99 = max(s.BatchP99, o.BatchP99)
	s.UptimeNs = max(s.UptimeNs, o.UptimeNs)
	s.computeRates()
	return s
}

// calculatePercentile estimates the batch size at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.Polls.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range BatchBuckets {
		bucketCount := m.BatchBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.BatchBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return BatchBuckets[numBatchBuckets-1]
}

// Reset resets all counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.RxPackets, &m.RxBytes, &m.RxDropped,
		&m.TxPackets, &m.TxBytes, &m.TxBusy,
		&m.Doorbells, &m.Refills, &m.RefillBuffers, &m.BufferErrors,
		&m.MailboxCommands, &m.MailboxErrors, &m.MailboxTimeouts,
		&m.Polls, &m.PollCompletions, &m.BudgetExhausted,
	} {
		c.Store(0)
	}
	for i := 0; i < numBatchBuckets; i++ {
		m.BatchBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives per-packet ring events. Implementations must be safe
// for concurrent use by a port's RX and TX pollers.
type Observer = queue.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver = queue.NoOpObserver

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRx(bytes uint64) {
	o.metrics.RecordRx(bytes)
}

func (o *MetricsObserver) ObserveRxDrop() {
	o.metrics.RecordRxDrop()
}

func (o *MetricsObserver) ObserveTx(bytes uint64) {
	o.metrics.RecordTx(bytes)
}

func (o *MetricsObserver) ObserveTxBusy() {
	o.metrics.RecordTxBusy()
}

func (o *MetricsObserver) ObserveDoorbell() {
	o.metrics.Doorbells.Add(1)
}

func (o *MetricsObserver) ObserveRefill(posted int) {
	o.metrics.RecordRefill(posted)
}

func (o *MetricsObserver) ObserveBufferError(error) {
	o.metrics.BufferErrors.Add(1)
}

func (o *MetricsObserver) ObservePoll(done, budget int) {
	o.metrics.RecordPoll(done, budget)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
