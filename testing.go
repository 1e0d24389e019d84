package cndm

import (
	"sync"
	"time"
)

// MockHandler is a Handler for tests. It copies every received frame,
// releases the buffer and records transmit timestamps.
type MockHandler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []ReceivedFrame
	txTS   []Timestamp

	// Keep, when set, holds frames instead of releasing them. The caller
	// then owns every frame returned by Held.
	Keep bool
	held []*Frame
}

// ReceivedFrame is a frame recorded by MockHandler
type ReceivedFrame struct {
	Port      int
	Data      []byte
	Timestamp Timestamp
}

// NewMockHandler creates an empty MockHandler
func NewMockHandler() *MockHandler {
	m := &MockHandler{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// HandleFrame implements Handler
func (m *MockHandler) HandleFrame(port int, f *Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames = append(m.frames, ReceivedFrame{
		Port:      port,
		Data:      append([]byte(nil), f.Data...),
		Timestamp: f.Timestamp,
	})
	if m.Keep {
		m.held = append(m.held, f)
	} else {
		f.Release()
	}
	m.cond.Broadcast()
}

// HandleTxTimestamp implements TxTimestampHandler
func (m *MockHandler) HandleTxTimestamp(port int, ts Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txTS = append(m.txTS, ts)
	m.cond.Broadcast()
}

// Count returns the number of frames received
func (m *MockHandler) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// Frames returns a copy of the recorded frames
func (m *MockHandler) Frames() []ReceivedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReceivedFrame(nil), m.frames...)
}

// TxTimestamps returns the recorded transmit timestamps
func (m *MockHandler) TxTimestamps() []Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Timestamp(nil), m.txTS...)
}

// Held returns and forgets the frames kept while Keep is set
func (m *MockHandler) Held() []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.held
	m.held = nil
	return out
}

// WaitFor blocks until at least n frames were received or timeout passes.
// It reports whether the count was reached.
func (m *MockHandler) WaitFor(n int, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.frames) < n {
		if !time.Now().Before(deadline) {
			return false
		}
		m.cond.Wait()
	}
	return true
}

// Reset clears recorded frames and timestamps. Held frames are released.
func (m *MockHandler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.held {
		f.Release()
	}
	m.held = nil
	m.frames = nil
	m.txTS = nil
}

// Compile-time interface check
var _ TxTimestampHandler = (*MockHandler)(nil)
