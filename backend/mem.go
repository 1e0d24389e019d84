// Package backend provides standard frame handler implementations
package backend

import (
	"sync"

	"github.com/ehrlich-b/go-cndm"
)

// Captured is a frame copied out of a DMA buffer
type Captured struct {
	Port      int
	Data      []byte
	Timestamp cndm.Timestamp
}

// Memory keeps copies of the most recent frames in a bounded ring. Buffers
// are released as soon as the frame is copied.
type Memory struct {
	mu     sync.RWMutex
	frames []Captured
	head   int // next slot to overwrite
	count  uint64
	bytes  uint64
}

// NewMemory creates a memory handler holding up to capacity frames
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{frames: make([]Captured, 0, capacity)}
}

// HandleFrame implements cndm.Handler
func (m *Memory) HandleFrame(port int, f *cndm.Frame) {
	c := Captured{
		Port:      port,
		Data:      append([]byte(nil), f.Data...),
		Timestamp: f.Timestamp,
	}
	f.Release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.frames) < cap(m.frames) {
		m.frames = append(m.frames, c)
	} else {
		m.frames[m.head] = c
	}
	m.head = (m.head + 1) % cap(m.frames)
	m.count++
	m.bytes += uint64(len(c.Data))
}

// Len returns the number of frames held
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frames)
}

// Frames returns the held frames, oldest first
func (m *Memory) Frames() []Captured {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Captured, 0, len(m.frames))
	if len(m.frames) < cap(m.frames) {
		return append(out, m.frames...)
	}
	out = append(out, m.frames[m.head:]...)
	return append(out, m.frames[:m.head]...)
}

// Last returns the most recent frame
func (m *Memory) Last() (Captured, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.frames) == 0 {
		return Captured{}, false
	}
	i := (m.head - 1 + cap(m.frames)) % cap(m.frames)
	return m.frames[i], true
}

// Reset drops every held frame
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.frames)
	m.frames = m.frames[:0]
	m.head = 0
}

// Stats reports totals since creation
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":     "memory",
		"capacity": cap(m.frames),
		"held":     len(m.frames),
		"frames":   m.count,
		"bytes":    m.bytes,
	}
}

// Close implements io.Closer
func (m *Memory) Close() error {
	m.Reset()
	return nil
}

// Compile-time interface check
var _ cndm.Handler = (*Memory)(nil)
