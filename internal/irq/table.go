// Package irq delivers device interrupts to port pollers
package irq

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBadVector = errors.New("irq: vector out of range")
	ErrClosed    = errors.New("irq: table closed")
)

// Table is a fixed set of interrupt vectors. Ports are assigned vectors
// round-robin and subscribe to ring-ready events on them.
type Table struct {
	mu     sync.Mutex
	subs   [][]*Registration
	closed bool
	counts []uint64
}

// NewTable creates a table with count vectors, at least one
func NewTable(count int) *Table {
	if count < 1 {
		count = 1
	}
	return &Table{
		subs:   make([][]*Registration, count),
		counts: make([]uint64, count),
	}
}

// Count returns the number of vectors
func (t *Table) Count() int {
	return len(t.subs)
}

// VectorFor returns the vector a port is assigned to
func (t *Table) VectorFor(port int) int {
	return port % len(t.subs)
}

// Registration is one subscriber on a vector. C receives at most one
// pending event; further events coalesce until it is drained.
type Registration struct {
	C <-chan struct{}

	c      chan struct{}
	table  *Table
	vector int
	once   sync.Once
}

// Vector returns the vector the registration is attached to
func (r *Registration) Vector() int {
	return r.vector
}

// Register subscribes to a vector
func (t *Table) Register(vector int) (*Registration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if vector < 0 || vector >= len(t.subs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadVector, vector, len(t.subs))
	}

	c := make(chan struct{}, 1)
	r := &Registration{C: c, c: c, table: t, vector: vector}
	t.subs[vector] = append(t.subs[vector], r)
	return r, nil
}

// Close unsubscribes. Safe to call more than once.
func (r *Registration) Close() {
	r.once.Do(func() {
		t := r.table
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.subs[r.vector]
		for i, s := range subs {
			if s == r {
				t.subs[r.vector] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	})
}

// Post signals every subscriber of a vector without blocking
func (t *Table) Post(vector int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vector < 0 || vector >= len(t.subs) {
		return
	}
	t.counts[vector]++
	for _, r := range t.subs[vector] {
		select {
		case r.c <- struct{}{}:
		default:
		}
	}
}

// PostAll signals every vector, for sources with a single interrupt line
func (t *Table) PostAll() {
	for v := 0; v < t.Count(); v++ {
		t.Post(v)
	}
}

// Counts returns the number of interrupts posted per vector
func (t *Table) Counts() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint64(nil), t.counts...)
}

// Subscribers returns the number of live registrations on a vector
func (t *Table) Subscribers(vector int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vector < 0 || vector >= len(t.subs) {
		return 0
	}
	return len(t.subs[vector])
}

// Close rejects further registrations
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Source feeds interrupts into a table
type Source interface {
	Start(t *Table) error
	Close() error
}

// SoftSource raises interrupts on demand, for simulated devices
type SoftSource struct {
	mu    sync.Mutex
	table *Table
}

// NewSoftSource creates an idle software interrupt source
func NewSoftSource() *SoftSource {
	return &SoftSource{}
}

func (s *SoftSource) Start(t *Table) error {
	s.mu.Lock()
	s.table = t
	s.mu.Unlock()
	return nil
}

// Raise posts an interrupt on vector. Ignored before Start or after Close.
func (s *SoftSource) Raise(vector int) {
	s.mu.Lock()
	t := s.table
	s.mu.Unlock()
	if t != nil {
		t.Post(vector)
	}
}

func (s *SoftSource) Close() error {
	s.mu.Lock()
	s.table = nil
	s.mu.Unlock()
	return nil
}

var _ Source = (*SoftSource)(nil)
