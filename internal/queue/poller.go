package queue

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-cndm/internal/logging"
)

// PollFunc processes up to budget completions and returns how many it did
type PollFunc func(budget int) int

// Poller runs a PollFunc each time its event channel fires. While a call
// uses the full budget it is invoked again without waiting; otherwise the
// poller goes back to waiting for the next event.
type Poller struct {
	name   string
	poll   PollFunc
	budget int
	events <-chan struct{}
	logger *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPoller creates a stopped poller
func NewPoller(name string, events <-chan struct{}, budget int, poll PollFunc, logger *logging.Logger) *Poller {
	if logger == nil {
		logger = logging.Default()
	}
	return &Poller{
		name:   name,
		poll:   poll,
		budget: budget,
		events: events,
		logger: logger,
	}
}

// Start launches the poll goroutine
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	p.logger.Debug("poller started", "poller", p.name, "budget", p.budget)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("poller stopping", "poller", p.name)
			return
		case <-p.events:
		}

		for p.poll(p.budget) == p.budget {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Stop cancels the poller and waits for the current call to return. Safe to
// call more than once and on a poller that was never started.
func (p *Poller) Stop() {
	p.once.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		<-p.done
	})
}
