//go:build linux

package irq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-cndm/internal/logging"
)

const (
	udRead uint64 = 1
	udWake uint64 = 2
)

// UIOSource waits for interrupts on a UIO device node. Each completed read
// of the 4-byte event counter is one interrupt, posted to every vector since
// UIO exposes a single line. Reads are driven through io_uring so shutdown
// can wake the waiter with a NOP.
type UIOSource struct {
	path   string
	fd     int
	ring   *giouring.Ring
	buf    [4]byte
	logger *logging.Logger

	sqMu    sync.Mutex
	closing bool
	started bool
	done    chan struct{}
}

// NewUIOSource opens a UIO device such as /dev/uio0
func NewUIOSource(path string) (*UIOSource, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	ring, err := giouring.CreateRing(8)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create io_uring: %w", err)
	}
	return &UIOSource{
		path:   path,
		fd:     fd,
		ring:   ring,
		logger: logging.Default(),
		done:   make(chan struct{}),
	}, nil
}

// unmask re-enables the interrupt line
func (s *UIOSource) unmask() error {
	var one [4]byte
	binary.NativeEndian.PutUint32(one[:], 1)
	_, err := unix.Write(s.fd, one[:])
	return err
}

func (s *UIOSource) armRead() error {
	s.sqMu.Lock()
	defer s.sqMu.Unlock()
	if s.closing {
		return errClosing
	}
	sqe := s.ring.GetSQE()
	if sqe == nil {
		return errors.New("submission queue full")
	}
	sqe.PrepareRead(s.fd, uintptr(unsafe.Pointer(&s.buf[0])), uint32(len(s.buf)), 0)
	sqe.UserData = udRead
	_, err := s.ring.Submit()
	return err
}

var errClosing = errors.New("closing")

// Start begins delivering interrupts into t
func (s *UIOSource) Start(t *Table) error {
	if err := s.unmask(); err != nil {
		return fmt.Errorf("failed to enable interrupts on %s: %w", s.path, err)
	}
	if err := s.armRead(); err != nil {
		return err
	}
	s.sqMu.Lock()
	s.started = true
	s.sqMu.Unlock()
	go s.loop(t)
	return nil
}

func (s *UIOSource) loop(t *Table) {
	defer close(s.done)
	for {
		cqe, err := s.ring.WaitCQE()
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.logger.Error("uio wait failed", "path", s.path, "error", err)
			return
		}
		ud, res := cqe.UserData, cqe.Res
		s.ring.CQESeen(cqe)

		if ud == udWake {
			return
		}
		if res < 0 {
			s.logger.Error("uio read failed", "path", s.path, "errno", -res)
			return
		}

		t.PostAll()

		if err := s.unmask(); err != nil {
			s.logger.Warn("uio unmask failed", "path", s.path, "error", err)
		}
		if err := s.armRead(); err != nil {
			if !errors.Is(err, errClosing) {
				s.logger.Error("uio re-arm failed", "path", s.path, "error", err)
			}
			return
		}
	}
}

// Close stops the waiter and releases the device
func (s *UIOSource) Close() error {
	s.sqMu.Lock()
	if s.closing {
		s.sqMu.Unlock()
		return nil
	}
	s.closing = true
	started := s.started
	if started {
		if sqe := s.ring.GetSQE(); sqe != nil {
			sqe.PrepareNop()
			sqe.UserData = udWake
			s.ring.Submit()
		}
	}
	s.sqMu.Unlock()

	if started {
		<-s.done
	}
	s.ring.QueueExit()
	return unix.Close(s.fd)
}

var _ Source = (*UIOSource)(nil)
