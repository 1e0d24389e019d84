// Package ctrl issues mailbox commands to the device
package ctrl

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/uapi"
)

var (
	ErrNilCommand     = errors.New("mailbox: nil command or response")
	ErrMailboxTimeout = errors.New("mailbox: busy bit did not clear")
	ErrCommandFailed  = errors.New("mailbox: command failed")
	ErrBadQueueSize   = errors.New("mailbox: queue size must be a power of two")
)

// StatusError carries the non-zero status returned by the device
type StatusError struct {
	Op     uapi.Opcode
	Status uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status 0x%04x", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrCommandFailed
}

// Config tunes the mailbox protocol
type Config struct {
	// PollCount and PollInterval bound the wait for the busy bit
	PollCount    int
	PollInterval time.Duration

	// LegacyTimeout reads the response even when the busy bit never clears,
	// logging a warning instead of failing
	LegacyTimeout bool

	// Sleep waits between busy-bit polls, replaceable in tests
	Sleep func(time.Duration)
}

// DefaultConfig returns the protocol defaults: 10 polls, 100µs apart
func DefaultConfig() Config {
	return Config{
		PollCount:    constants.MailboxPollCount,
		PollInterval: constants.MailboxPollInterval,
		Sleep:        time.Sleep,
	}
}

// Controller executes mailbox commands against a register block. It holds
// no lock: callers serialize access to the single mailbox.
type Controller struct {
	regs   hw.Registers
	cfg    Config
	logger *logging.Logger
}

// NewController creates a mailbox executor over BAR0
func NewController(regs hw.Registers, cfg Config) *Controller {
	if cfg.PollCount <= 0 {
		cfg.PollCount = constants.MailboxPollCount
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Controller{
		regs:   regs,
		cfg:    cfg,
		logger: logging.Default(),
	}
}

// SetLogger replaces the controller's logger
func (c *Controller) SetLogger(l *logging.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Exec writes cmd into the mailbox, rings the go bit, waits for the device
// to clear it and reads the response into rsp.
func (c *Controller) Exec(cmd, rsp *uapi.Cmd) error {
	if cmd == nil || rsp == nil {
		return ErrNilCommand
	}

	op := cmd.Opcode
	c.logger.MailboxStart(op.String(), cmd.Port, cmd.QN)

	dw := cmd.Dwords()
	for i, v := range dw {
		c.regs.Write32(constants.MailboxBase+uint32(i)*4, v)
	}
	c.regs.Write32(constants.RegMailboxCtrl, constants.MailboxCtrlBusy)

	done := false
	for i := 0; i < c.cfg.PollCount; i++ {
		if c.regs.Read32(constants.RegMailboxCtrl)&constants.MailboxCtrlBusy == 0 {
			done = true
			break
		}
		c.cfg.Sleep(c.cfg.PollInterval)
	}

	if !done {
		if !c.cfg.LegacyTimeout {
			err := fmt.Errorf("%s: %w", op, ErrMailboxTimeout)
			c.logger.MailboxError(op.String(), err)
			return err
		}
		c.logger.Warn("mailbox busy bit still set, reading response anyway", "opcode", op.String())
	}

	var out [constants.MailboxDwords]uint32
	for i := range out {
		out[i] = c.regs.Read32(constants.MailboxRspBase + uint32(i)*4)
	}
	rsp.SetDwords(out)

	if status := rsp.Status(); status != 0 {
		err := &StatusError{Op: op, Status: status}
		c.logger.MailboxError(op.String(), err)
		return err
	}

	c.logger.MailboxSuccess(op.String(), rsp.DBOffs)
	return nil
}

// Nop issues a NOP command, useful to probe that the mailbox responds
func (c *Controller) Nop() error {
	var rsp uapi.Cmd
	return c.Exec(&uapi.Cmd{Opcode: uapi.OpNop}, &rsp)
}

// QueueParams describes a queue object to create
type QueueParams struct {
	Kind uapi.Opcode // KindCQ, KindSQ, KindRQ or KindEQ
	Port uint32
	QN   uint32
	// QN2 is the completion queue a submission queue reports to
	QN2  uint32
	Size int
	// Ring is the bus address of the ring memory
	Ring uint64
}

// CreateQueue creates a queue object and returns the doorbell offset the
// device assigned to it
func (c *Controller) CreateQueue(p QueueParams) (uint32, error) {
	if p.Size <= 0 || p.Size&(p.Size-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadQueueSize, p.Size)
	}

	cmd := uapi.Cmd{
		Opcode: p.Kind | uapi.ActionCreate,
		Port:   p.Port,
		QN:     p.QN,
		QN2:    p.QN2,
		Size:   sizeToShift(p.Size),
		Ptr1:   p.Ring,
	}
	var rsp uapi.Cmd
	if err := c.Exec(&cmd, &rsp); err != nil {
		return 0, err
	}
	return rsp.DBOffs, nil
}

// DestroyQueue destroys a queue object
func (c *Controller) DestroyQueue(kind uapi.Opcode, port, qn uint32) error {
	cmd := uapi.Cmd{
		Opcode: kind | uapi.ActionDestroy,
		Port:   port,
		QN:     qn,
	}
	var rsp uapi.Cmd
	return c.Exec(&cmd, &rsp)
}

// sizeToShift converts a power-of-two size to its log2
func sizeToShift(size int) uint32 {
	return uint32(bits.TrailingZeros(uint(size)))
}
