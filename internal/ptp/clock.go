// Package ptp drives the device's PTP hardware clock
package ptp

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/logging"
)

// Timestamp is a PHC time value
type Timestamp struct {
	Sec  uint64
	Nsec uint32
}

// Time converts the timestamp to a time.Time
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nsec))
}

// Add returns t shifted by d, normalized to 0 <= Nsec < 1e9
func (t Timestamp) Add(d time.Duration) Timestamp {
	total := int64(t.Nsec) + int64(d%time.Second)
	sec := int64(t.Sec) + int64(d/time.Second)
	if total < 0 {
		total += int64(time.Second)
		sec--
	} else if total >= int64(time.Second) {
		total -= int64(time.Second)
		sec++
	}
	if sec < 0 {
		return Timestamp{}
	}
	return Timestamp{Sec: uint64(sec), Nsec: uint32(total)}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}

// FromTime converts a time.Time to a Timestamp
func FromTime(t time.Time) Timestamp {
	return Timestamp{Sec: uint64(t.Unix()), Nsec: uint32(t.Nanosecond())}
}

// Clock is the PTP hardware clock register block
type Clock struct {
	regs   hw.Registers
	name   string
	logger *logging.Logger

	// Now samples the host clock for GetTimeX and SetFromSystem
	Now func() time.Time
}

// NewClock wraps the clock registers, which start at the clock base
func NewClock(regs hw.Registers, name string) *Clock {
	return &Clock{
		regs:   regs,
		name:   name,
		logger: logging.Default(),
		Now:    time.Now,
	}
}

// SetLogger replaces the clock's logger
func (c *Clock) SetLogger(l *logging.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Name is the clock name, "<device>_phc"
func (c *Clock) Name() string {
	return c.name
}

// MaxAdj is the frequency adjustment range in parts per billion
func (c *Clock) MaxAdj() int64 {
	return constants.PTPMaxAdjPPB
}

func (c *Clock) readLatched() Timestamp {
	ns := c.regs.Read32(constants.PTPRegNs)
	sec := hw.Read64(c.regs, constants.PTPRegSecLo, constants.PTPRegSecHi)
	return Timestamp{Sec: sec, Nsec: ns}
}

// GetTime latches and reads the clock
func (c *Clock) GetTime() Timestamp {
	c.regs.Read32(constants.PTPRegLatch)
	return c.readLatched()
}

// GetTimeX reads the clock and returns host times sampled immediately
// before and after the latching read
func (c *Clock) GetTimeX() (ts Timestamp, pre, post time.Time) {
	pre = c.Now()
	c.regs.Read32(constants.PTPRegLatch)
	post = c.Now()
	return c.readLatched(), pre, post
}

// SetTime steps the clock
func (c *Clock) SetTime(ts Timestamp) {
	c.regs.Write32(constants.PTPRegSetNs, ts.Nsec)
	c.regs.Write32(constants.PTPRegSetSecLo, uint32(ts.Sec))
	c.regs.Write32(constants.PTPRegSetSecHi, uint32(ts.Sec>>32))
}

// SetFromSystem sets the clock from the host clock
func (c *Clock) SetFromSystem() {
	c.SetTime(FromTime(c.Now()))
}

// AdjTime shifts the clock by delta. Small offsets go through the atomic
// adjust register, large ones are a read-modify-write step.
func (c *Clock) AdjTime(delta time.Duration) {
	c.logger.Debug("adjtime", "clock", c.name, "delta_ns", int64(delta))

	if delta > constants.PTPAtomicAdjLimit || delta < -constants.PTPAtomicAdjLimit {
		c.SetTime(c.GetTime().Add(delta))
		return
	}
	c.regs.Write32(constants.PTPRegOffsetAdj, uint32(int64(delta)&0xffffffff))
}

// NominalIncrement returns the per-tick increment with no adjustment applied
func (c *Clock) NominalIncrement() uint64 {
	nom := hw.Read64(c.regs, constants.PTPRegNomIncLo, constants.PTPRegNomIncHi)
	if nom == 0 {
		nom = constants.PTPDefaultNomInc
	}
	return nom
}

// AdjFine sets the frequency offset. scaledPPM is parts per million with a
// 16-bit binary fraction. Returns the increment written to the clock.
func (c *Clock) AdjFine(scaledPPM int64) uint64 {
	neg := scaledPPM < 0
	if neg {
		scaledPPM = -scaledPPM
	}

	nom := c.NominalIncrement()
	adj := ((nom>>16)*uint64(scaledPPM) + 500000) / 1000000

	inc := nom + adj
	if neg {
		inc = nom - adj
	}

	hw.Write64(c.regs, constants.PTPRegIncLo, constants.PTPRegIncHi, inc)
	c.logger.Debug("adjfine", "clock", c.name, "scaled_ppm", scaledPPM, "neg", neg, "inc", fmt.Sprintf("0x%x", inc))
	return inc
}

// CachedSeconds reads the seconds value the clock publishes for timestamp
// reconstruction
func (c *Clock) CachedSeconds() uint64 {
	return hw.Read64(c.regs, constants.PTPRegCachedSecLo, constants.PTPRegCachedSecHi)
}
