package sim

import (
	"time"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/ptp"
)

// phc models the PTP clock as an offset from a host time base. Frequency
// adjustments are recorded but do not change the rate.
type phc struct {
	base   func() time.Time
	offset time.Duration

	nominal uint64
	inc     uint64
	latched ptp.Timestamp

	setNs    uint32
	setSecLo uint32
}

func newPHC(base func() time.Time) phc {
	return phc{
		base:    base,
		nominal: constants.PTPDefaultNomInc,
		inc:     constants.PTPDefaultNomInc,
	}
}

func (c *phc) now() ptp.Timestamp {
	return ptp.FromTime(c.base().Add(c.offset))
}

func (c *phc) read(off uint32) uint32 {
	switch off {
	case constants.PTPRegCachedSecLo:
		return uint32(c.now().Sec)
	case constants.PTPRegCachedSecHi:
		return uint32(c.now().Sec >> 32)
	case constants.PTPRegLatch:
		c.latched = c.now()
		return 0
	case constants.PTPRegNs:
		return c.latched.Nsec
	case constants.PTPRegSecLo:
		return uint32(c.latched.Sec)
	case constants.PTPRegSecHi:
		return uint32(c.latched.Sec >> 32)
	case constants.PTPRegNomIncLo:
		return uint32(c.nominal)
	case constants.PTPRegNomIncHi:
		return uint32(c.nominal >> 32)
	case constants.PTPRegIncLo:
		return uint32(c.inc)
	case constants.PTPRegIncHi:
		return uint32(c.inc >> 32)
	}
	return 0
}

func (c *phc) write(off, val uint32) {
	switch off {
	case constants.PTPRegOffsetAdj:
		c.offset += time.Duration(int32(val))
	case constants.PTPRegSetNs:
		c.setNs = val
	case constants.PTPRegSetSecLo:
		c.setSecLo = val
	case constants.PTPRegSetSecHi:
		// the high seconds word commits the new time
		target := ptp.Timestamp{Sec: uint64(val)<<32 | uint64(c.setSecLo), Nsec: c.setNs}
		c.offset = target.Time().Sub(c.base())
	case constants.PTPRegIncLo:
		c.inc = c.inc&^0xffffffff | uint64(val)
	case constants.PTPRegIncHi:
		c.inc = c.inc&0xffffffff | uint64(val)<<32
	}
}

// ClockTime returns the current PTP clock value
func (d *Device) ClockTime() ptp.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.now()
}

// ClockIncrement returns the last increment written by a frequency
// adjustment
func (d *Device) ClockIncrement() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.inc
}
