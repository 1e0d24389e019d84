package cndm

import "fmt"

// TxTimestampType selects transmit timestamping
type TxTimestampType int

const (
	TxTimestampOff TxTimestampType = 0
	TxTimestampOn  TxTimestampType = 1
)

// RxFilter selects which received frames are timestamped. Values follow the
// Linux hwtstamp rx_filter numbering.
type RxFilter int

const (
	RxFilterNone RxFilter = 0
	RxFilterAll  RxFilter = 1

	// The PTP-specific filters (v1 and v2 event, sync and delay_req) occupy
	// 2 through 14, and 15 is RxFilterNTPAll
	rxFilterMax RxFilter = 15
)

func (f RxFilter) String() string {
	switch f {
	case RxFilterNone:
		return "none"
	case RxFilterAll:
		return "all"
	}
	return fmt.Sprintf("filter(%d)", int(f))
}

// HWTimestampConfig is the hardware timestamping configuration of a port
type HWTimestampConfig struct {
	Flags    uint32
	TxType   TxTimestampType
	RxFilter RxFilter
}

// HWTimestamp returns the current timestamping configuration
func (p *Port) HWTimestamp() HWTimestampConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hwts
}

// SetHWTimestamp validates and applies a timestamping configuration and
// returns the configuration in effect. The device timestamps every received
// frame, so any filter other than none is widened to all.
func (p *Port) SetHWTimestamp(cfg HWTimestampConfig) (HWTimestampConfig, error) {
	if cfg.Flags != 0 {
		return p.HWTimestamp(), NewPortError("SET_HWTSTAMP", p.index, ErrCodeInvalidParameters, fmt.Sprintf("unsupported flags 0x%x", cfg.Flags))
	}

	switch cfg.TxType {
	case TxTimestampOff, TxTimestampOn:
	default:
		return p.HWTimestamp(), NewPortError("SET_HWTSTAMP", p.index, ErrCodeOutOfRange, fmt.Sprintf("tx type %d", cfg.TxType))
	}

	switch {
	case cfg.RxFilter == RxFilterNone:
	case cfg.RxFilter > RxFilterNone && cfg.RxFilter <= rxFilterMax:
		cfg.RxFilter = RxFilterAll
	default:
		return p.HWTimestamp(), NewPortError("SET_HWTSTAMP", p.index, ErrCodeOutOfRange, fmt.Sprintf("rx filter %d", cfg.RxFilter))
	}

	p.mu.Lock()
	p.hwts = cfg
	p.mu.Unlock()
	p.tx.SetTimestampEnabled(cfg.TxType == TxTimestampOn)

	p.logger.Debug("hardware timestamping configured", "tx_type", int(cfg.TxType), "rx_filter", cfg.RxFilter.String())
	return cfg, nil
}
