package ptp

import "sync/atomic"

// TimestampCache expands the truncated seconds carried by completions.
// Completions hold the low four bits of the seconds count; the cache holds
// the rest. It is owned by one RX poller and needs no locking.
type TimestampCache struct {
	clock *Clock
	sec   uint64
	valid bool

	refreshes atomic.Uint64
}

// NewTimestampCache creates an invalid cache. clock may be nil when the
// device has no PHC, in which case only the low seconds bits are reported.
func NewTimestampCache(clock *Clock) *TimestampCache {
	return &TimestampCache{clock: clock}
}

// Reconstruct returns the full timestamp for a completion's seconds byte
// and nanoseconds, refreshing the cache when the high bits may have moved.
func (tc *TimestampCache) Reconstruct(tsS uint8, tsNs uint32) Timestamp {
	s := uint64(tsS)
	if !tc.valid || (tc.sec^s)&0xf0 != 0 {
		if tc.clock != nil {
			tc.sec = tc.clock.CachedSeconds()
			tc.valid = true
			tc.refreshes.Add(1)
		}
	}
	return Timestamp{Sec: s | tc.sec&^0xf, Nsec: tsNs}
}

// Invalidate forces a refresh on the next completion, e.g. after SetTime
func (tc *TimestampCache) Invalidate() {
	tc.valid = false
}

// Refreshes returns how many times the cache has been reloaded
func (tc *TimestampCache) Refreshes() uint64 {
	return tc.refreshes.Load()
}
