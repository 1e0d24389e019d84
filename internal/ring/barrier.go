package ring

import "sync/atomic"

// barrierDummy is the target of the locked add used as a fence.
// On x86-64 atomic.AddInt64 compiles to LOCK XADD, a full fence.
var barrierDummy int64

// Wmb orders descriptor stores before the doorbell write that publishes them.
func Wmb() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Rmb orders the phase load before loads of the remaining completion fields.
func Rmb() {
	atomic.AddInt64(&barrierDummy, 0)
}
