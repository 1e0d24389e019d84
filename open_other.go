//go:build !linux

package cndm

import "context"

// Open is only available on Linux. Use Attach with a simulated device
// elsewhere.
func Open(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	return nil, NewError("OPEN", ErrCodeNotSupported, "cndm devices require linux")
}
