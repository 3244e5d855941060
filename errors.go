package gbatch

import "errors"

// Package errors. Device backends wrap or return these so errors.Is can tell a
// transient allocation failure from a lost device.
var (
	// ErrOutOfDeviceMemory is a transient device allocation failure. Calls that
	// return it are retried on the configured schedule.
	ErrOutOfDeviceMemory = errors.New("gbatch: out of device memory")

	// ErrOutOfHostMemory is a host allocation failure inside the device layer.
	ErrOutOfHostMemory = errors.New("gbatch: out of host memory")

	// ErrDeviceLost is returned once the device stopped executing work.
	// It is sticky for the whole Screen.
	ErrDeviceLost = errors.New("gbatch: device lost")

	// ErrScreenClosed is returned by operations on a closed Screen.
	ErrScreenClosed = errors.New("gbatch: screen closed")

	// ErrContextDestroyed is returned by operations on a destroyed Context.
	ErrContextDestroyed = errors.New("gbatch: context destroyed")

	// ErrStateCreation is returned when a batch state cannot be allocated.
	ErrStateCreation = errors.New("gbatch: batch state creation failed")

	// ErrNilDevice is returned when a Screen is opened without a device.
	ErrNilDevice = errors.New("gbatch: device is nil")

	// ErrInvalidConfig is returned for configuration values out of range.
	ErrInvalidConfig = errors.New("gbatch: invalid config")
)

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, ErrOutOfDeviceMemory)
}
