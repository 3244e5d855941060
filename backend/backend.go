package backend

import (
	"errors"

	"github.com/gogpu/gbatch"
)

// Backend name constants.
const (
	// BackendNoop is the HAL noop device. It executes nothing and completes
	// every submission immediately.
	BackendNoop = "noop"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Device is an opened backend device. It drives gbatch screens and owns the
// GPU objects behind them until Close.
type Device interface {
	gbatch.Device

	// Close waits for the GPU to go idle and releases the device.
	// It is safe to call more than once.
	Close() error
}
