package halgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/wgpu/hal"
)

// Package errors.
var (
	// ErrNilDevice is returned when a HAL device or queue is missing.
	ErrNilDevice = errors.New("halgpu: device is nil")

	// ErrNoHALAccess is returned when a device provider does not expose its
	// HAL device and queue.
	ErrNoHALAccess = errors.New("halgpu: provider does not expose HAL device")

	// ErrForeignObject is returned when an object from another backend is
	// handed to this one.
	ErrForeignObject = errors.New("halgpu: object was not created by this backend")

	// ErrNotTexture is returned when a render attachment is not backed by a texture.
	ErrNotTexture = errors.New("halgpu: attachment is not a texture")

	// ErrStreamRecording is returned by Begin on a stream that is already open.
	ErrStreamRecording = errors.New("halgpu: stream already recording")

	// ErrStreamIdle is returned by End on a stream that was never begun.
	ErrStreamIdle = errors.New("halgpu: stream not recording")
)

// mapErr translates HAL failures into the errors the batch core acts on.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return fmt.Errorf("%w: %w", gbatch.ErrOutOfDeviceMemory, err)
	case errors.Is(err, hal.ErrDeviceLost):
		return fmt.Errorf("%w: %w", gbatch.ErrDeviceLost, err)
	default:
		return err
	}
}
