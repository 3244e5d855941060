package gbatch

import (
	"errors"
	"time"

	"github.com/gogpu/gbatch/internal/seqno"
)

// Infinite is the timeout that never expires.
const Infinite time.Duration = -1

// checkLastFinished answers from the completion cache only.
func (s *Screen) checkLastFinished(id uint64) bool {
	return seqno.Reached(s.lastFinished.Load(), uint32(id))
}

// updateLastFinished records that id completed.
func (s *Screen) updateLastFinished(id uint64) {
	for {
		old := s.lastFinished.Load()
		next := seqno.Advance(old, uint32(id))
		if next == old || s.lastFinished.CompareAndSwap(old, next) {
			return
		}
	}
}

// TimelineWait waits until batch id has completed or the timeout expires.
// It returns true immediately once the device is lost, since nothing will
// ever signal again. Any error from the wait marks the device lost.
func (s *Screen) TimelineWait(id uint64, timeout time.Duration) bool {
	if s.checkLastFinished(id) {
		return true
	}
	if s.deviceLost.Load() {
		return true
	}

	ok, err := s.dev.WaitTimeline(id, timeout)
	if err != nil {
		if !errors.Is(err, ErrDeviceLost) {
			Logger().Error("gbatch: timeline wait failed", "batch", id, "err", err)
		}
		s.markDeviceLost(err)
		return false
	}
	if ok {
		s.updateLastFinished(id)
	}
	return ok
}

// CheckCompletion reports whether batch id has completed without blocking.
func (s *Screen) CheckCompletion(id uint64) bool {
	if s.checkLastFinished(id) {
		return true
	}
	return s.TimelineWait(id, 0)
}

// UsageCheckCompletion reports whether the work behind u has completed. It
// may query the device. Usage that is still recording never completes.
func (s *Screen) UsageCheckCompletion(u *BatchUsage) bool {
	if !u.Exists() {
		return true
	}
	if u.Unflushed() {
		return false
	}
	return s.TimelineWait(u.ID(), 0)
}

// UsageCheckCompletionFast is UsageCheckCompletion without the device query.
func (s *Screen) UsageCheckCompletionFast(u *BatchUsage) bool {
	if !u.Exists() {
		return true
	}
	if u.Unflushed() {
		return false
	}
	return s.checkLastFinished(u.ID())
}

// DeviceLost reports whether the device has been lost.
func (s *Screen) DeviceLost() bool {
	return s.deviceLost.Load()
}

func (s *Screen) markDeviceLost(err error) {
	if s.deviceLost.CompareAndSwap(false, true) {
		Logger().Error("gbatch: device lost", "err", err)
	}
}
