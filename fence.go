package gbatch

import "time"

// Fence reports completion of one flushed batch. It is bound to a batch
// state and the generation that state was in; once the state has been reset
// for reuse the fence reads as complete.
type Fence struct {
	ctx      *Context
	bs       *BatchState
	gen      uint32
	deferred bool
}

func (c *Context) fenceFor(bs *BatchState, deferred bool) *Fence {
	if bs == nil {
		return &Fence{}
	}
	return &Fence{ctx: c, bs: bs, gen: bs.usage.gen.Load(), deferred: deferred}
}

// BatchID returns the batch id the fence waits for, or 0 if the batch has
// not been submitted or the fence is already complete.
func (f *Fence) BatchID() uint64 {
	if f.bs == nil || f.bs.usage.gen.Load() != f.gen {
		return 0
	}
	return f.bs.batchID.Load()
}

// Signaled reports completion without blocking.
func (f *Fence) Signaled() bool {
	ok, _ := f.Wait(0)
	return ok
}

// Wait blocks until the batch completes or the timeout expires. A negative
// timeout waits forever. A deferred fence waited on from its own context
// submits its batch first.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	if f == nil || f.bs == nil {
		return true, nil
	}
	if f.deferred {
		if c := f.ctx; c.deferredFence == f && !c.destroyed {
			if err := c.flushBatch(false); err != nil {
				return false, err
			}
		}
		f.deferred = false
	}
	if f.bs.usage.gen.Load() != f.gen {
		return true, nil
	}

	s := f.bs.screen
	if s.submitQ != nil && !f.bs.flushCompleted.WaitTimeout(timeout) {
		return false, nil
	}
	if f.bs.usage.gen.Load() != f.gen {
		return true, nil
	}

	id := f.bs.batchID.Load()
	if id == 0 {
		if s.DeviceLost() {
			return false, ErrDeviceLost
		}
		// Reset between the generation check and the id load.
		return true, nil
	}
	ok := s.TimelineWait(id, timeout)
	if s.DeviceLost() {
		return false, ErrDeviceLost
	}
	return ok, nil
}
