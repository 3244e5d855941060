package gbatch

import "fmt"

// FlushFlags modify Context.Flush.
type FlushFlags uint8

const (
	// FlushDeferred returns a fence without submitting. Waiting on the fence
	// from the owning context submits first.
	FlushDeferred FlushFlags = 1 << iota
	// FlushSync returns only after the batch has been handed to the device.
	FlushSync
	// FlushWait returns only after the batch has completed on the device.
	// Its state is back on the free list by then.
	FlushWait
)

// Flush submits the active batch and starts a new one. With nothing recorded
// it returns a fence for the last submission instead.
func (c *Context) Flush(flags FlushFlags) (*Fence, error) {
	if c.destroyed {
		return nil, ErrContextDestroyed
	}
	if c.lost() {
		return nil, ErrDeviceLost
	}

	bs := c.batch.state
	if !bs.HasWork() && !c.rp.hasClears() {
		if c.deferredFence != nil {
			return c.deferredFence, nil
		}
		return c.fenceFor(c.lastInFlight, false), nil
	}

	f := c.fenceFor(bs, flags&FlushDeferred != 0)
	if f.deferred {
		c.deferredFence = f
		return f, nil
	}
	wait := flags&FlushWait != 0
	if err := c.flushBatch(wait || flags&FlushSync != 0); err != nil {
		return f, err
	}
	if wait {
		// An infinite wait fails only when the device is lost.
		if id := f.BatchID(); id != 0 {
			c.screen.TimelineWait(id, Infinite)
		}
		if c.checkDeviceLost() {
			return f, ErrDeviceLost
		}
		c.reclaimCompleted()
	}
	return f, nil
}

// flushBatch ends the active batch, submits it and starts the next one.
// Queued clears are applied first so they survive the flush.
func (c *Context) flushBatch(sync bool) error {
	s := c.screen
	if c.rp.hasClears() {
		if err := c.beginRenderPass(); err != nil {
			c.logger().Error("gbatch: applying queued clears failed", "err", err)
		}
	}
	c.endRenderPass()

	bs := c.batch.state
	requestFlush := c.endBatch()
	c.deferredFence = nil
	c.flushes++

	if sync && s.submitQ != nil {
		bs.flushCompleted.Wait()
	}
	if bs.deviceLost.Load() || s.DeviceLost() {
		c.checkDeviceLost()
		return ErrDeviceLost
	}

	if err := c.startBatch(); err != nil {
		return err
	}
	if c.oomStall {
		c.logger().Warn("gbatch: batch exceeded memory ceiling, stalling", "batch", bs.batchID.Load())
		c.stall()
	}
	c.oomFlush = requestFlush
	c.oomStall = false
	return nil
}

// endBatch moves the active state to the in-flight list and queues its
// submission. It reports whether so much work is in flight that the next
// command should force another flush.
func (c *Context) endBatch() bool {
	s := c.screen
	bs := c.batch.state

	c.queries.Suspend(bs)

	requestFlush := false
	if c.oomFlush || int(c.inFlightCount.Load()) > s.cfg.ReclaimThreshold {
		c.reclaimCompleted()
		if int(c.inFlightCount.Load()) > s.cfg.OOMFlushThreshold {
			requestFlush = true
		}
	}

	c.pushInFlight(bs)

	if obj := c.swapchainTarget; obj != nil {
		if sem := obj.swapchain.Present(obj); sem != nil {
			bs.present = sem
		}
		c.swapchainTarget = nil
	}

	if s.DeviceLost() {
		bs.usage.markFlushed()
		return requestFlush
	}

	for _, obj := range bs.exports {
		sem, err := s.getExportSemaphore()
		if err != nil {
			c.logger().Warn("gbatch: export semaphore unavailable", "err", err)
			continue
		}
		bs.signals = append(bs.signals, sem)
		bs.exportSignals = append(bs.exportSignals, exportSignal{obj: obj, sem: sem})
		bs.hasWork = true
	}

	if s.submitQ != nil {
		s.submitQ.Add(bs.flushCompleted, bs.submit, bs.postSubmit)
	} else {
		bs.submit()
		bs.postSubmit()
	}
	return requestFlush
}

// startBatch acquires a state and opens its streams for recording.
func (c *Context) startBatch() error {
	bs, err := c.acquireState()
	if err != nil {
		return err
	}
	c.batch.state = bs
	bs.usage.markStarted()

	for role, stream := range bs.streams {
		if err := c.screen.retry.Do(stream.Begin); err != nil {
			return fmt.Errorf("begin %s stream: %w", StreamRole(role), err)
		}
	}
	bs.completed.Store(false)

	c.queries.Resume(bs)
	c.screen.descriptors.BindAtStart(bs)
	return nil
}

// checkOOM requests a flush and stall once the active batch references more
// memory than the ceiling allows.
func (c *Context) checkOOM(bs *BatchState) {
	if c.oomFlush || c.screen.clampSize == 0 {
		return
	}
	if size := bs.ResourceSize(); size >= c.screen.clampSize {
		c.logger().Warn("gbatch: batch memory ceiling reached", "bytes", size)
		c.oomFlush = true
		c.oomStall = true
	}
}

// maybeFlushOOM performs the flush requested by checkOOM.
func (c *Context) maybeFlushOOM() error {
	if !c.oomFlush {
		return nil
	}
	return c.flushBatch(false)
}

// stall waits for the newest submission and recycles every in-flight state.
func (c *Context) stall() {
	bs := c.lastInFlight
	if bs == nil {
		return
	}
	if c.screen.submitQ != nil {
		bs.flushCompleted.Wait()
	}
	if id := bs.batchID.Load(); id != 0 && !c.screen.TimelineWait(id, Infinite) {
		c.checkDeviceLost()
		return
	}
	c.resetAll()
}

// Stall blocks until every submitted batch has completed and returns their
// states to the free list.
func (c *Context) Stall() error {
	if c.destroyed {
		return ErrContextDestroyed
	}
	c.stall()
	if c.checkDeviceLost() {
		return ErrDeviceLost
	}
	return nil
}

// WaitOnBatch blocks until batch id completes. Id 0 means the active batch,
// which is flushed first.
func (c *Context) WaitOnBatch(id uint64) error {
	if c.destroyed {
		return ErrContextDestroyed
	}
	s := c.screen
	if id == 0 {
		if err := c.flushBatch(true); err != nil {
			return err
		}
		if c.lastInFlight == nil {
			return nil
		}
		if id = c.lastInFlight.batchID.Load(); id == 0 {
			c.checkDeviceLost()
			return ErrDeviceLost
		}
	}
	if !s.TimelineWait(id, Infinite) || s.DeviceLost() {
		c.checkDeviceLost()
		return ErrDeviceLost
	}
	return nil
}

// CheckBatchCompletion reports whether batch id has completed without
// blocking. Unsubmitted work (id 0) is never complete. After a device loss
// every batch reports complete so callers stop waiting.
func (c *Context) CheckBatchCompletion(id uint64) bool {
	return c.checkBatchCompletion(id)
}

func (c *Context) checkBatchCompletion(id uint64) bool {
	if id == 0 {
		return false
	}
	s := c.screen
	if s.checkLastFinished(id) {
		return true
	}
	ok := s.TimelineWait(id, 0)
	if !ok || s.DeviceLost() {
		c.checkDeviceLost()
	}
	return ok
}

// WaitUsage blocks until the work recorded under u has completed. Usage of
// the active batch is flushed first; usage of another context's recording
// batch is waited on until that context submits it.
func (c *Context) WaitUsage(u *BatchUsage) error {
	if !u.Exists() {
		return nil
	}
	if u.Unflushed() {
		if u == &c.batch.state.usage {
			if err := c.flushBatch(true); err != nil {
				return err
			}
		} else {
			u.waitFlushed()
		}
		if !u.Exists() {
			return nil
		}
	}
	id := u.ID()
	if id == 0 {
		return nil
	}
	return c.WaitOnBatch(id)
}

// CommitSparse runs a sparse binding update. Pending use of res by the active
// batch is flushed first; the semaphore commit returns, if any, is waited on
// by the next submission.
func (c *Context) CommitSparse(res *Resource, commit func() (Semaphore, error)) error {
	if c.lost() {
		return ErrDeviceLost
	}
	obj := res.Object()
	if obj.HasUnflushedUsage() && obj.usageMatches(c.batch.state) {
		if err := c.flushBatch(false); err != nil {
			return err
		}
	}
	sem, err := commit()
	if err != nil {
		return fmt.Errorf("commit sparse: %w", err)
	}
	if sem != nil {
		c.batch.AddWaitSemaphore(sem, StageAllCommands)
		c.batch.state.hasWork = true
	}
	return nil
}
