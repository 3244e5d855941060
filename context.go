package gbatch

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// ResetStatus is the device reset state a context reports to its frontend.
type ResetStatus uint8

const (
	// NoReset means the device is healthy.
	NoReset ResetStatus = iota
	// GuiltyContextReset means the context's own work was executing when the
	// device was lost. Without more information every context assumes guilt.
	GuiltyContextReset
	// InnocentContextReset means another context caused the loss.
	InnocentContextReset
	// UnknownContextReset means the cause is unknown.
	UnknownContextReset
)

// String returns the reset status name.
func (r ResetStatus) String() string {
	switch r {
	case NoReset:
		return "no-reset"
	case GuiltyContextReset:
		return "guilty"
	case InnocentContextReset:
		return "innocent"
	case UnknownContextReset:
		return "unknown"
	default:
		return "invalid"
	}
}

// Context records commands into batches and submits them to the Screen's
// device. A Context is used from one goroutine; only the submit worker runs
// concurrently with it.
type Context struct {
	screen   *Screen
	logAttrs []any

	batch Batch

	// In-flight states in submission order and reset states ready for reuse.
	inFlight      *BatchState
	lastInFlight  *BatchState
	inFlightCount atomic.Int32
	free          *BatchState
	lastFree      *BatchState

	oomFlush bool
	oomStall bool

	isDeviceLost atomic.Bool
	resetCb      atomic.Pointer[func(ResetStatus)]

	queries QueryTracker
	cond    ConditionalRenderer
	rp      renderPassTracker

	deferredFence   *Fence
	swapchainTarget *ResourceObject

	destroyed bool
	flushes   uint64
}

// ContextStats is a snapshot of Context counters.
type ContextStats struct {
	InFlight         int
	Free             int
	Flushes          uint64
	LastBatchID      uint64
	RenderPasses     uint64
	RenderPassSplits uint64
	PassCacheLen     int
	DeviceLost       bool
}

// NewContext creates a recording context and starts its first batch. The
// first batch also primes the context's free list.
func (s *Screen) NewContext(opts ...ContextOption) (*Context, error) {
	if s.closed.Load() {
		return nil, ErrScreenClosed
	}
	o := contextOptions{queries: nopQueries{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{
		screen:   s,
		logAttrs: o.logAttrs,
		queries:  o.queries,
		cond:     o.cond,
	}
	c.batch.ctx = c
	c.rp.init(c, s.renderingMode(o.rendering))
	if o.resetCb != nil {
		c.SetResetCallback(o.resetCb)
	}

	if err := c.startBatch(); err != nil {
		c.SetResetCallback(nil)
		for bs := c.popFree(); bs != nil; bs = c.popFree() {
			bs.destroy()
		}
		if bs := c.batch.state; bs != nil {
			bs.destroy()
		}
		return nil, err
	}

	c.logger().Info("gbatch: context created", "rendering", c.rp.mode)
	return c, nil
}

func (c *Context) logger() *slog.Logger {
	if len(c.logAttrs) == 0 {
		return Logger()
	}
	return Logger().With(c.logAttrs...)
}

// Screen returns the owning screen.
func (c *Context) Screen() *Screen { return c.screen }

// Batch returns the active batch.
func (c *Context) Batch() *Batch { return &c.batch }

// LastBatchID returns the id of the newest in-flight batch, or 0.
func (c *Context) LastBatchID() uint64 {
	if c.lastInFlight == nil {
		return 0
	}
	return c.lastInFlight.batchID.Load()
}

// SetResetCallback registers fn to be told about device loss. Passing nil
// unregisters. Contexts with a callback count as robust: a device loss is
// then reported instead of aborting the process.
func (c *Context) SetResetCallback(fn func(ResetStatus)) {
	var p *func(ResetStatus)
	if fn != nil {
		p = &fn
	}
	old := c.resetCb.Swap(p)
	switch {
	case old == nil && p != nil:
		c.screen.robustCount.Add(1)
	case old != nil && p == nil:
		c.screen.robustCount.Add(-1)
	}
}

func (c *Context) resetCallback() func(ResetStatus) {
	if p := c.resetCb.Load(); p != nil {
		return *p
	}
	return nil
}

// notifyReset marks the context lost and runs the reset callback once. It
// reports whether the loss counts as handled.
func (c *Context) notifyReset(status ResetStatus) bool {
	if !c.isDeviceLost.CompareAndSwap(false, true) {
		return true
	}
	cb := c.resetCallback()
	if cb == nil {
		return false
	}
	cb(status)
	return true
}

// checkDeviceLost propagates a Screen-wide device loss to this context.
func (c *Context) checkDeviceLost() bool {
	if !c.screen.DeviceLost() {
		return false
	}
	if !c.isDeviceLost.Load() {
		c.logger().Error("gbatch: device lost detected")
		c.notifyReset(GuiltyContextReset)
	}
	return true
}

// ResetStatus reports whether the device was lost.
func (c *Context) ResetStatus() ResetStatus {
	c.checkDeviceLost()
	if c.isDeviceLost.Load() {
		return GuiltyContextReset
	}
	return NoReset
}

// lost reports whether recording is pointless.
func (c *Context) lost() bool {
	return c.isDeviceLost.Load() || c.checkDeviceLost()
}

// Stats returns a snapshot of the context counters.
func (c *Context) Stats() ContextStats {
	return ContextStats{
		InFlight:         int(c.inFlightCount.Load()),
		Free:             listLen(c.free),
		Flushes:          c.flushes,
		LastBatchID:      c.LastBatchID(),
		RenderPasses:     c.rp.begins,
		RenderPassSplits: c.rp.splits,
		PassCacheLen:     c.rp.cacheLen(),
		DeviceLost:       c.isDeviceLost.Load(),
	}
}

// Destroy waits for the device to go idle, resets every batch state and
// hands them to the Screen for reuse by other contexts.
func (c *Context) Destroy() {
	if c.destroyed {
		return
	}
	s := c.screen

	if s.submitQ != nil {
		s.submitQ.Finish()
	}
	if !s.DeviceLost() {
		s.queueMu.Lock()
		err := s.dev.WaitIdle()
		s.queueMu.Unlock()
		if err != nil {
			if errors.Is(err, ErrDeviceLost) {
				s.markDeviceLost(err)
			} else {
				c.logger().Error("gbatch: wait idle failed", "err", err)
			}
		}
	}

	cur := c.batch.state
	for bs := c.inFlight; bs != nil; bs = bs.next {
		if bs == cur {
			cur = nil
			break
		}
	}

	c.rp.release()
	c.resetAll()
	if cur != nil {
		cur.reset()
		c.pushFree(cur)
	}
	for bs := c.free; bs != nil; bs = bs.next {
		bs.drainUnrefs()
		bs.ctx = nil
	}
	s.giveFreeStates(c.free)
	c.free, c.lastFree = nil, nil
	c.batch.state = nil
	c.destroyed = true
	c.SetResetCallback(nil)

	c.logger().Info("gbatch: context destroyed", "flushes", c.flushes)
}
