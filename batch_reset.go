package gbatch

// reset returns a completed state to a clean recording state. Every hold the
// state had on resources, programs, semaphores and device objects is
// released. Calling reset twice is harmless.
func (bs *BatchState) reset() {
	s := bs.screen

	for _, p := range bs.pools {
		if err := p.Reset(); err != nil {
			Logger().Error("gbatch: command pool reset failed", "err", err)
		}
	}

	bs.refMu.Lock()
	bs.refs.each(bs.resetObject)
	bs.refs.reset()
	bs.refMu.Unlock()

	if bs.ctx != nil {
		for _, q := range bs.activeQueries {
			bs.ctx.queries.Prune(bs, q)
		}
	}
	clear(bs.activeQueries)
	bs.activeQueries = bs.activeQueries[:0]

	bs.deadQueryPools = destroyAll(bs.deadQueryPools)
	bs.dgcObjects = destroyAll(bs.dgcObjects)
	bs.zombieSamplers = destroyAll(bs.zombieSamplers)
	bs.renderObjects = destroyAll(bs.renderObjects)

	s.descriptors.Reset(bs)

	for _, obj := range bs.freedSparse {
		obj.Unref()
	}
	clear(bs.freedSparse)
	bs.freedSparse = bs.freedSparse[:0]

	// Exports left over from a failed submit still hold their references.
	bs.unrefObjs = append(bs.unrefObjs, bs.exports...)
	clear(bs.exports)
	bs.exports = bs.exports[:0]
	clear(bs.exportSignals)
	bs.exportSignals = bs.exportSignals[:0]

	for p := range bs.programs {
		p.RemoveBatchReference(bs)
		p.ReleaseReference()
	}
	clear(bs.programs)

	s.semMu.Lock()
	s.semaphores = append(s.semaphores, bs.acquires...)
	s.semaphores = append(s.semaphores, bs.waits...)
	s.fdSemaphores = append(s.fdSemaphores, bs.signals...)
	s.fdSemaphores = append(s.fdSemaphores, bs.fdWaits...)
	s.semMu.Unlock()
	bs.acquires = truncate(bs.acquires)
	bs.acquireStages = bs.acquireStages[:0]
	bs.waits = truncate(bs.waits)
	bs.waitStages = bs.waitStages[:0]
	bs.signals = truncate(bs.signals)
	bs.fdWaits = truncate(bs.fdWaits)
	bs.fdWaitStages = bs.fdWaitStages[:0]
	bs.present = nil

	bs.unorderedWriteAccess = AccessNone
	bs.unorderedWriteStages = 0

	if bs.submitted.Load() {
		bs.usage.gen.Add(1)
	}
	bs.submitted.Store(false)

	if id := bs.batchID.Load(); id != 0 {
		s.updateLastFinished(id)
	}
	bs.batchID.Store(0)
	bs.usage.id.Store(0)
	bs.usage.unflushed.Store(false)
	bs.usage.markFlushed()

	bs.hasWork = false
	bs.hasReorderedWork = false
	bs.hasUnsync = false
}

// resetObject drops the state's usage of obj and queues the reference for
// release at the end of the next submit.
func (bs *BatchState) resetObject(obj *ResourceObject) {
	if !obj.unsetUsage(bs) {
		obj.resetAccess()
		obj.destroyViews()
		obj.backing.MarkIdle()
		if obj.swapchain != nil {
			obj.swapchain.PruneBatchUsage(&bs.usage)
		}
	} else if obj.ViewCount() > bs.screen.cfg.MaxViews && !obj.HasUnflushedUsage() {
		obj.scheduleViewPrune()
	}
	bs.unrefObjs = append(bs.unrefObjs, obj)
}

// resetAll moves every in-flight state of ctx to its free list.
func (c *Context) resetAll() {
	for c.inFlight != nil {
		bs := c.popInFlight()
		bs.completed.Store(true)
		bs.reset()
		c.pushFree(bs)
	}
}

func destroyAll(ds []Destroyer) []Destroyer {
	for i, d := range ds {
		d.Destroy()
		ds[i] = nil
	}
	return ds[:0]
}

func truncate(sems []Semaphore) []Semaphore {
	clear(sems)
	return sems[:0]
}
