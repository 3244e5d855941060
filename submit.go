package gbatch

import "fmt"

// submit hands the state to the device. It runs on the submit worker when
// threaded submission is enabled.
func (bs *BatchState) submit() {
	s := bs.screen
	defer bs.finishSubmit()

	id := bs.batchID.Load()
	if id == 0 {
		id = s.currBatch.Add(1)
		bs.batchID.Store(id)
	}
	bs.usage.id.Store(id)
	bs.usage.unflushed.Store(false)

	batches := bs.buildSubmit(id)

	if err := bs.endStreams(); err != nil {
		Logger().Error("gbatch: ending command streams failed", "batch", id, "err", err)
		bs.deviceLost.Store(true)
		return
	}

	s.queueMu.Lock()
	err := s.retry.Do(func() error { return s.dev.Submit(batches) })
	s.queueMu.Unlock()
	if err != nil {
		Logger().Error("gbatch: queue submit failed", "batch", id, "err", err)
		bs.deviceLost.Store(true)
		return
	}
	s.submits.Add(1)

	for _, ex := range bs.exportSignals {
		imp, ok := ex.obj.backing.(SemaphoreImporter)
		if !ok {
			continue
		}
		if err := imp.ImportSemaphore(ex.sem); err != nil {
			Logger().Warn("gbatch: semaphore import failed", "batch", id, "err", err)
		}
	}
	bs.unrefObjs = append(bs.unrefObjs, bs.exports...)
	clear(bs.exports)
	bs.exports = bs.exports[:0]
	clear(bs.exportSignals)
	bs.exportSignals = bs.exportSignals[:0]
}

// finishSubmit wakes cross-context waiters, publishes the submitted flag and
// drops references queued by the last reset.
func (bs *BatchState) finishSubmit() {
	bs.usage.markFlushed()
	bs.submitted.Store(true)
	bs.drainUnrefs()
}

// buildSubmit assembles the ordered queue submission. Empty entries are
// left out; the timeline signal entry is always present.
func (bs *BatchState) buildSubmit(id uint64) []SubmitBatch {
	out := make([]SubmitBatch, 0, 4)

	if len(bs.acquires) > 0 {
		for len(bs.acquireStages) < len(bs.acquires) {
			bs.acquireStages = append(bs.acquireStages, StageColorAttachmentOutput)
		}
		out = append(out, SubmitBatch{Waits: bs.acquires, WaitStages: bs.acquireStages})
	}

	if len(bs.fdWaits) > 0 {
		for len(bs.fdWaitStages) < len(bs.fdWaits) {
			bs.fdWaitStages = append(bs.fdWaitStages, StageAllCommands)
		}
		out = append(out, SubmitBatch{Waits: bs.fdWaits, WaitStages: bs.fdWaitStages})
	}

	cmd := SubmitBatch{Waits: bs.waits, WaitStages: bs.waitStages, Signals: bs.signals}
	if bs.hasUnsync {
		cmd.Streams = append(cmd.Streams, bs.streams[StreamUnsynchronized])
	}
	if bs.hasReorderedWork {
		cmd.Streams = append(cmd.Streams, bs.streams[StreamReordered])
	}
	if bs.hasWork {
		cmd.Streams = append(cmd.Streams, bs.streams[StreamMain])
	}
	if len(cmd.Waits) > 0 || len(cmd.Streams) > 0 || len(cmd.Signals) > 0 {
		out = append(out, cmd)
	}

	sig := SubmitBatch{TimelineSignal: id}
	if bs.present != nil {
		sig.Signals = []Semaphore{bs.present}
	}
	return append(out, sig)
}

// endStreams closes all three streams. Reordered work that wrote memory gets
// a closing barrier so the main stream observes it.
func (bs *BatchState) endStreams() error {
	if bs.hasReorderedWork && bs.unorderedWriteAccess != AccessNone {
		bs.streams[StreamReordered].PipelineBarrier(Barrier{
			SrcStages: bs.unorderedWriteStages,
			DstStages: StageTopOfPipe,
			SrcAccess: bs.unorderedWriteAccess,
		})
	}
	for role, stream := range bs.streams {
		if err := bs.screen.retry.Do(stream.End); err != nil {
			return fmt.Errorf("end %s stream: %w", StreamRole(role), err)
		}
	}
	return nil
}

// postSubmit runs after submit on the same goroutine. It reports device loss
// and applies backpressure when far too much work is queued.
func (bs *BatchState) postSubmit() {
	s := bs.screen
	if bs.deviceLost.Load() {
		s.handleDeviceLoss(bs.ctx)
	} else if lim := s.cfg.EmergencyInFlight; lim > 0 && int(bs.ctx.inFlightCount.Load()) > lim {
		if id := bs.batchID.Load(); id > s.cfg.EmergencyLag {
			Logger().Warn("gbatch: too many batches in flight, stalling", "batch", id)
			s.TimelineWait(id-s.cfg.EmergencyLag, Infinite)
		}
	}

	bs.refMu.Lock()
	bs.refs.clearHash()
	bs.refMu.Unlock()
}

// handleDeviceLoss notifies ctx of a lost device, or aborts the process when
// configured to and no context is able to handle it.
func (s *Screen) handleDeviceLoss(ctx *Context) {
	s.deviceLost.Store(true)
	if ctx.notifyReset(GuiltyContextReset) {
		return
	}
	if ctx.resetCallback() == nil && s.cfg.AbortOnHang && s.robustCount.Load() == 0 {
		s.abort()
	}
}
