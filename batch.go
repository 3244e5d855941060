package gbatch

// Batch is the single active recording wrapper of a Context. It always wraps
// exactly one BatchState; flushing swaps in a fresh one.
type Batch struct {
	ctx   *Context
	state *BatchState
}

// State returns the batch state being recorded.
func (b *Batch) State() *BatchState { return b.state }

// HasWork reports whether anything needs submitting.
func (b *Batch) HasWork() bool { return b.state.HasWork() }

// InRenderPass reports whether a render-pass scope is open.
func (b *Batch) InRenderPass() bool { return b.ctx.rp.inPass }

// ReferenceResource records that the batch reads or writes res. The first
// reference takes a hold on the current object so it survives until the
// batch completes; every call updates the read or write usage.
func (b *Batch) ReferenceResource(res *Resource, write bool) {
	b.referenceObject(res.Object(), write)
}

func (b *Batch) referenceObject(obj *ResourceObject, write bool) {
	bs := b.state
	if !obj.usageMatches(bs) && bs.reference(obj) {
		b.ctx.checkOOM(bs)
	}
	obj.setUsage(bs, write)

	if obj.swapchain != nil {
		if sem := obj.swapchain.AcquireSemaphore(obj); sem != nil {
			bs.acquires = append(bs.acquires, sem)
		}
	}
}

// ReferenceProgram keeps p alive until the batch completes.
func (b *Batch) ReferenceProgram(p Program) {
	bs := b.state
	if _, ok := bs.programs[p]; ok {
		return
	}
	if p.AddBatchReference(bs) {
		bs.programs[p] = struct{}{}
		bs.hasWork = true
	}
}

// ExportResource makes the batch signal a semaphore that is imported into
// res's backing once submitted, so another process can wait on the write.
func (b *Batch) ExportResource(res *Resource) {
	obj := res.Object()
	bs := b.state
	for _, o := range bs.exports {
		if o == obj {
			return
		}
	}
	obj.Ref()
	bs.exports = append(bs.exports, obj)
}

// AddWaitSemaphore makes the command submission wait on sem at stages.
// The batch state takes ownership of sem.
func (b *Batch) AddWaitSemaphore(sem Semaphore, stages PipelineStage) {
	bs := b.state
	bs.waits = append(bs.waits, sem)
	bs.waitStages = append(bs.waitStages, stages)
}

// AddForeignWait makes the batch wait on a semaphore imported from another
// process. A zero stage mask waits at every stage.
func (b *Batch) AddForeignWait(sem Semaphore, stages PipelineStage) {
	bs := b.state
	if stages == 0 {
		stages = StageAllCommands
	}
	bs.fdWaits = append(bs.fdWaits, sem)
	bs.fdWaitStages = append(bs.fdWaitStages, stages)
}

// AddSignalSemaphore makes the command submission signal sem.
func (b *Batch) AddSignalSemaphore(sem Semaphore) {
	bs := b.state
	bs.signals = append(bs.signals, sem)
	bs.hasWork = true
}
