package gbatch

import (
	"sync"
	"sync/atomic"
)

// BatchUsage identifies one life of a BatchState: the batch id it was
// submitted with and whether it is still recording. Resources and programs
// point at the usage of the state that last used them.
type BatchUsage struct {
	id        atomic.Uint64 // batch id, 0 until submitted
	unflushed atomic.Bool
	gen       atomic.Uint32 // bumped when a submitted state is reset

	mu      sync.Mutex
	flushed *sync.Cond
	pending bool // guarded by mu, true from batch start until submit ends
}

func (u *BatchUsage) init() {
	u.flushed = sync.NewCond(&u.mu)
}

// ID returns the batch id, or 0 if the batch has not been submitted.
func (u *BatchUsage) ID() uint64 {
	if u == nil {
		return 0
	}
	return u.id.Load()
}

// Unflushed reports whether the batch is still recording.
func (u *BatchUsage) Unflushed() bool {
	return u != nil && u.unflushed.Load()
}

// Exists reports whether u refers to live or outstanding work.
func (u *BatchUsage) Exists() bool {
	return u != nil && (u.id.Load() != 0 || u.unflushed.Load())
}

func (u *BatchUsage) markStarted() {
	u.mu.Lock()
	u.pending = true
	u.unflushed.Store(true)
	u.mu.Unlock()
}

// markFlushed releases goroutines blocked in waitFlushed.
func (u *BatchUsage) markFlushed() {
	u.mu.Lock()
	u.pending = false
	u.flushed.Broadcast()
	u.mu.Unlock()
}

// waitFlushed blocks until the owning state has been handed to the device.
func (u *BatchUsage) waitFlushed() {
	u.mu.Lock()
	for u.pending {
		u.flushed.Wait()
	}
	u.mu.Unlock()
}

// usageRef is a resource's pointer to the usage of the last state that read
// or wrote it.
type usageRef struct {
	u atomic.Pointer[BatchUsage]
}

func (r *usageRef) load() *BatchUsage { return r.u.Load() }

func (r *usageRef) set(bs *BatchState) { r.u.Store(&bs.usage) }

// unset clears the pointer only if it still refers to bs.
func (r *usageRef) unset(bs *BatchState) { r.u.CompareAndSwap(&bs.usage, nil) }

func (r *usageRef) matches(bs *BatchState) bool { return r.u.Load() == &bs.usage }

// ProgramUsage is the batch bookkeeping of a Program. Implementations embed
// it and wrap TrackBatch with their own reference counting:
//
//	func (p *myProgram) AddBatchReference(bs *gbatch.BatchState) bool {
//		if !p.TrackBatch(bs) {
//			return false
//		}
//		p.refs.Add(1)
//		return true
//	}
type ProgramUsage struct {
	ref usageRef
}

// TrackBatch records use by bs. It reports false when bs already uses the program.
func (p *ProgramUsage) TrackBatch(bs *BatchState) bool {
	if p.ref.matches(bs) {
		return false
	}
	p.ref.set(bs)
	return true
}

// UntrackBatch forgets bs if it was the last user.
func (p *ProgramUsage) UntrackBatch(bs *BatchState) {
	p.ref.unset(bs)
}

// Usage returns the usage of the last state that used the program, or nil.
func (p *ProgramUsage) Usage() *BatchUsage {
	return p.ref.load()
}
