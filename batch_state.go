package gbatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gbatch/internal/submitq"
)

// BatchState is one reusable unit of recording and submission: three command
// streams, the resources and objects they keep alive, and the semaphores the
// submission waits on and signals. A state cycles through
// recording, in flight and free, and is reset before every reuse.
type BatchState struct {
	screen *Screen
	ctx    *Context
	next   *BatchState

	usage          BatchUsage
	batchID        atomic.Uint64
	submitted      atomic.Bool
	completed      atomic.Bool
	deviceLost     atomic.Bool
	flushCompleted *submitq.Fence

	pools   [2]CommandPool // synchronized, unsynchronized
	streams [numStreamRoles]CommandStream

	refMu     sync.Mutex
	refs      refTable
	unrefObjs []*ResourceObject

	programs       map[Program]struct{}
	activeQueries  []Query
	deadQueryPools []Destroyer
	dgcObjects     []Destroyer
	zombieSamplers []Destroyer
	renderObjects  []Destroyer
	freedSparse    []*ResourceObject

	acquires      []Semaphore
	acquireStages []PipelineStage
	fdWaits       []Semaphore
	fdWaitStages  []PipelineStage
	waits         []Semaphore
	waitStages    []PipelineStage
	signals       []Semaphore
	present       Semaphore

	exports       []*ResourceObject
	exportSignals []exportSignal

	unorderedWriteAccess Access
	unorderedWriteStages PipelineStage

	hasWork          bool
	hasReorderedWork bool
	hasUnsync        bool
}

type exportSignal struct {
	obj *ResourceObject
	sem Semaphore
}

// newBatchState allocates a state with its pools, streams and descriptor
// storage. Device calls are retried on transient memory failures.
func (s *Screen) newBatchState(ctx *Context) (*BatchState, error) {
	bs := &BatchState{
		screen:         s,
		ctx:            ctx,
		programs:       make(map[Program]struct{}),
		flushCompleted: submitq.NewFence(),
	}
	bs.usage.init()
	bs.refs.init()

	for i := range bs.pools {
		unsync := i == 1
		err := s.retry.Do(func() error {
			var err error
			bs.pools[i], err = s.dev.CreateCommandPool(unsync)
			return err
		})
		if err != nil {
			bs.destroy()
			return nil, fmt.Errorf("%w: command pool: %w", ErrStateCreation, err)
		}
	}
	for role := range numStreamRoles {
		pool := bs.pools[0]
		if role == StreamUnsynchronized {
			pool = bs.pools[1]
		}
		err := s.retry.Do(func() error {
			var err error
			bs.streams[role], err = pool.AllocateStream(role)
			return err
		})
		if err != nil {
			bs.destroy()
			return nil, fmt.Errorf("%w: %s stream: %w", ErrStateCreation, role, err)
		}
	}
	if err := s.descriptors.Init(bs); err != nil {
		bs.destroy()
		return nil, fmt.Errorf("%w: descriptors: %w", ErrStateCreation, err)
	}

	s.statesCreated.Add(1)
	return bs, nil
}

// destroy frees a state that is neither recording nor in flight.
func (bs *BatchState) destroy() {
	bs.drainUnrefs()
	bs.screen.descriptors.Deinit(bs)
	for i, p := range bs.pools {
		if p != nil {
			p.Destroy()
			bs.pools[i] = nil
		}
	}
	bs.streams = [numStreamRoles]CommandStream{}
}

// ID returns the batch id assigned at submit, or 0.
func (bs *BatchState) ID() uint64 { return bs.batchID.Load() }

// Usage returns the usage resources record when referenced by this state.
func (bs *BatchState) Usage() *BatchUsage { return &bs.usage }

// Context returns the context currently owning the state.
func (bs *BatchState) Context() *Context { return bs.ctx }

// Submitted reports whether the state has been handed to the device since
// its last reset.
func (bs *BatchState) Submitted() bool { return bs.submitted.Load() }

// Stream returns the command stream for role.
func (bs *BatchState) Stream(role StreamRole) CommandStream { return bs.streams[role] }

// HasWork reports whether anything was recorded that needs a submission.
func (bs *BatchState) HasWork() bool {
	return bs.hasWork || bs.hasReorderedWork || bs.hasUnsync
}

// ResourceSize returns the bytes of non-sparse memory the state references.
func (bs *BatchState) ResourceSize() uint64 {
	bs.refMu.Lock()
	defer bs.refMu.Unlock()
	return bs.refs.size
}

// ReferencedObjects returns the number of objects the state holds references on.
func (bs *BatchState) ReferencedObjects() int {
	bs.refMu.Lock()
	defer bs.refMu.Unlock()
	return bs.refs.len()
}

// Programs returns the number of programs the state references.
func (bs *BatchState) Programs() int { return len(bs.programs) }

// TrackQuery records q as active in this state. Reset hands it back to the
// query tracker through Prune.
func (bs *BatchState) TrackQuery(q Query) {
	bs.activeQueries = append(bs.activeQueries, q)
}

// DeferQueryPool destroys d once the state completes.
func (bs *BatchState) DeferQueryPool(d Destroyer) { bs.deadQueryPools = append(bs.deadQueryPools, d) }

// DeferDGC destroys a generated-commands object once the state completes.
func (bs *BatchState) DeferDGC(d Destroyer) { bs.dgcObjects = append(bs.dgcObjects, d) }

// DeferSampler destroys a sampler once the state completes.
func (bs *BatchState) DeferSampler(d Destroyer) { bs.zombieSamplers = append(bs.zombieSamplers, d) }

// DeferSparseBacking releases a sparse backing replaced while the state was
// recording. The caller's reference is taken over.
func (bs *BatchState) DeferSparseBacking(obj *ResourceObject) {
	bs.freedSparse = append(bs.freedSparse, obj)
}

func (bs *BatchState) deferRenderObject(d Destroyer) {
	bs.renderObjects = append(bs.renderObjects, d)
}

// reference adds obj to the reference table and reports whether it was new.
// A new object gains a reference that is dropped after the state completes.
func (bs *BatchState) reference(obj *ResourceObject) bool {
	bs.refMu.Lock()
	added := bs.refs.add(obj)
	bs.refMu.Unlock()
	if !added {
		return false
	}
	obj.Ref()
	bs.hasWork = true
	return true
}

// drainUnrefs drops the references collected by reset. Objects whose view
// prune point has completed get their stale views destroyed first.
func (bs *BatchState) drainUnrefs() {
	s := bs.screen
	for i, obj := range bs.unrefObjs {
		if t := obj.pendingViewPrune(); t != 0 && s.checkLastFinished(t) {
			obj.pruneViews(t)
		}
		obj.Unref()
		bs.unrefObjs[i] = nil
	}
	bs.unrefObjs = bs.unrefObjs[:0]
}

// flushDone reports whether the submit job for the state has finished.
func (bs *BatchState) flushDone() bool {
	return bs.flushCompleted.Signaled()
}
