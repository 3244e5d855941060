package gbatch

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// ResourceObject is the refcounted owner of a Backing. Batch states hold
// references on the objects they use, so an object outlives the logical
// Resource that was released while its last batch is in flight.
type ResourceObject struct {
	refs      atomic.Int32
	destroyed atomic.Bool

	backing   Backing
	isBuffer  bool
	format    gputypes.TextureFormat
	samples   uint32
	swapchain Swapchain

	reads  usageRef
	writes usageRef

	// Reordering state. Reset to "unordered" once no batch uses the object.
	unorderedRead  atomic.Bool
	unorderedWrite atomic.Bool
	access         atomic.Uint32
	accessStages   atomic.Uint32
	layout         atomic.Uint32

	viewMu            sync.Mutex
	views             []View
	viewPruneCount    int
	viewPruneTimeline uint64
}

func newObject(b Backing) *ResourceObject {
	obj := &ResourceObject{backing: b}
	obj.refs.Store(1)
	obj.unorderedRead.Store(true)
	obj.unorderedWrite.Store(true)
	return obj
}

// NewBufferObject wraps a buffer allocation. The caller owns the initial reference.
func NewBufferObject(b Backing) *ResourceObject {
	obj := newObject(b)
	obj.isBuffer = true
	return obj
}

// NewImageObject wraps an image allocation.
func NewImageObject(b Backing, format gputypes.TextureFormat, samples uint32) *ResourceObject {
	if samples == 0 {
		samples = 1
	}
	obj := newObject(b)
	obj.format = format
	obj.samples = samples
	return obj
}

// NewSwapchainObject wraps a presentable image. Such objects are tracked in
// their own reference list and make batches wait on the acquire semaphore.
func NewSwapchainObject(b Backing, format gputypes.TextureFormat, sc Swapchain) *ResourceObject {
	obj := NewImageObject(b, format, 1)
	obj.swapchain = sc
	return obj
}

// Backing returns the device allocation behind the object.
func (o *ResourceObject) Backing() Backing { return o.backing }

// Size returns the allocation size in bytes.
func (o *ResourceObject) Size() uint64 { return o.backing.Size() }

// Class returns the memory class the allocation was made from.
func (o *ResourceObject) Class() AllocationClass { return o.backing.Class() }

// IsBuffer reports whether the object is a buffer rather than an image.
func (o *ResourceObject) IsBuffer() bool { return o.isBuffer }

// Format returns the image format. It is undefined for buffers.
func (o *ResourceObject) Format() gputypes.TextureFormat { return o.format }

// Samples returns the image sample count, or 0 for buffers.
func (o *ResourceObject) Samples() uint32 { return o.samples }

// Swapchain returns the presentable swapchain the image belongs to, or nil.
func (o *ResourceObject) Swapchain() Swapchain { return o.swapchain }

// Layout returns the layout the image was last transitioned to.
func (o *ResourceObject) Layout() ImageLayout { return ImageLayout(o.layout.Load()) }

func (o *ResourceObject) setLayout(l ImageLayout) { o.layout.Store(uint32(l)) }

// Refs returns the current reference count.
func (o *ResourceObject) Refs() int32 { return o.refs.Load() }

// Destroyed reports whether the backing has been freed.
func (o *ResourceObject) Destroyed() bool { return o.destroyed.Load() }

// Ref takes a reference.
func (o *ResourceObject) Ref() { o.refs.Add(1) }

// Unref drops a reference and destroys the object when it was the last one.
func (o *ResourceObject) Unref() {
	n := o.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("gbatch: resource object unreferenced too many times")
	}
	o.destroy()
}

func (o *ResourceObject) destroy() {
	if !o.destroyed.CompareAndSwap(false, true) {
		return
	}
	o.destroyViews()
	o.backing.Destroy()
}

// ReadUsage and WriteUsage return the usage of the last reading and writing
// states, or nil.
func (o *ResourceObject) ReadUsage() *BatchUsage  { return o.reads.load() }
func (o *ResourceObject) WriteUsage() *BatchUsage { return o.writes.load() }

// HasUsage reports whether any batch state still uses the object.
func (o *ResourceObject) HasUsage() bool {
	return o.reads.load().Exists() || o.writes.load().Exists()
}

// HasUnflushedUsage reports whether a still-recording batch uses the object.
func (o *ResourceObject) HasUnflushedUsage() bool {
	return o.reads.load().Unflushed() || o.writes.load().Unflushed()
}

func (o *ResourceObject) usageMatches(bs *BatchState) bool {
	return o.reads.matches(bs) || o.writes.matches(bs)
}

func (o *ResourceObject) setUsage(bs *BatchState, write bool) {
	if write {
		o.writes.set(bs)
	} else {
		o.reads.set(bs)
	}
}

// unsetUsage drops bs's usage and reports whether another state still uses
// the object.
func (o *ResourceObject) unsetUsage(bs *BatchState) bool {
	o.reads.unset(bs)
	o.writes.unset(bs)
	return o.HasUsage()
}

func (o *ResourceObject) resetAccess() {
	o.unorderedRead.Store(true)
	o.unorderedWrite.Store(true)
	o.access.Store(0)
	o.accessStages.Store(0)
}

// markOrdered records use in the main stream, which pins later transfers
// behind it.
func (o *ResourceObject) markOrdered(write bool) {
	o.unorderedWrite.Store(false)
	if write {
		o.unorderedRead.Store(false)
	}
}

func (o *ResourceObject) addAccess(a Access, stages PipelineStage) {
	for {
		old := o.access.Load()
		if o.access.CompareAndSwap(old, old|uint32(a)) {
			break
		}
	}
	for {
		old := o.accessStages.Load()
		if o.accessStages.CompareAndSwap(old, old|uint32(stages)) {
			break
		}
	}
}

// AddView caches a view; it is destroyed once the object goes idle or is
// pruned after the view cache grows past the configured limit.
func (o *ResourceObject) AddView(v View) {
	o.viewMu.Lock()
	o.views = append(o.views, v)
	o.viewMu.Unlock()
}

// ViewCount returns the number of cached views.
func (o *ResourceObject) ViewCount() int {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()
	return len(o.views)
}

func (o *ResourceObject) destroyViews() {
	o.viewMu.Lock()
	views := o.views
	o.views = nil
	o.viewPruneCount = 0
	o.viewPruneTimeline = 0
	o.viewMu.Unlock()
	for _, v := range views {
		v.Destroy()
	}
}

// scheduleViewPrune marks the views cached so far for destruction once the
// newest batch using the object has completed.
func (o *ResourceObject) scheduleViewPrune() {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()
	if o.viewPruneTimeline != 0 {
		return
	}
	o.viewPruneCount = len(o.views)
	o.viewPruneTimeline = max(o.reads.load().ID(), o.writes.load().ID())
}

func (o *ResourceObject) pendingViewPrune() uint64 {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()
	return o.viewPruneTimeline
}

// pruneViews destroys the views scheduled by scheduleViewPrune if timeline
// value t is still the one scheduled.
func (o *ResourceObject) pruneViews(t uint64) {
	o.viewMu.Lock()
	if o.viewPruneTimeline != t || t == 0 {
		o.viewMu.Unlock()
		return
	}
	n := min(o.viewPruneCount, len(o.views))
	stale := make([]View, n)
	copy(stale, o.views[:n])
	o.views = append(o.views[:0], o.views[n:]...)
	o.viewPruneCount = 0
	o.viewPruneTimeline = 0
	o.viewMu.Unlock()
	for _, v := range stale {
		v.Destroy()
	}
}

// Resource is a logical buffer or image. Its object can be swapped out
// (invalidation) while batches still reference the old one.
type Resource struct {
	obj atomic.Pointer[ResourceObject]
}

// NewResource wraps obj, taking over the caller's reference.
func NewResource(obj *ResourceObject) *Resource {
	r := &Resource{}
	r.obj.Store(obj)
	return r
}

// Object returns the current object.
func (r *Resource) Object() *ResourceObject { return r.obj.Load() }

// Alias returns a second logical resource sharing the same object.
func (r *Resource) Alias() *Resource {
	obj := r.Object()
	obj.Ref()
	return NewResource(obj)
}

// Invalidate replaces the object with obj, taking over the caller's reference.
// The previous object is released and lives on until no batch uses it.
func (r *Resource) Invalidate(obj *ResourceObject) {
	if old := r.obj.Swap(obj); old != nil {
		old.Unref()
	}
}

// Release drops the resource's reference on its object.
func (r *Resource) Release() {
	if old := r.obj.Swap(nil); old != nil {
		old.Unref()
	}
}
