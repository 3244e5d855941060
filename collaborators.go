package gbatch

import "time"

// AllocationClass selects the reference list a resource object lands in.
type AllocationClass uint8

const (
	// ClassReal is a dedicated device allocation.
	ClassReal AllocationClass = iota
	// ClassSlab is a suballocation from a shared slab.
	ClassSlab
	// ClassSparse is a sparse resource; its size does not count toward the
	// per-batch memory ceiling.
	ClassSparse

	numAllocationClasses
)

// Backing is the device memory behind a ResourceObject.
type Backing interface {
	// AllocationID is unique among live allocations of the device.
	AllocationID() uint64
	Size() uint64
	Class() AllocationClass
	// MarkIdle is called when no batch state references the object anymore.
	MarkIdle()
	// Destroy frees the allocation. It is called once, from the submit side.
	Destroy()
}

// SemaphoreImporter is implemented by backings that can be shared with other
// processes. After a batch exporting the resource is submitted, the signal
// semaphore created for it is imported into the backing.
type SemaphoreImporter interface {
	ImportSemaphore(sem Semaphore) error
}

// View is a cached image or buffer view of a resource object.
type View interface {
	Destroy()
}

// Program is a refcounted shader program. Embed ProgramUsage to get the
// batch bookkeeping for free.
type Program interface {
	// AddBatchReference records use by bs and takes a reference. It reports
	// false when bs already references the program.
	AddBatchReference(bs *BatchState) bool
	// RemoveBatchReference clears the usage recorded for bs.
	RemoveBatchReference(bs *BatchState)
	// ReleaseReference drops the reference taken by AddBatchReference.
	ReleaseReference()
}

// Query is an opaque query object owned by a QueryTracker.
type Query any

// QueryTracker keeps queries consistent across batch boundaries.
type QueryTracker interface {
	// Suspend ends every active query before bs is submitted.
	Suspend(bs *BatchState)
	// Resume restarts suspended queries in a freshly started bs.
	Resume(bs *BatchState)
	// SuspendRenderPass ends queries that were started inside the render pass
	// about to close.
	SuspendRenderPass(bs *BatchState)
	// Prune drops bs's hold on q during reset.
	Prune(bs *BatchState, q Query)
}

// ConditionalRenderer brackets render passes while a render condition is set.
type ConditionalRenderer interface {
	Start(bs *BatchState)
	Stop(bs *BatchState)
}

// Swapchain presents images backed by resource objects.
type Swapchain interface {
	// Acquire obtains the next image, waiting up to timeout.
	Acquire(obj *ResourceObject, timeout time.Duration) bool
	// AcquireSemaphore returns the pending acquire semaphore for obj, or nil.
	// The first batch that references obj waits on it.
	AcquireSemaphore(obj *ResourceObject) Semaphore
	// Present queues presentation of obj and returns the semaphore the
	// batch must signal, or nil if obj holds no acquired image.
	Present(obj *ResourceObject) Semaphore
	// PruneBatchUsage forgets per-image bookkeeping tied to u.
	PruneBatchUsage(u *BatchUsage)
}

// Descriptors is the descriptor-table collaborator. All calls happen on the
// goroutine that owns the batch state.
type Descriptors interface {
	Init(bs *BatchState) error
	Reset(bs *BatchState)
	Deinit(bs *BatchState)
	BindAtStart(bs *BatchState)
}

type nopQueries struct{}

func (nopQueries) Suspend(*BatchState)           {}
func (nopQueries) Resume(*BatchState)            {}
func (nopQueries) SuspendRenderPass(*BatchState) {}
func (nopQueries) Prune(*BatchState, Query)      {}

type nopDescriptors struct{}

func (nopDescriptors) Init(*BatchState) error  { return nil }
func (nopDescriptors) Reset(*BatchState)       {}
func (nopDescriptors) Deinit(*BatchState)      {}
func (nopDescriptors) BindAtStart(*BatchState) {}
