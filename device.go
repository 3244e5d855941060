package gbatch

import (
	"time"

	"github.com/gogpu/gputypes"
)

// StreamRole names one of the three command streams a batch state records into.
type StreamRole uint8

const (
	// StreamMain receives ordered work: draws, dispatches and ordered copies.
	StreamMain StreamRole = iota
	// StreamReordered receives transfers hoisted ahead of the main stream.
	StreamReordered
	// StreamUnsynchronized receives uploads that need no ordering at all.
	StreamUnsynchronized

	numStreamRoles
)

// String returns the stream role name.
func (r StreamRole) String() string {
	switch r {
	case StreamMain:
		return "main"
	case StreamReordered:
		return "reordered"
	case StreamUnsynchronized:
		return "unsynchronized"
	default:
		return "unknown"
	}
}

// PipelineStage is a bitmask of pipeline stages used in barriers and waits.
type PipelineStage uint32

const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageVertexShader
	StageFragmentShader
	StageColorAttachmentOutput
	StageEarlyFragmentTests
	StageComputeShader
	StageTransfer
	StageBottomOfPipe

	StageAllCommands PipelineStage = 1<<iota - 1
)

// Access is a bitmask of memory access types.
type Access uint32

const (
	AccessShaderRead Access = 1 << iota
	AccessShaderWrite
	AccessColorAttachmentWrite
	AccessDepthStencilWrite
	AccessTransferRead
	AccessTransferWrite

	AccessNone Access = 0
)

// Writes returns the write bits of a.
func (a Access) Writes() Access {
	return a & (AccessShaderWrite | AccessColorAttachmentWrite | AccessDepthStencilWrite | AccessTransferWrite)
}

// ImageLayout is the layout an image must be in for a given use.
type ImageLayout uint8

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

// Caps describes device features the core adapts to.
type Caps struct {
	// DynamicRendering reports that passes can begin without pass objects.
	DynamicRendering bool
	// VideoMemory is the device-local memory size in bytes.
	VideoMemory uint64
}

// Semaphore is a binary device semaphore. Ownership passes to the batch state
// it is attached to; the state returns it to the Screen pool at reset.
type Semaphore interface {
	Destroy()
}

// Destroyer is any device object whose destruction is deferred until the
// batch that last used it has completed.
type Destroyer interface {
	Destroy()
}

// ImageBarrier transitions one image between layouts.
type ImageBarrier struct {
	Object    *ResourceObject
	OldLayout ImageLayout
	NewLayout ImageLayout
}

// Barrier is a pipeline barrier. A barrier with no image transitions is a
// global memory barrier.
type Barrier struct {
	SrcStages PipelineStage
	DstStages PipelineStage
	SrcAccess Access
	DstAccess Access
	Images    []ImageBarrier
}

// CopyRegion is one buffer-to-buffer copy range.
type CopyRegion struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// Rect is an integer rectangle in framebuffer coordinates.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// Viewport is the viewport transform applied to subsequent draws.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// AttachmentClear is an explicit clear recorded inside a render pass.
type AttachmentClear struct {
	// Attachment is the color index, or DepthStencilAttachment.
	Attachment int
	Color      gputypes.Color
	Depth      float32
	Stencil    uint32
	Aspects    ClearMask
	Rect       *Rect
}

// RenderPassBegin carries everything needed to open a render-pass scope in
// either encoding. Pass and Framebuffer are nil for dynamic rendering.
//
// Colors holds only the bound color attachments, in slot order, skipping nil
// framebuffer slots. State.Colors keeps one entry per slot with an undefined
// format for the holes, so slot i of State maps to the i'th non-hole entry
// of Colors.
type RenderPassBegin struct {
	State       RenderPassState
	Pass        Destroyer
	Framebuffer Destroyer
	Colors      []AttachmentBinding
	Depth       *AttachmentBinding
}

// AttachmentBinding is one attachment of an open pass. The stencil ops only
// apply to the depth/stencil attachment.
type AttachmentBinding struct {
	Object         *ResourceObject
	LoadOp         gputypes.LoadOp
	StoreOp        gputypes.StoreOp
	StencilLoadOp  gputypes.LoadOp
	StencilStoreOp gputypes.StoreOp
	Layout         ImageLayout
	Color          gputypes.Color
	Depth          float32
	Stencil        uint32
}

// CommandStream records commands for one StreamRole of a batch state.
// Streams are used from one goroutine at a time.
type CommandStream interface {
	Begin() error
	End() error

	PipelineBarrier(b Barrier)
	BeginRenderPass(rp *RenderPassBegin) error
	EndRenderPass()
	ClearAttachments(clears []AttachmentClear)
	SetViewport(v Viewport)
	SetBlendConstant(c gputypes.Color)
	Draw(key PipelineKey, call DrawCall)
	Dispatch(call DispatchCall)
	CopyBuffer(src, dst Backing, regions []CopyRegion)
}

// CommandPool owns the streams of one synchronization class.
type CommandPool interface {
	// AllocateStream creates a stream for role.
	AllocateStream(role StreamRole) (CommandStream, error)
	// Reset recycles every stream allocated from the pool.
	Reset() error
	Destroy()
}

// SubmitBatch is one entry of a queue submission.
type SubmitBatch struct {
	Waits      []Semaphore
	WaitStages []PipelineStage
	Streams    []CommandStream
	Signals    []Semaphore

	// TimelineSignal, when non-zero, is the value the device timeline
	// reaches once this entry completes.
	TimelineSignal uint64
}

// Device is the explicit API the core drives. Implementations map their own
// failures onto ErrOutOfDeviceMemory and ErrDeviceLost.
type Device interface {
	Caps() Caps

	// CreateCommandPool creates a pool. Unsynchronized pools back the
	// unsynchronized stream only.
	CreateCommandPool(unsynchronized bool) (CommandPool, error)

	CreateSemaphore() (Semaphore, error)

	// CreateRenderPass and CreateFramebuffer back the explicit encoding.
	CreateRenderPass(state RenderPassState) (Destroyer, error)
	CreateFramebuffer(pass Destroyer, state RenderPassState, attachments []*ResourceObject) (Destroyer, error)

	// Submit hands batches to the queue in order. The caller serializes calls.
	Submit(batches []SubmitBatch) error

	// WaitTimeline blocks until the timeline reaches value or the timeout
	// expires. A negative timeout waits forever.
	WaitTimeline(value uint64, timeout time.Duration) (bool, error)

	WaitIdle() error
}
