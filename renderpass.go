package gbatch

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/gogpu/gbatch/internal/cache"
	"github.com/gogpu/gputypes"
)

// MaxColorAttachments is the number of color attachments a framebuffer may bind.
const MaxColorAttachments = 8

// depthSlot indexes the depth/stencil attachment in per-attachment arrays.
const depthSlot = MaxColorAttachments

// AttachmentState describes one attachment of a render pass.
type AttachmentState struct {
	Format  gputypes.TextureFormat
	Samples uint32
	Layout  ImageLayout
	// Clear is set when the pass clears the attachment on load.
	Clear bool
}

// RenderPassState is the descriptor a render pass is created and looked up
// by. Passes with equal CompatHash can share pipelines.
type RenderPassState struct {
	Colors    [MaxColorAttachments]AttachmentState
	NumColors int
	Depth     AttachmentState
	HasDepth  bool
}

func (s RenderPassState) hash(withLoadOps bool) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(a AttachmentState) {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(a.Format))
		binary.LittleEndian.PutUint16(buf[4:6], uint16(a.Samples))
		buf[6] = byte(a.Layout)
		buf[7] = 0
		if withLoadOps && a.Clear {
			buf[7] = 1
		}
		h.Write(buf[:])
	}
	for i := range s.NumColors {
		put(s.Colors[i])
	}
	if s.HasDepth {
		put(s.Depth)
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.NumColors))
	h.Write(buf[:4])
	return h.Sum64()
}

// Hash identifies the exact pass, load intent included.
func (s RenderPassState) Hash() uint64 { return s.hash(true) }

// CompatHash identifies the pass up to load intent.
func (s RenderPassState) CompatHash() uint64 { return s.hash(false) }

// Compatible reports whether a pipeline built for s can draw in o.
func (s RenderPassState) Compatible(o RenderPassState) bool {
	return s.CompatHash() == o.CompatHash()
}

// PipelineKey is the render-pass half of a pipeline cache key.
type PipelineKey struct {
	Mode       RenderingMode
	RenderPass uint64
}

// Framebuffer is the set of attachments draws render into.
type Framebuffer struct {
	Colors []*Resource
	Depth  *Resource
	Width  uint32
	Height uint32
}

func (f *Framebuffer) equal(o *Framebuffer) bool {
	if len(f.Colors) != len(o.Colors) || f.Depth != o.Depth || f.Width != o.Width || f.Height != o.Height {
		return false
	}
	for i := range f.Colors {
		if f.Colors[i] != o.Colors[i] {
			return false
		}
	}
	return true
}

type fbKey struct {
	pass Destroyer
	ids  [MaxColorAttachments + 1]uint64
}

// renderPassTracker is the render-pass half of a Context.
type renderPassTracker struct {
	mode RenderingMode
	fb   Framebuffer

	inPass        bool
	layoutChanged bool
	current       RenderPassState

	// feedback has a bit per color attachment that is also sampled; such
	// attachments are bound in the general layout.
	feedback uint32

	clears [MaxColorAttachments + 1][]queuedClear

	viewport *Viewport
	blend    *gputypes.Color

	passes       *cache.Cache[uint64, Destroyer]
	framebuffers *cache.Cache[fbKey, Destroyer]

	begins uint64
	splits uint64
}

func (rp *renderPassTracker) init(c *Context, mode RenderingMode) {
	rp.mode = mode
	if mode != RenderingExplicit {
		return
	}
	size := c.screen.cfg.RenderPassCacheSize
	rp.passes = cache.New(size, func(_ uint64, d Destroyer) { c.deferDestroy(d) })
	rp.framebuffers = cache.New(size, func(_ fbKey, d Destroyer) { c.deferDestroy(d) })
}

// release drops every cached pass object.
func (rp *renderPassTracker) release() {
	if rp.framebuffers != nil {
		rp.framebuffers.Clear()
	}
	if rp.passes != nil {
		rp.passes.Clear()
	}
}

func (rp *renderPassTracker) cacheLen() int {
	if rp.passes == nil {
		return 0
	}
	return rp.passes.Len() + rp.framebuffers.Len()
}

// deferDestroy destroys d once the active batch completes.
func (c *Context) deferDestroy(d Destroyer) {
	if bs := c.batch.state; bs != nil && !c.destroyed {
		bs.deferRenderObject(d)
		return
	}
	d.Destroy()
}

// PipelineKey returns the key pipelines must be compiled for at this point.
func (c *Context) PipelineKey() PipelineKey {
	return PipelineKey{Mode: c.rp.mode, RenderPass: c.rp.current.CompatHash()}
}

// InRenderPass reports whether a render pass is open.
func (c *Context) InRenderPass() bool { return c.rp.inPass }

// beginRenderPass opens a pass over the bound framebuffer unless a
// compatible one is already open. Queued clears become load-op clears or
// explicit clears inside the new pass.
func (c *Context) beginRenderPass() error {
	rp := &c.rp
	if rp.inPass && !rp.layoutChanged {
		return nil
	}
	if rp.inPass {
		c.endRenderPass()
		rp.splits++
		c.logger().Debug("gbatch: render pass split on layout change", "splits", rp.splits)
	}

	bs := c.batch.state
	main := bs.streams[StreamMain]
	begin := &RenderPassBegin{}
	state := RenderPassState{NumColors: len(rp.fb.Colors)}
	var (
		explicit    []AttachmentClear
		transitions []ImageBarrier
		objs        []*ResourceObject
	)

	for i, res := range rp.fb.Colors {
		if res == nil {
			continue
		}
		obj := res.Object()
		layout := LayoutColorAttachment
		if rp.feedback&(1<<i) != 0 {
			layout = LayoutGeneral
		}
		bind := AttachmentBinding{
			Object:  obj,
			LoadOp:  gputypes.LoadOpLoad,
			StoreOp: gputypes.StoreOpStore,
			Layout:  layout,
		}
		explicit = rp.resolveClears(i, &bind, explicit)
		state.Colors[i] = AttachmentState{
			Format:  obj.format,
			Samples: obj.samples,
			Layout:  layout,
			Clear:   bind.LoadOp == gputypes.LoadOpClear,
		}
		transitions = appendTransition(transitions, obj, layout)
		begin.Colors = append(begin.Colors, bind)
		objs = append(objs, obj)
	}
	if res := rp.fb.Depth; res != nil {
		obj := res.Object()
		bind := AttachmentBinding{
			Object:         obj,
			LoadOp:         gputypes.LoadOpLoad,
			StoreOp:        gputypes.StoreOpStore,
			StencilLoadOp:  gputypes.LoadOpLoad,
			StencilStoreOp: gputypes.StoreOpStore,
			Layout:         LayoutDepthStencilAttachment,
		}
		explicit = rp.resolveClears(depthSlot, &bind, explicit)
		state.Depth = AttachmentState{
			Format:  obj.format,
			Samples: obj.samples,
			Layout:  LayoutDepthStencilAttachment,
			Clear:   bind.LoadOp == gputypes.LoadOpClear || bind.StencilLoadOp == gputypes.LoadOpClear,
		}
		state.HasDepth = true
		transitions = appendTransition(transitions, obj, LayoutDepthStencilAttachment)
		begin.Depth = &bind
		objs = append(objs, obj)
	}
	begin.State = state

	if len(transitions) > 0 {
		main.PipelineBarrier(Barrier{
			SrcStages: StageAllCommands,
			DstStages: StageColorAttachmentOutput | StageEarlyFragmentTests,
			SrcAccess: AccessNone,
			DstAccess: AccessColorAttachmentWrite | AccessDepthStencilWrite,
			Images:    transitions,
		})
	}
	for _, obj := range objs {
		c.batch.referenceObject(obj, true)
		obj.markOrdered(true)
	}

	if rp.mode == RenderingExplicit {
		if err := c.lookupPassObjects(begin, objs); err != nil {
			return err
		}
	}

	if c.cond != nil {
		c.cond.Start(bs)
	}
	if err := main.BeginRenderPass(begin); err != nil {
		if c.cond != nil {
			c.cond.Stop(bs)
		}
		return fmt.Errorf("begin render pass: %w", err)
	}
	rp.inPass = true
	rp.layoutChanged = false
	rp.current = state
	rp.begins++
	bs.hasWork = true

	if len(explicit) > 0 {
		main.ClearAttachments(explicit)
	}
	rp.resetClears()
	if rp.viewport != nil {
		main.SetViewport(*rp.viewport)
	}
	if rp.blend != nil {
		main.SetBlendConstant(*rp.blend)
	}
	return nil
}

// lookupPassObjects fills the explicit-encoding pass and framebuffer objects.
func (c *Context) lookupPassObjects(begin *RenderPassBegin, objs []*ResourceObject) error {
	s := c.screen
	rp := &c.rp
	state := begin.State
	pass, err := rp.passes.GetOrCreate(state.Hash(), func() (Destroyer, error) {
		var p Destroyer
		err := s.retry.Do(func() error {
			var err error
			p, err = s.dev.CreateRenderPass(state)
			return err
		})
		return p, err
	})
	if err != nil {
		return fmt.Errorf("create render pass: %w", err)
	}

	key := fbKey{pass: pass}
	for i, obj := range objs {
		key.ids[i] = obj.backing.AllocationID()
	}
	fb, err := rp.framebuffers.GetOrCreate(key, func() (Destroyer, error) {
		var f Destroyer
		err := s.retry.Do(func() error {
			var err error
			f, err = s.dev.CreateFramebuffer(pass, state, objs)
			return err
		})
		return f, err
	})
	if err != nil {
		return fmt.Errorf("create framebuffer: %w", err)
	}
	begin.Pass, begin.Framebuffer = pass, fb
	return nil
}

// endRenderPass closes the open pass, if any.
func (c *Context) endRenderPass() {
	rp := &c.rp
	if !rp.inPass {
		return
	}
	bs := c.batch.state
	c.queries.SuspendRenderPass(bs)
	bs.streams[StreamMain].EndRenderPass()
	if c.cond != nil {
		c.cond.Stop(bs)
	}
	rp.inPass = false
}

func appendTransition(list []ImageBarrier, obj *ResourceObject, layout ImageLayout) []ImageBarrier {
	old := obj.Layout()
	if old == layout {
		return list
	}
	obj.setLayout(layout)
	return append(list, ImageBarrier{Object: obj, OldLayout: old, NewLayout: layout})
}

// feedbackMask returns the color attachments among sampled.
func (rp *renderPassTracker) feedbackMask(sampled []*Resource) uint32 {
	var mask uint32
	for _, res := range sampled {
		obj := res.Object()
		for i, att := range rp.fb.Colors {
			if att != nil && att.Object() == obj {
				mask |= 1 << i
			}
		}
	}
	return mask
}

// SetFramebuffer binds new attachments. Clears queued for the old ones are
// applied and the open pass is closed.
func (c *Context) SetFramebuffer(fb Framebuffer) error {
	if c.lost() {
		return ErrDeviceLost
	}
	if len(fb.Colors) > MaxColorAttachments {
		return fmt.Errorf("gbatch: %d color attachments, at most %d", len(fb.Colors), MaxColorAttachments)
	}
	rp := &c.rp
	if rp.fb.equal(&fb) {
		return nil
	}
	if rp.hasClears() {
		if err := c.beginRenderPass(); err != nil {
			return err
		}
	}
	c.endRenderPass()

	rp.fb = Framebuffer{
		Colors: append([]*Resource(nil), fb.Colors...),
		Depth:  fb.Depth,
		Width:  fb.Width,
		Height: fb.Height,
	}
	rp.feedback = 0
	rp.layoutChanged = false

	for _, res := range rp.fb.Colors {
		if res == nil {
			continue
		}
		obj := res.Object()
		if obj.swapchain == nil {
			continue
		}
		if !obj.swapchain.Acquire(obj, Infinite) {
			c.logger().Warn("gbatch: swapchain acquire failed")
			continue
		}
		c.swapchainTarget = obj
	}
	return c.maybeFlushOOM()
}
