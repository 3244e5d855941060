package halgpu

import (
	"fmt"
	"slices"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// commandPool hands out one HAL command encoder per stream.
type commandPool struct {
	dev     *Device
	streams []*commandStream
}

func (p *commandPool) AllocateStream(role gbatch.StreamRole) (gbatch.CommandStream, error) {
	label := "gbatch-" + role.String()
	enc, err := p.dev.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, p.dev.check(err)
	}
	s := &commandStream{dev: p.dev, label: label, enc: enc, colorSlot: make([]int, 0, gbatch.MaxColorAttachments)}
	p.streams = append(p.streams, s)
	return s, nil
}

// Reset discards open recordings and recycles every command buffer the
// streams produced since the last reset.
func (p *commandPool) Reset() error {
	for _, s := range p.streams {
		s.reset()
	}
	return nil
}

func (p *commandPool) Destroy() {
	for _, s := range p.streams {
		s.reset()
		s.enc.Destroy()
	}
	p.streams = nil
}

// commandStream records one gbatch stream into a HAL command encoder.
type commandStream struct {
	dev   *Device
	label string
	enc   hal.CommandEncoder

	recording bool
	buf       hal.CommandBuffer
	done      []hal.CommandBuffer

	pass      hal.RenderPassEncoder
	passDesc  hal.RenderPassDescriptor
	passState gbatch.RenderPassState
	// colorSlot maps framebuffer slots to color attachment indices, -1 for
	// unbound slots.
	colorSlot []int
	// width and height are the render area of the open pass.
	width, height uint32

	viewport *gbatch.Viewport
	blend    *gputypes.Color
}

func (s *commandStream) Begin() error {
	if s.recording {
		return ErrStreamRecording
	}
	if err := s.enc.BeginEncoding(s.label); err != nil {
		return s.dev.check(err)
	}
	s.recording = true
	s.buf = nil
	return nil
}

func (s *commandStream) End() error {
	if !s.recording {
		return ErrStreamIdle
	}
	s.EndRenderPass()
	buf, err := s.enc.EndEncoding()
	if err != nil {
		return s.dev.check(err)
	}
	s.recording = false
	s.buf = buf
	s.done = append(s.done, buf)
	return nil
}

func (s *commandStream) reset() {
	s.EndRenderPass()
	if s.recording {
		s.enc.DiscardEncoding()
		s.recording = false
	}
	if len(s.done) > 0 {
		s.enc.ResetAll(s.done)
		clear(s.done)
		s.done = s.done[:0]
	}
	s.buf = nil
	s.viewport, s.blend = nil, nil
}

// layoutUsage maps an image layout to the HAL texture usage it implies.
func layoutUsage(l gbatch.ImageLayout) gputypes.TextureUsage {
	switch l {
	case gbatch.LayoutGeneral:
		return gputypes.TextureUsageStorageBinding
	case gbatch.LayoutColorAttachment, gbatch.LayoutDepthStencilAttachment, gbatch.LayoutPresentSrc:
		return gputypes.TextureUsageRenderAttachment
	case gbatch.LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case gbatch.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case gbatch.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	default:
		return gputypes.TextureUsageNone
	}
}

// PipelineBarrier records image transitions. The HAL tracks buffer hazards
// itself, so barriers without images record nothing.
func (s *commandStream) PipelineBarrier(b gbatch.Barrier) {
	if len(b.Images) == 0 {
		return
	}
	barriers := make([]hal.TextureBarrier, 0, len(b.Images))
	for _, ib := range b.Images {
		tex, ok := ib.Object.Backing().(*Texture)
		if !ok {
			continue
		}
		barriers = append(barriers, hal.TextureBarrier{
			Texture: tex.tex,
			Range: hal.TextureRange{
				Aspect:          gputypes.TextureAspectAll,
				MipLevelCount:   1,
				ArrayLayerCount: 1,
			},
			Usage: hal.TextureUsageTransition{
				OldUsage: layoutUsage(ib.OldLayout),
				NewUsage: layoutUsage(ib.NewLayout),
			},
		})
	}
	if len(barriers) > 0 {
		s.enc.TransitionTextures(barriers)
	}
}

// attachmentView returns the view for attachment i: the framebuffer's view in
// the explicit encoding, the texture's default view otherwise.
func attachmentView(fb *framebuffer, i int, obj *gbatch.ResourceObject) (hal.TextureView, error) {
	if fb != nil && i < len(fb.views) {
		return fb.views[i], nil
	}
	tex, ok := obj.Backing().(*Texture)
	if !ok {
		return nil, ErrNotTexture
	}
	return tex.view, nil
}

func (s *commandStream) BeginRenderPass(rp *gbatch.RenderPassBegin) error {
	s.EndRenderPass()
	fb, _ := rp.Framebuffer.(*framebuffer)

	desc := hal.RenderPassDescriptor{Label: s.label}
	for i, c := range rp.Colors {
		view, err := attachmentView(fb, i, c.Object)
		if err != nil {
			return fmt.Errorf("color attachment %d: %w", i, err)
		}
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:       view,
			LoadOp:     c.LoadOp,
			StoreOp:    c.StoreOp,
			ClearValue: c.Color,
		})
	}
	if d := rp.Depth; d != nil {
		view, err := attachmentView(fb, len(rp.Colors), d.Object)
		if err != nil {
			return fmt.Errorf("depth attachment: %w", err)
		}
		ds := &hal.RenderPassDepthStencilAttachment{View: view}
		format := d.Object.Format()
		if format.HasDepth() {
			ds.DepthLoadOp, ds.DepthStoreOp, ds.DepthClearValue = d.LoadOp, d.StoreOp, d.Depth
		}
		if format.HasStencil() {
			ds.StencilLoadOp, ds.StencilStoreOp, ds.StencilClearValue = d.StencilLoadOp, d.StencilStoreOp, d.Stencil
		}
		desc.DepthStencilAttachment = ds
	}
	s.width, s.height = renderArea(rp)

	s.colorSlot = s.colorSlot[:0]
	next := 0
	for _, c := range rp.State.Colors[:rp.State.NumColors] {
		if c.Format == gputypes.TextureFormatUndefined {
			s.colorSlot = append(s.colorSlot, -1)
			continue
		}
		s.colorSlot = append(s.colorSlot, next)
		next++
	}

	s.passDesc = desc
	s.passState = rp.State
	s.openPass(desc)
	return nil
}

// renderArea returns the extent of the first texture attachment.
func renderArea(rp *gbatch.RenderPassBegin) (uint32, uint32) {
	for _, c := range rp.Colors {
		if tex, ok := c.Object.Backing().(*Texture); ok {
			return tex.width, tex.height
		}
	}
	if rp.Depth != nil {
		if tex, ok := rp.Depth.Object.Backing().(*Texture); ok {
			return tex.width, tex.height
		}
	}
	return 0, 0
}

// openPass starts a HAL pass and replays the dynamic state it loses.
func (s *commandStream) openPass(desc hal.RenderPassDescriptor) {
	s.pass = s.enc.BeginRenderPass(&desc)
	if v := s.viewport; v != nil {
		s.pass.SetViewport(v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth)
	}
	if s.blend != nil {
		s.pass.SetBlendConstant(s.blend)
	}
}

func (s *commandStream) EndRenderPass() {
	if s.pass != nil {
		s.pass.End()
		s.pass = nil
	}
}

// ClearAttachments clears attachments of the open pass. Full clears restart
// the pass with clear load ops; attachments not named keep their contents.
// Scissored clears are drawn afterwards as clear quads.
func (s *commandStream) ClearAttachments(clears []gbatch.AttachmentClear) {
	if s.pass == nil {
		return
	}
	desc := s.passDesc
	desc.ColorAttachments = slices.Clone(s.passDesc.ColorAttachments)
	for i := range desc.ColorAttachments {
		desc.ColorAttachments[i].LoadOp = gputypes.LoadOpLoad
	}
	if ds := s.passDesc.DepthStencilAttachment; ds != nil {
		cp := *ds
		if cp.DepthLoadOp != gputypes.LoadOpUndefined {
			cp.DepthLoadOp = gputypes.LoadOpLoad
		}
		if cp.StencilLoadOp != gputypes.LoadOpUndefined {
			cp.StencilLoadOp = gputypes.LoadOpLoad
		}
		desc.DepthStencilAttachment = &cp
	}

	cleared := 0
	var scissored []gbatch.AttachmentClear
	for _, cl := range clears {
		if cl.Rect != nil {
			scissored = append(scissored, cl)
			continue
		}
		if cl.Attachment == gbatch.DepthStencilAttachment {
			ds := desc.DepthStencilAttachment
			if ds == nil {
				continue
			}
			if cl.Aspects&gbatch.ClearDepth != 0 && ds.DepthLoadOp != gputypes.LoadOpUndefined {
				ds.DepthLoadOp, ds.DepthClearValue = gputypes.LoadOpClear, cl.Depth
				cleared++
			}
			if cl.Aspects&gbatch.ClearStencil != 0 && ds.StencilLoadOp != gputypes.LoadOpUndefined {
				ds.StencilLoadOp, ds.StencilClearValue = gputypes.LoadOpClear, cl.Stencil
				cleared++
			}
			continue
		}
		if cl.Attachment < 0 || cl.Attachment >= len(s.colorSlot) || s.colorSlot[cl.Attachment] < 0 {
			continue
		}
		ca := &desc.ColorAttachments[s.colorSlot[cl.Attachment]]
		ca.LoadOp, ca.ClearValue = gputypes.LoadOpClear, cl.Color
		cleared++
	}
	if cleared > 0 {
		s.pass.End()
		s.openPass(desc)
	}
	for _, cl := range scissored {
		if err := s.clearRect(cl); err != nil {
			gbatch.Logger().Error("halgpu: scissored clear failed", "attachment", cl.Attachment, "err", err)
		}
	}
}

func (s *commandStream) SetViewport(v gbatch.Viewport) {
	s.viewport = &v
	if s.pass != nil {
		s.pass.SetViewport(v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth)
	}
}

func (s *commandStream) SetBlendConstant(c gputypes.Color) {
	s.blend = &c
	if s.pass != nil {
		s.pass.SetBlendConstant(&c)
	}
}

func (s *commandStream) Draw(key gbatch.PipelineKey, call gbatch.DrawCall) {
	if s.pass == nil {
		return
	}
	if p, ok := call.Program.(*Program); ok {
		pipe, err := s.dev.renderPipeline(p, key, s.passState)
		if err != nil {
			gbatch.Logger().Error("halgpu: render pipeline unavailable", "program", p.label, "err", err)
			return
		}
		s.pass.SetPipeline(pipe)
	}
	for i, res := range call.Vertex {
		if b, ok := res.Object().Backing().(*Buffer); ok {
			s.pass.SetVertexBuffer(uint32(i), b.buf, 0)
		}
	}
	if call.Index != nil {
		if b, ok := call.Index.Object().Backing().(*Buffer); ok {
			s.pass.SetIndexBuffer(b.buf, gputypes.IndexFormatUint32, 0)
			s.pass.DrawIndexed(call.VertexCount, call.InstanceCount, call.FirstVertex, 0, call.FirstInstance)
			return
		}
	}
	s.pass.Draw(call.VertexCount, call.InstanceCount, call.FirstVertex, call.FirstInstance)
}

func (s *commandStream) Dispatch(call gbatch.DispatchCall) {
	s.EndRenderPass()
	cp := s.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: s.label})
	if p, ok := call.Program.(*Program); ok {
		pipe, err := s.dev.computePipeline(p)
		if err != nil {
			gbatch.Logger().Error("halgpu: compute pipeline unavailable", "program", p.label, "err", err)
			cp.End()
			return
		}
		cp.SetPipeline(pipe)
	}
	cp.Dispatch(call.X, call.Y, call.Z)
	cp.End()
}

func (s *commandStream) CopyBuffer(src, dst gbatch.Backing, regions []gbatch.CopyRegion) {
	sb, ok1 := src.(*Buffer)
	db, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		gbatch.Logger().Error("halgpu: buffer copy between foreign backings", "src", fmt.Sprintf("%T", src), "dst", fmt.Sprintf("%T", dst))
		return
	}
	copies := make([]hal.BufferCopy, len(regions))
	for i, r := range regions {
		copies[i] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
	}
	s.enc.CopyBufferToBuffer(sb.buf, db.buf, copies)
}
