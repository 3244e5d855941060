package gbatch

import "github.com/gogpu/gputypes"

// DrawCall is one draw and the resources it touches.
type DrawCall struct {
	Program Program

	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32

	// Vertex and Index are read by the input assembler.
	Vertex []*Resource
	Index  *Resource
	// Sampled resources are read by shaders. Sampling a bound color
	// attachment switches it to the general layout.
	Sampled []*Resource
	// Storage resources are written by shaders.
	Storage []*Resource
}

// DispatchCall is one compute dispatch and the resources it touches.
type DispatchCall struct {
	Program Program
	X, Y, Z uint32
	Read    []*Resource
	Write   []*Resource
}

// useOrdered references res for the main stream.
func (c *Context) useOrdered(res *Resource, write bool, stages PipelineStage) {
	obj := res.Object()
	c.batch.referenceObject(obj, write)
	obj.markOrdered(write)
	if write {
		obj.addAccess(AccessShaderWrite, stages)
	}
}

// Draw records a draw, opening or splitting the render pass as needed.
func (c *Context) Draw(call DrawCall) error {
	if c.lost() {
		return ErrDeviceLost
	}
	rp := &c.rp
	if mask := rp.feedbackMask(call.Sampled); mask != rp.feedback {
		rp.feedback = mask
		if rp.inPass {
			rp.layoutChanged = true
		}
	}
	if err := c.beginRenderPass(); err != nil {
		return err
	}

	if call.Program != nil {
		c.batch.ReferenceProgram(call.Program)
	}
	for _, res := range call.Vertex {
		c.useOrdered(res, false, StageVertexShader)
	}
	if call.Index != nil {
		c.useOrdered(call.Index, false, StageVertexShader)
	}
	for _, res := range call.Sampled {
		c.useOrdered(res, false, StageFragmentShader)
	}
	for _, res := range call.Storage {
		c.useOrdered(res, true, StageFragmentShader)
	}

	bs := c.batch.state
	bs.streams[StreamMain].Draw(c.PipelineKey(), call)
	bs.hasWork = true
	return c.maybeFlushOOM()
}

// Dispatch records a compute dispatch. Compute never runs inside a render
// pass, so an open pass is closed first.
func (c *Context) Dispatch(call DispatchCall) error {
	if c.lost() {
		return ErrDeviceLost
	}
	c.endRenderPass()

	if call.Program != nil {
		c.batch.ReferenceProgram(call.Program)
	}
	for _, res := range call.Read {
		c.useOrdered(res, false, StageComputeShader)
	}
	for _, res := range call.Write {
		c.useOrdered(res, true, StageComputeShader)
	}

	bs := c.batch.state
	bs.streams[StreamMain].Dispatch(call)
	bs.hasWork = true
	return c.maybeFlushOOM()
}

// CopyBuffer copies between buffers. When neither buffer has been used by
// the main stream since it last went idle the copy is hoisted into the
// reordered stream and the open pass stays open.
func (c *Context) CopyBuffer(dst, src *Resource, regions []CopyRegion) error {
	if c.lost() {
		return ErrDeviceLost
	}
	s, d := src.Object(), dst.Object()
	unordered := s.unorderedRead.Load() && d.unorderedWrite.Load()

	bs := c.batch.state
	c.batch.referenceObject(s, false)
	c.batch.referenceObject(d, true)

	var stream CommandStream
	if unordered {
		stream = bs.streams[StreamReordered]
		bs.hasReorderedWork = true
		bs.unorderedWriteAccess |= AccessTransferWrite
		bs.unorderedWriteStages |= StageTransfer
		d.addAccess(AccessTransferWrite, StageTransfer)
	} else {
		c.endRenderPass()
		stream = bs.streams[StreamMain]
		s.markOrdered(false)
		d.markOrdered(true)
		d.addAccess(AccessTransferWrite, StageTransfer)
		bs.hasWork = true
	}
	stream.CopyBuffer(s.backing, d.backing, regions)
	return c.maybeFlushOOM()
}

// CopyBufferUnsynchronized records an upload the caller guarantees needs no
// ordering against other work, such as a write to a fresh staging range.
func (c *Context) CopyBufferUnsynchronized(dst, src *Resource, regions []CopyRegion) error {
	if c.lost() {
		return ErrDeviceLost
	}
	s, d := src.Object(), dst.Object()
	bs := c.batch.state
	c.batch.referenceObject(s, false)
	c.batch.referenceObject(d, true)
	bs.streams[StreamUnsynchronized].CopyBuffer(s.backing, d.backing, regions)
	bs.hasUnsync = true
	return c.maybeFlushOOM()
}

// SetViewport sets the viewport. It never closes the open pass.
func (c *Context) SetViewport(v Viewport) {
	c.rp.viewport = &v
	if c.rp.inPass {
		c.batch.state.streams[StreamMain].SetViewport(v)
	}
}

// SetBlendConstant sets the blend constant. It never closes the open pass.
func (c *Context) SetBlendConstant(color gputypes.Color) {
	c.rp.blend = &color
	if c.rp.inPass {
		c.batch.state.streams[StreamMain].SetBlendConstant(color)
	}
}

// SetConditionalRenderer sets or, with nil, clears the render condition.
// Clears issued while a condition is set are partial.
func (c *Context) SetConditionalRenderer(cr ConditionalRenderer) {
	if c.rp.inPass {
		bs := c.batch.state
		if c.cond != nil {
			c.cond.Stop(bs)
		}
		if cr != nil {
			cr.Start(bs)
		}
	}
	c.cond = cr
}
