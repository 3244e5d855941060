package halgpu

import (
	"fmt"
	"strings"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// clearQuadVertex emits one triangle covering the viewport at depth 0, so
// the viewport depth range alone decides the depth written.
const clearQuadVertex = `
@vertex
fn vs_main(@builtin(vertex_index) idx: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(idx & 1u) * 4 - 1);
    let y = f32(i32(idx >> 1u) * 4 - 1);
    return vec4<f32>(x, y, 0.0, 1.0);
}
`

// clearQuadWGSL returns the clear shader for a pass with targets color
// attachments. The fragment stage writes 1.0 everywhere; the blend constant
// scales it to the clear color.
func clearQuadWGSL(targets int) string {
	var b strings.Builder
	b.WriteString(clearQuadVertex)
	switch targets {
	case 0:
	case 1:
		b.WriteString(`
@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 1.0, 1.0, 1.0);
}
`)
	default:
		b.WriteString("\nstruct ClearOut {\n")
		for i := range targets {
			fmt.Fprintf(&b, "    @location(%d) c%d: vec4<f32>,\n", i, i)
		}
		b.WriteString("}\n\n@fragment\nfn fs_main() -> ClearOut {\n    var out: ClearOut;\n")
		for i := range targets {
			fmt.Fprintf(&b, "    out.c%d = vec4<f32>(1.0, 1.0, 1.0, 1.0);\n", i)
		}
		b.WriteString("    return out;\n}\n")
	}
	return b.String()
}

// clearKey identifies a clear-quad pipeline: the pass layout, the color
// target written (-1 for depth/stencil) and the depth/stencil aspects.
type clearKey struct {
	pass    uint64
	target  int
	aspects gbatch.ClearMask
}

// clearModuleLocked returns the clear shader for targets color attachments.
func (d *Device) clearModuleLocked(targets int) (hal.ShaderModule, error) {
	if m, ok := d.clearModules[targets]; ok {
		return m, nil
	}
	words, err := CompileWGSL(clearQuadWGSL(targets))
	if err != nil {
		return nil, err
	}
	m, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  fmt.Sprintf("gbatch-clear-%d", targets),
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, d.check(err)
	}
	d.clearModules[targets] = m
	return m, nil
}

// clearPipeline returns the pipeline that clears color target (or, for -1,
// the depth/stencil aspects) of a pass with state.
func (d *Device) clearPipeline(state gbatch.RenderPassState, target int, aspects gbatch.ClearMask) (hal.RenderPipeline, error) {
	if target >= 0 {
		aspects = 0
	}
	k := clearKey{pass: state.CompatHash(), target: target, aspects: aspects}
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	if pipe, ok := d.clearPipes[k]; ok {
		return pipe, nil
	}
	layout, err := d.pipelineLayoutLocked()
	if err != nil {
		return nil, err
	}

	targets, samples := passTargets(state)
	constant := gputypes.BlendComponent{
		SrcFactor: gputypes.BlendFactorConstant,
		DstFactor: gputypes.BlendFactorZero,
		Operation: gputypes.BlendOperationAdd,
	}
	for i := range targets {
		targets[i].WriteMask = gputypes.ColorWriteMaskNone
		if i == target {
			targets[i].WriteMask = gputypes.ColorWriteMaskAll
			targets[i].Blend = &gputypes.BlendState{Color: constant, Alpha: constant}
		}
	}
	module, err := d.clearModuleLocked(len(targets))
	if err != nil {
		return nil, err
	}

	desc := &hal.RenderPipelineDescriptor{
		Label:       "gbatch-clear",
		Layout:      layout,
		Vertex:      hal.VertexState{Module: module, EntryPoint: DefaultVertexEntry},
		Primitive:   gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		Multisample: gputypes.MultisampleState{Count: samples, Mask: ^uint64(0)},
	}
	if len(targets) > 0 {
		desc.Fragment = &hal.FragmentState{Module: module, EntryPoint: DefaultFragmentEntry, Targets: targets}
	}
	if state.HasDepth {
		stencilOp := hal.StencilOperationKeep
		var writeMask uint32
		if aspects&gbatch.ClearStencil != 0 {
			stencilOp = hal.StencilOperationReplace
			writeMask = 0xff
		}
		face := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      stencilOp,
		}
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            state.Depth.Format,
			DepthWriteEnabled: aspects&gbatch.ClearDepth != 0,
			DepthCompare:      gputypes.CompareFunctionAlways,
			StencilFront:      face,
			StencilBack:       face,
			StencilReadMask:   0xff,
			StencilWriteMask:  writeMask,
		}
	}

	pipe, err := d.dev.CreateRenderPipeline(desc)
	if err != nil {
		return nil, d.check(err)
	}
	d.clearPipes[k] = pipe
	gbatch.Logger().Debug("halgpu: clear pipeline created", "target", target, "aspects", uint32(aspects))
	return pipe, nil
}

// clearRect clears the scissored region of one attachment of the open pass
// by drawing a clear quad. Dynamic state touched by the draw is restored.
func (s *commandStream) clearRect(cl gbatch.AttachmentClear) error {
	target := -1
	if cl.Attachment == gbatch.DepthStencilAttachment {
		if !s.passState.HasDepth || cl.Aspects&gbatch.ClearDepthStencil == 0 {
			return nil
		}
	} else {
		if cl.Attachment < 0 || cl.Attachment >= len(s.colorSlot) || s.colorSlot[cl.Attachment] < 0 {
			return nil
		}
		target = s.colorSlot[cl.Attachment]
	}

	x, y, w, h := clampRect(*cl.Rect, s.width, s.height)
	if w == 0 || h == 0 {
		return nil
	}
	pipe, err := s.dev.clearPipeline(s.passState, target, cl.Aspects)
	if err != nil {
		return err
	}

	color := cl.Color
	s.pass.SetPipeline(pipe)
	s.pass.SetScissorRect(x, y, w, h)
	s.pass.SetViewport(0, 0, float32(s.width), float32(s.height), cl.Depth, cl.Depth)
	s.pass.SetBlendConstant(&color)
	s.pass.SetStencilReference(cl.Stencil)
	s.pass.Draw(3, 1, 0, 0)

	s.pass.SetScissorRect(0, 0, s.width, s.height)
	if v := s.viewport; v != nil {
		s.pass.SetViewport(v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth)
	} else {
		s.pass.SetViewport(0, 0, float32(s.width), float32(s.height), 0, 1)
	}
	blend := gputypes.Color{}
	if s.blend != nil {
		blend = *s.blend
	}
	s.pass.SetBlendConstant(&blend)
	return nil
}

// clampRect intersects r with a width x height framebuffer.
func clampRect(r gbatch.Rect, width, height uint32) (x, y, w, h uint32) {
	x0, y0 := int64(r.X), int64(r.Y)
	x1, y1 := x0+int64(r.Width), y0+int64(r.Height)
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, int64(width)), min(y1, int64(height))
	if x1 <= x0 || y1 <= y0 {
		return 0, 0, 0, 0
	}
	return uint32(x0), uint32(y0), uint32(x1 - x0), uint32(y1 - y0)
}
