package halgpu

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// Default shader entry points.
const (
	DefaultVertexEntry   = "vs_main"
	DefaultFragmentEntry = "fs_main"
	DefaultComputeEntry  = "cs_main"
)

// ProgramDesc describes a WGSL program. Empty entry points take the defaults.
type ProgramDesc struct {
	Label         string
	WGSL          string
	VertexEntry   string
	FragmentEntry string
	ComputeEntry  string
}

// Program is a compiled shader module usable by draws and dispatches. The
// creator holds one reference; every batch that uses the program holds
// another until it is reset.
type Program struct {
	gbatch.ProgramUsage

	dev      *Device
	label    string
	module   hal.ShaderModule
	vertex   string
	fragment string
	compute  string
	refs     atomic.Int32
}

var _ gbatch.Program = (*Program)(nil)

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("halgpu: compile shader: %w", err)
	}
	if len(spirv)%4 != 0 {
		return nil, fmt.Errorf("halgpu: compile shader: SPIR-V size %d is not word aligned", len(spirv))
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = uint32(spirv[i*4]) |
			uint32(spirv[i*4+1])<<8 |
			uint32(spirv[i*4+2])<<16 |
			uint32(spirv[i*4+3])<<24
	}
	return words, nil
}

// NewProgram compiles desc and creates its shader module.
func (d *Device) NewProgram(desc ProgramDesc) (*Program, error) {
	words, err := CompileWGSL(desc.WGSL)
	if err != nil {
		return nil, err
	}
	module, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, d.check(err)
	}
	p := &Program{
		dev:      d,
		label:    desc.Label,
		module:   module,
		vertex:   orDefault(desc.VertexEntry, DefaultVertexEntry),
		fragment: orDefault(desc.FragmentEntry, DefaultFragmentEntry),
		compute:  orDefault(desc.ComputeEntry, DefaultComputeEntry),
	}
	p.refs.Store(1)
	gbatch.Logger().Debug("halgpu: program created", "label", desc.Label, "words", len(words))
	return p, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Refs returns the current reference count.
func (p *Program) Refs() int32 { return p.refs.Load() }

// AddBatchReference implements gbatch.Program.
func (p *Program) AddBatchReference(bs *gbatch.BatchState) bool {
	if !p.TrackBatch(bs) {
		return false
	}
	p.refs.Add(1)
	return true
}

// RemoveBatchReference implements gbatch.Program.
func (p *Program) RemoveBatchReference(bs *gbatch.BatchState) { p.UntrackBatch(bs) }

// ReleaseReference implements gbatch.Program.
func (p *Program) ReleaseReference() { p.Release() }

// Release drops one reference. The last release destroys the shader module
// and every pipeline built from it.
func (p *Program) Release() {
	switch n := p.refs.Add(-1); {
	case n == 0:
		p.dev.dropPipelines(p)
		p.dev.dev.DestroyShaderModule(p.module)
		p.module = nil
	case n < 0:
		panic("halgpu: program released too often")
	}
}

// pipelineKey identifies a render pipeline by program and pass layout.
type pipelineKey struct {
	prog *Program
	mode gbatch.RenderingMode
	pass uint64
}

// pipelineLayoutLocked returns the shared empty pipeline layout.
func (d *Device) pipelineLayoutLocked() (hal.PipelineLayout, error) {
	if d.layout != nil {
		return d.layout, nil
	}
	layout, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: "gbatch-layout"})
	if err != nil {
		return nil, d.check(err)
	}
	d.layout = layout
	return layout, nil
}

// renderPipeline returns the pipeline for p inside a pass with state,
// creating it on first use.
func (d *Device) renderPipeline(p *Program, key gbatch.PipelineKey, state gbatch.RenderPassState) (hal.RenderPipeline, error) {
	k := pipelineKey{prog: p, mode: key.Mode, pass: key.RenderPass}
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	if pipe, ok := d.pipelines[k]; ok {
		return pipe, nil
	}
	layout, err := d.pipelineLayoutLocked()
	if err != nil {
		return nil, err
	}

	targets, samples := passTargets(state)
	desc := &hal.RenderPipelineDescriptor{
		Label:       p.label,
		Layout:      layout,
		Vertex:      hal.VertexState{Module: p.module, EntryPoint: p.vertex},
		Primitive:   gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		Multisample: gputypes.MultisampleState{Count: samples, Mask: ^uint64(0)},
		Fragment:    &hal.FragmentState{Module: p.module, EntryPoint: p.fragment, Targets: targets},
	}
	if state.HasDepth {
		always := hal.StencilFaceState{Compare: gputypes.CompareFunctionAlways}
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            state.Depth.Format,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionLess,
			StencilFront:      always,
			StencilBack:       always,
			StencilReadMask:   0xff,
			StencilWriteMask:  0xff,
		}
	}

	pipe, err := d.dev.CreateRenderPipeline(desc)
	if err != nil {
		return nil, d.check(err)
	}
	d.pipelines[k] = pipe
	gbatch.Logger().Debug("halgpu: render pipeline created", "program", p.label, "pass", key.RenderPass)
	return pipe, nil
}

// passTargets returns the color targets of the bound attachments, in
// attachment order, and the sample count of the pass.
func passTargets(state gbatch.RenderPassState) ([]gputypes.ColorTargetState, uint32) {
	samples := uint32(1)
	targets := make([]gputypes.ColorTargetState, 0, state.NumColors)
	for _, c := range state.Colors[:state.NumColors] {
		if c.Format == gputypes.TextureFormatUndefined {
			continue
		}
		targets = append(targets, gputypes.ColorTargetState{Format: c.Format, WriteMask: gputypes.ColorWriteMaskAll})
		samples = max(samples, c.Samples)
	}
	if state.HasDepth {
		samples = max(samples, state.Depth.Samples)
	}
	return targets, samples
}

// computePipeline returns the compute pipeline of p, creating it on first use.
func (d *Device) computePipeline(p *Program) (hal.ComputePipeline, error) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	if pipe, ok := d.computes[p]; ok {
		return pipe, nil
	}
	layout, err := d.pipelineLayoutLocked()
	if err != nil {
		return nil, err
	}
	pipe, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   p.label,
		Layout:  layout,
		Compute: hal.ComputeState{Module: p.module, EntryPoint: p.compute},
	})
	if err != nil {
		return nil, d.check(err)
	}
	d.computes[p] = pipe
	return pipe, nil
}

// dropPipelines destroys every pipeline built from p.
func (d *Device) dropPipelines(p *Program) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	for k, pipe := range d.pipelines {
		if k.prog == p {
			d.dev.DestroyRenderPipeline(pipe)
			delete(d.pipelines, k)
		}
	}
	if pipe, ok := d.computes[p]; ok {
		d.dev.DestroyComputePipeline(pipe)
		delete(d.computes, p)
	}
}
