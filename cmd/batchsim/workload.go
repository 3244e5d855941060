package main

import (
	"fmt"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/gbatch/backend/halgpu"
	"github.com/gogpu/gputypes"
)

const targetSize = 256

// simulation owns the resources a frame touches.
type simulation struct {
	prog     *halgpu.Program
	color    *gbatch.Resource
	depth    *gbatch.Resource
	staging  *gbatch.Resource
	vertices *gbatch.Resource
	storage  *gbatch.Resource
}

func newSimulation(d *halgpu.Device) (*simulation, error) {
	prog, err := d.NewProgram(halgpu.ProgramDesc{Label: "batchsim", WGSL: shaderWGSL})
	if err != nil {
		return nil, err
	}
	sim := &simulation{prog: prog}

	textures := []struct {
		dst    **gbatch.Resource
		label  string
		format gputypes.TextureFormat
	}{
		{&sim.color, "color", gputypes.TextureFormatRGBA8Unorm},
		{&sim.depth, "depth", gputypes.TextureFormatDepth24PlusStencil8},
	}
	for _, tx := range textures {
		res, err := d.NewTexture(halgpu.TextureDesc{
			Label:  tx.label,
			Width:  targetSize,
			Height: targetSize,
			Format: tx.format,
			Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
		})
		if err != nil {
			sim.release()
			return nil, err
		}
		*tx.dst = res
	}

	buffers := []struct {
		dst  **gbatch.Resource
		desc halgpu.BufferDesc
	}{
		{&sim.staging, halgpu.BufferDesc{Label: "staging", Size: 64 << 10, Usage: gputypes.BufferUsageCopySrc}},
		{&sim.vertices, halgpu.BufferDesc{Label: "vertices", Size: 64 << 10,
			Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst}},
		{&sim.storage, halgpu.BufferDesc{Label: "storage", Size: 16 << 10, Usage: gputypes.BufferUsageStorage}},
	}
	for _, b := range buffers {
		res, err := d.NewBuffer(b.desc)
		if err != nil {
			sim.release()
			return nil, err
		}
		*b.dst = res
	}
	return sim, nil
}

func (s *simulation) release() {
	for _, res := range []*gbatch.Resource{s.color, s.depth, s.staging, s.vertices, s.storage} {
		if res != nil {
			res.Release()
		}
	}
	if s.prog != nil {
		s.prog.Release()
		s.prog = nil
	}
}

// run records frames, keeping at most inFlight of them unfinished.
func (s *simulation) run(ctx *gbatch.Context, frames, draws, inFlight int) error {
	fences := make([]*gbatch.Fence, 0, inFlight)
	for frame := range frames {
		if err := s.frame(ctx, frame, draws); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		f, err := ctx.Flush(0)
		if err != nil {
			return fmt.Errorf("frame %d: flush: %w", frame, err)
		}
		fences = append(fences, f)
		if len(fences) > inFlight {
			if _, err := fences[0].Wait(gbatch.Infinite); err != nil {
				return fmt.Errorf("frame %d: wait: %w", frame, err)
			}
			fences = fences[1:]
		}
	}
	return ctx.Stall()
}

func (s *simulation) frame(ctx *gbatch.Context, frame, draws int) error {
	offset := uint64(frame%16) * 4096
	if err := ctx.CopyBuffer(s.vertices, s.staging, []gbatch.CopyRegion{
		{SrcOffset: offset, DstOffset: offset, Size: 4096},
	}); err != nil {
		return err
	}
	if err := ctx.Dispatch(gbatch.DispatchCall{Program: s.prog, X: 4, Y: 1, Z: 1, Write: []*gbatch.Resource{s.storage}}); err != nil {
		return err
	}

	if err := ctx.SetFramebuffer(gbatch.Framebuffer{
		Colors: []*gbatch.Resource{s.color},
		Depth:  s.depth,
		Width:  targetSize,
		Height: targetSize,
	}); err != nil {
		return err
	}
	clearColor := gputypes.Color{R: 0.05, G: 0.05, B: 0.1, A: 1}
	if err := ctx.Clear(gbatch.ClearColor0|gbatch.ClearDepth, clearColor, 1, 0, nil); err != nil {
		return err
	}
	for i := range draws {
		if err := ctx.Draw(gbatch.DrawCall{
			Program:       s.prog,
			VertexCount:   3,
			InstanceCount: 1,
			FirstInstance: uint32(i),
			Vertex:        []*gbatch.Resource{s.vertices},
		}); err != nil {
			return err
		}
	}
	return nil
}
