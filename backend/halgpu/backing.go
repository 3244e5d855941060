package halgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// BufferDesc describes a buffer created through NewBuffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
	// Class defaults to gbatch.ClassReal.
	Class gbatch.AllocationClass
}

// TextureDesc describes a 2D texture created through NewTexture.
type TextureDesc struct {
	Label   string
	Width   uint32
	Height  uint32
	Format  gputypes.TextureFormat
	Samples uint32
	Usage   gputypes.TextureUsage
}

// Buffer is the HAL buffer behind a gbatch resource object.
type Buffer struct {
	dev   *Device
	buf   hal.Buffer
	id    uint64
	size  uint64
	class gbatch.AllocationClass
	once  sync.Once
}

// NewBuffer allocates a buffer and wraps it in a resource.
func (d *Device) NewBuffer(desc BufferDesc) (*gbatch.Resource, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("halgpu: buffer %q has zero size", desc.Label)
	}
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, d.check(err)
	}
	b := &Buffer{
		dev:   d,
		buf:   buf,
		id:    d.nextAlloc.Add(1),
		size:  desc.Size,
		class: desc.Class,
	}
	d.live.Add(1)
	return gbatch.NewResource(gbatch.NewBufferObject(b)), nil
}

// HAL returns the underlying buffer.
func (b *Buffer) HAL() hal.Buffer { return b.buf }

func (b *Buffer) AllocationID() uint64          { return b.id }
func (b *Buffer) Size() uint64                  { return b.size }
func (b *Buffer) Class() gbatch.AllocationClass { return b.class }
func (b *Buffer) MarkIdle()                     { b.dev.idleMarks.Add(1) }

func (b *Buffer) Destroy() {
	b.once.Do(func() {
		b.dev.dev.DestroyBuffer(b.buf)
		b.dev.live.Add(-1)
	})
}

// Texture is the HAL texture behind a gbatch image object. It owns a default
// view used as the render attachment in dynamic rendering.
type Texture struct {
	dev    *Device
	tex    hal.Texture
	view   hal.TextureView
	id     uint64
	size   uint64
	format gputypes.TextureFormat
	width  uint32
	height uint32
	label  string
	once   sync.Once
}

// NewTexture allocates a single-mip 2D texture and wraps it in a resource.
func (d *Device) NewTexture(desc TextureDesc) (*gbatch.Resource, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("halgpu: texture %q has zero extent", desc.Label)
	}
	samples := max(desc.Samples, 1)
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   samples,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, d.check(err)
	}
	view, err := d.dev.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           desc.Label,
		Format:          desc.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		d.dev.DestroyTexture(tex)
		return nil, d.check(err)
	}
	t := &Texture{
		dev:    d,
		tex:    tex,
		view:   view,
		id:     d.nextAlloc.Add(1),
		size:   uint64(desc.Width) * uint64(desc.Height) * uint64(samples) * texelSize(desc.Format),
		format: desc.Format,
		width:  desc.Width,
		height: desc.Height,
		label:  desc.Label,
	}
	d.live.Add(1)
	return gbatch.NewResource(gbatch.NewImageObject(t, desc.Format, samples)), nil
}

// texelSize estimates bytes per texel for memory accounting.
func texelSize(f gputypes.TextureFormat) uint64 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatStencil8:
		return 1
	case gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatDepth32FloatStencil8:
		return 8
	default:
		return 4
	}
}

// HAL returns the underlying texture and its default view.
func (t *Texture) HAL() (hal.Texture, hal.TextureView) { return t.tex, t.view }

func (t *Texture) AllocationID() uint64          { return t.id }
func (t *Texture) Size() uint64                  { return t.size }
func (t *Texture) Class() gbatch.AllocationClass { return gbatch.ClassReal }
func (t *Texture) MarkIdle()                     { t.dev.idleMarks.Add(1) }

func (t *Texture) Destroy() {
	t.once.Do(func() {
		t.dev.dev.DestroyTextureView(t.view)
		t.dev.dev.DestroyTexture(t.tex)
		t.dev.live.Add(-1)
	})
}

// Sampler is a HAL sampler whose destruction can be deferred with
// gbatch.BatchState.DeferSampler.
type Sampler struct {
	dev     hal.Device
	sampler hal.Sampler
}

// NewSampler creates a sampler with linear filtering.
func (d *Device) NewSampler(label string) (*Sampler, error) {
	s, err := d.dev.CreateSampler(&hal.SamplerDescriptor{
		Label:        label,
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
	})
	if err != nil {
		return nil, d.check(err)
	}
	return &Sampler{dev: d.dev, sampler: s}, nil
}

// HAL returns the underlying sampler.
func (s *Sampler) HAL() hal.Sampler { return s.sampler }

// Destroy implements gbatch.Destroyer.
func (s *Sampler) Destroy() {
	if s.sampler != nil {
		s.dev.DestroySampler(s.sampler)
		s.sampler = nil
	}
}

// QuerySet is a HAL query set whose destruction can be deferred with
// gbatch.BatchState.DeferQueryPool.
type QuerySet struct {
	dev hal.Device
	set hal.QuerySet
}

// NewQuerySet creates an occlusion query set.
func (d *Device) NewQuerySet(label string, count uint32) (*QuerySet, error) {
	qs, err := d.dev.CreateQuerySet(&hal.QuerySetDescriptor{
		Label: label,
		Type:  hal.QueryTypeOcclusion,
		Count: count,
	})
	if err != nil {
		return nil, d.check(err)
	}
	return &QuerySet{dev: d.dev, set: qs}, nil
}

// Destroy implements gbatch.Destroyer.
func (q *QuerySet) Destroy() {
	if q.set != nil {
		q.dev.DestroyQuerySet(q.set)
		q.set = nil
	}
}
