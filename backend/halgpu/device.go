package halgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

const (
	defaultPollMin = 50 * time.Microsecond
	defaultPollMax = 2 * time.Millisecond
)

// Option configures a Device.
type Option func(*Device)

// WithVideoMemory sets the device-local memory size reported to the batch
// core. HAL adapters do not expose it.
func WithVideoMemory(bytes uint64) Option {
	return func(d *Device) { d.caps.VideoMemory = bytes }
}

// WithPollInterval bounds the sleep between completion polls in WaitTimeline.
func WithPollInterval(minWait, maxWait time.Duration) Option {
	return func(d *Device) {
		if minWait > 0 {
			d.pollMin = minWait
		}
		if maxWait >= d.pollMin {
			d.pollMax = maxWait
		}
	}
}

// timelinePoint ties a batch timeline value to the queue submission that
// signals it.
type timelinePoint struct {
	value uint64
	index uint64
}

// Stats is a snapshot of device counters.
type Stats struct {
	Submits         uint64
	CommandBuffers  uint64
	Pipelines       int
	ClearPipelines  int
	LiveAllocations int64
	IdleMarks       uint64
}

// Device implements gbatch.Device on top of a wgpu HAL device and queue.
//
// The HAL exposes a single ordered queue with monotonically increasing
// submission indices. Timeline values are mapped onto those indices at
// submit time and resolved by polling the queue.
type Device struct {
	dev     hal.Device
	queue   hal.Queue
	caps    gbatch.Caps
	release func()

	pollMin time.Duration
	pollMax time.Duration

	// mu serializes queue access and guards the timeline mapping.
	mu      sync.Mutex
	points  []timelinePoint
	reached uint64
	closed  bool

	lost atomic.Bool

	nextAlloc atomic.Uint64
	live      atomic.Int64
	idleMarks atomic.Uint64
	submits   atomic.Uint64
	cmdBufs   atomic.Uint64

	pipeMu    sync.Mutex
	layout    hal.PipelineLayout
	pipelines map[pipelineKey]hal.RenderPipeline
	computes  map[*Program]hal.ComputePipeline

	clearModules map[int]hal.ShaderModule
	clearPipes   map[clearKey]hal.RenderPipeline
}

var _ gbatch.Device = (*Device)(nil)

// New wraps an open HAL device and queue.
func New(dev hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	if dev == nil || queue == nil {
		return nil, ErrNilDevice
	}
	d := &Device{
		dev:       dev,
		queue:     queue,
		caps:      gbatch.Caps{DynamicRendering: true},
		pollMin:   defaultPollMin,
		pollMax:   defaultPollMax,
		pipelines: make(map[pipelineKey]hal.RenderPipeline),
		computes:  make(map[*Program]hal.ComputePipeline),

		clearModules: make(map[int]hal.ShaderModule),
		clearPipes:   make(map[clearKey]hal.RenderPipeline),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// OpenNoop opens a device on the noop HAL backend. Submissions complete
// immediately; it is meant for tests and dry runs.
func OpenNoop(opts ...Option) (*Device, error) {
	inst, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("halgpu: noop instance: %w", err)
	}
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		inst.Destroy()
		return nil, errors.New("halgpu: noop backend exposes no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		inst.Destroy()
		return nil, fmt.Errorf("halgpu: open noop adapter: %w", err)
	}
	d, err := New(open.Device, open.Queue, opts...)
	if err != nil {
		inst.Destroy()
		return nil, err
	}
	d.release = func() {
		open.Device.Destroy()
		inst.Destroy()
	}
	gbatch.Logger().Info("halgpu: noop device opened", "adapter", adapters[0].Info.Name)
	return d, nil
}

// OpenProvider uses the HAL device of a gpucontext provider. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue. The provider keeps ownership of the device.
func OpenProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	if provider == nil {
		return nil, ErrNilDevice
	}
	hp, ok := provider.(interface {
		HalDevice() any
		HalQueue() any
	})
	if !ok {
		return nil, ErrNoHALAccess
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("%w: HalDevice is %T", ErrNoHALAccess, hp.HalDevice())
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: HalQueue is %T", ErrNoHALAccess, hp.HalQueue())
	}
	d, err := New(dev, queue, opts...)
	if err != nil {
		return nil, err
	}
	info := provider.AdapterInfo()
	gbatch.Logger().Info("halgpu: provider device opened", "adapter", info.Name, "type", info.Type)
	return d, nil
}

// HAL returns the wrapped HAL device and queue.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.dev, d.queue }

// Caps implements gbatch.Device. HAL render passes take their attachments
// directly, so dynamic rendering is always available.
func (d *Device) Caps() gbatch.Caps { return d.caps }

// Lost reports whether the device has reported loss.
func (d *Device) Lost() bool { return d.lost.Load() }

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.pipeMu.Lock()
	pipes := len(d.pipelines) + len(d.computes)
	clears := len(d.clearPipes)
	d.pipeMu.Unlock()
	return Stats{
		Submits:         d.submits.Load(),
		CommandBuffers:  d.cmdBufs.Load(),
		Pipelines:       pipes,
		ClearPipelines:  clears,
		LiveAllocations: d.live.Load(),
		IdleMarks:       d.idleMarks.Load(),
	}
}

// check records device loss and maps err.
func (d *Device) check(err error) error {
	err = mapErr(err)
	if errors.Is(err, gbatch.ErrDeviceLost) && !d.lost.Swap(true) {
		gbatch.Logger().Error("halgpu: device lost", "err", err)
	}
	return err
}

// CreateCommandPool implements gbatch.Device. HAL encoders are independent
// of each other, so both pool kinds are built the same way.
func (d *Device) CreateCommandPool(bool) (gbatch.CommandPool, error) {
	if d.lost.Load() {
		return nil, gbatch.ErrDeviceLost
	}
	return &commandPool{dev: d}, nil
}

// CreateSemaphore implements gbatch.Device.
func (d *Device) CreateSemaphore() (gbatch.Semaphore, error) {
	f, err := d.dev.CreateFence()
	if err != nil {
		return nil, d.check(err)
	}
	return &Semaphore{dev: d.dev, fence: f}, nil
}

// CreateRenderPass implements gbatch.Device.
func (d *Device) CreateRenderPass(state gbatch.RenderPassState) (gbatch.Destroyer, error) {
	return &renderPass{state: state}, nil
}

// CreateFramebuffer implements gbatch.Device. Every attachment gets its own
// view, owned by the framebuffer.
func (d *Device) CreateFramebuffer(pass gbatch.Destroyer, _ gbatch.RenderPassState, attachments []*gbatch.ResourceObject) (gbatch.Destroyer, error) {
	if _, ok := pass.(*renderPass); !ok {
		return nil, fmt.Errorf("%w: render pass %T", ErrForeignObject, pass)
	}
	fb := &framebuffer{dev: d.dev, views: make([]hal.TextureView, 0, len(attachments))}
	for _, obj := range attachments {
		tex, ok := obj.Backing().(*Texture)
		if !ok {
			fb.Destroy()
			return nil, ErrNotTexture
		}
		view, err := d.dev.CreateTextureView(tex.tex, &hal.TextureViewDescriptor{
			Label:           tex.label + "-fb",
			Format:          tex.format,
			Dimension:       gputypes.TextureViewDimension2D,
			Aspect:          gputypes.TextureAspectAll,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		})
		if err != nil {
			fb.Destroy()
			return nil, d.check(err)
		}
		fb.views = append(fb.views, view)
	}
	return fb, nil
}

// Submit implements gbatch.Device. All entries go to the queue as one
// submission; the HAL queue executes submissions in order, which satisfies
// every semaphore dependency between them.
func (d *Device) Submit(batches []gbatch.SubmitBatch) error {
	if d.lost.Load() {
		return gbatch.ErrDeviceLost
	}
	var (
		bufs   []hal.CommandBuffer
		signal uint64
	)
	for _, b := range batches {
		for _, st := range b.Streams {
			cs, ok := st.(*commandStream)
			if !ok {
				return fmt.Errorf("%w: stream %T", ErrForeignObject, st)
			}
			if cs.buf != nil {
				bufs = append(bufs, cs.buf)
			}
		}
		for _, sem := range b.Signals {
			if s, ok := sem.(*Semaphore); ok {
				s.signaled.Store(true)
			}
		}
		signal = max(signal, b.TimelineSignal)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gbatch.ErrScreenClosed
	}
	idx, err := d.queue.Submit(bufs)
	if err != nil {
		return d.check(err)
	}
	d.submits.Add(1)
	d.cmdBufs.Add(uint64(len(bufs)))
	if signal > 0 {
		d.points = append(d.points, timelinePoint{value: signal, index: idx})
	}
	return nil
}

// poll advances the reached timeline value from the queue's completed index
// and reports whether value has been reached.
func (d *Device) poll(value uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value <= d.reached {
		return true
	}
	done := d.queue.PollCompleted()
	n := 0
	for _, p := range d.points {
		if p.index > done {
			break
		}
		d.reached = max(d.reached, p.value)
		n++
	}
	d.points = append(d.points[:0], d.points[n:]...)
	return value <= d.reached
}

// WaitTimeline implements gbatch.Device by polling the queue with an
// exponential backoff between pollMin and pollMax.
func (d *Device) WaitTimeline(value uint64, timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	interval := d.pollMin
	for {
		if d.poll(value) {
			return true, nil
		}
		if d.lost.Load() {
			return false, gbatch.ErrDeviceLost
		}
		sleep := interval
		if timeout >= 0 {
			rem := time.Until(deadline)
			if rem <= 0 {
				return false, nil
			}
			sleep = min(sleep, rem)
		}
		time.Sleep(sleep)
		interval = min(interval*2, d.pollMax)
	}
}

// WaitIdle implements gbatch.Device.
func (d *Device) WaitIdle() error {
	if err := d.dev.WaitIdle(); err != nil {
		return d.check(err)
	}
	d.poll(0)
	return nil
}

// Close destroys the objects the device created for itself. Devices opened
// with OpenNoop also destroy the HAL device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.dev.WaitIdle()

	d.pipeMu.Lock()
	for k, p := range d.pipelines {
		d.dev.DestroyRenderPipeline(p)
		delete(d.pipelines, k)
	}
	for k, p := range d.computes {
		d.dev.DestroyComputePipeline(p)
		delete(d.computes, k)
	}
	for k, p := range d.clearPipes {
		d.dev.DestroyRenderPipeline(p)
		delete(d.clearPipes, k)
	}
	for k, m := range d.clearModules {
		d.dev.DestroyShaderModule(m)
		delete(d.clearModules, k)
	}
	if d.layout != nil {
		d.dev.DestroyPipelineLayout(d.layout)
		d.layout = nil
	}
	d.pipeMu.Unlock()

	if d.release != nil {
		d.release()
	}
	return mapErr(err)
}

// Semaphore is a binary semaphore backed by a HAL fence.
type Semaphore struct {
	dev      hal.Device
	fence    hal.Fence
	signaled atomic.Bool
}

// Signaled reports whether a submission has signaled the semaphore.
func (s *Semaphore) Signaled() bool { return s.signaled.Load() }

// Destroy implements gbatch.Semaphore.
func (s *Semaphore) Destroy() {
	if s.fence != nil {
		s.dev.DestroyFence(s.fence)
		s.fence = nil
	}
}

// renderPass carries the pass layout for the explicit encoding. HAL passes
// have no device object of their own.
type renderPass struct {
	state gbatch.RenderPassState
}

func (p *renderPass) Destroy() {}

// framebuffer owns one view per attachment, colors first.
type framebuffer struct {
	dev   hal.Device
	views []hal.TextureView
}

func (f *framebuffer) Destroy() {
	for _, v := range f.views {
		f.dev.DestroyTextureView(v)
	}
	f.views = nil
}
