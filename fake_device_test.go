package gbatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
)

// fakeDevice is an in-memory Device with a manually or automatically
// advanced timeline and failure injection.
type fakeDevice struct {
	mu   sync.Mutex
	cond *sync.Cond

	caps         Caps
	timeline     uint64
	autoComplete bool

	submits   [][]SubmitBatch
	waits     []time.Duration
	poolsMade int
	poolsGone int
	sems      int
	passes    []*fakeObject
	fbs       []*fakeObject
	idle      int

	// Failure injection. failPools counts remaining pool failures.
	failPools  int
	poolErr    error
	submitErr  error
	waitErr    error
	streamsEnd error
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{
		caps:         Caps{DynamicRendering: true, VideoMemory: 1 << 30},
		autoComplete: true,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *fakeDevice) Caps() Caps { return d.caps }

func (d *fakeDevice) CreateCommandPool(unsync bool) (CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPools > 0 {
		d.failPools--
		return nil, d.poolErr
	}
	d.poolsMade++
	return &fakePool{dev: d, unsync: unsync}, nil
}

func (d *fakeDevice) CreateSemaphore() (Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sems++
	return &fakeSemaphore{id: d.sems}, nil
}

func (d *fakeDevice) CreateRenderPass(state RenderPassState) (Destroyer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &fakeObject{name: fmt.Sprintf("pass-%x", state.Hash())}
	d.passes = append(d.passes, p)
	return p, nil
}

func (d *fakeDevice) CreateFramebuffer(pass Destroyer, _ RenderPassState, atts []*ResourceObject) (Destroyer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb := &fakeObject{name: fmt.Sprintf("fb-%d", len(atts))}
	d.fbs = append(d.fbs, fb)
	return fb, nil
}

func (d *fakeDevice) Submit(batches []SubmitBatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	cp := make([]SubmitBatch, len(batches))
	for i, b := range batches {
		cp[i] = SubmitBatch{
			Waits:          append([]Semaphore(nil), b.Waits...),
			WaitStages:     append([]PipelineStage(nil), b.WaitStages...),
			Streams:        append([]CommandStream(nil), b.Streams...),
			Signals:        append([]Semaphore(nil), b.Signals...),
			TimelineSignal: b.TimelineSignal,
		}
	}
	d.submits = append(d.submits, cp)
	if d.autoComplete {
		for _, b := range batches {
			if b.TimelineSignal > d.timeline {
				d.timeline = b.TimelineSignal
			}
		}
		d.cond.Broadcast()
	}
	return nil
}

func (d *fakeDevice) WaitTimeline(value uint64, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waits = append(d.waits, timeout)
	if d.waitErr != nil {
		return false, d.waitErr
	}
	if timeout < 0 {
		for d.timeline < value && d.waitErr == nil {
			d.cond.Wait()
		}
		if d.waitErr != nil {
			return false, d.waitErr
		}
		return true, nil
	}
	return d.timeline >= value, nil
}

func (d *fakeDevice) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idle++
	return nil
}

// complete advances the timeline to value.
func (d *fakeDevice) complete(value uint64) {
	d.mu.Lock()
	if value > d.timeline {
		d.timeline = value
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// lose makes every later submit and wait fail with ErrDeviceLost.
func (d *fakeDevice) lose() {
	d.mu.Lock()
	d.submitErr = ErrDeviceLost
	d.waitErr = ErrDeviceLost
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *fakeDevice) submissions() [][]SubmitBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]SubmitBatch(nil), d.submits...)
}

func (d *fakeDevice) infiniteWaits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.waits {
		if w < 0 {
			n++
		}
	}
	return n
}

type fakePool struct {
	dev     *fakeDevice
	unsync  bool
	streams []*fakeStream
	resets  int
}

func (p *fakePool) AllocateStream(role StreamRole) (CommandStream, error) {
	s := &fakeStream{role: role, dev: p.dev}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakePool) Reset() error {
	p.resets++
	for _, s := range p.streams {
		s.reset()
	}
	return nil
}

func (p *fakePool) Destroy() {
	p.dev.mu.Lock()
	p.dev.poolsGone++
	p.dev.mu.Unlock()
}

// fakeStream records the name of every command.
type fakeStream struct {
	dev  *fakeDevice
	role StreamRole

	mu        sync.Mutex
	recording bool
	ops       []string
	begins    []RenderPassBegin
	clears    [][]AttachmentClear
	barriers  []Barrier
	keys      []PipelineKey
}

func (s *fakeStream) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	s.ops = nil
	s.begins = nil
	s.clears = nil
	s.barriers = nil
	s.keys = nil
}

func (s *fakeStream) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *fakeStream) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = true
	return nil
}

func (s *fakeStream) End() error {
	s.dev.mu.Lock()
	err := s.dev.streamsEnd
	s.dev.mu.Unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	s.ops = append(s.ops, "end")
	return nil
}

func (s *fakeStream) PipelineBarrier(b Barrier) {
	s.mu.Lock()
	s.barriers = append(s.barriers, b)
	s.mu.Unlock()
	s.record("barrier")
}

func (s *fakeStream) BeginRenderPass(rp *RenderPassBegin) error {
	s.mu.Lock()
	s.begins = append(s.begins, *rp)
	s.mu.Unlock()
	s.record("begin_rp")
	return nil
}

func (s *fakeStream) EndRenderPass() { s.record("end_rp") }

func (s *fakeStream) ClearAttachments(clears []AttachmentClear) {
	s.mu.Lock()
	s.clears = append(s.clears, append([]AttachmentClear(nil), clears...))
	s.mu.Unlock()
	s.record("clear")
}

func (s *fakeStream) SetViewport(Viewport)                    { s.record("viewport") }
func (s *fakeStream) SetBlendConstant(gputypes.Color)         { s.record("blend") }
func (s *fakeStream) Dispatch(DispatchCall)                   { s.record("dispatch") }
func (s *fakeStream) CopyBuffer(_, _ Backing, _ []CopyRegion) { s.record("copy") }

func (s *fakeStream) Draw(key PipelineKey, _ DrawCall) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	s.record("draw")
}

func (s *fakeStream) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type fakeSemaphore struct {
	id        int
	destroyed atomic.Bool
}

func (s *fakeSemaphore) Destroy() { s.destroyed.Store(true) }

type fakeObject struct {
	name      string
	destroyed atomic.Int32
}

func (o *fakeObject) Destroy() { o.destroyed.Add(1) }

var nextAllocID atomic.Uint64

type fakeBacking struct {
	id        uint64
	size      uint64
	class     AllocationClass
	idle      atomic.Int32
	destroyed atomic.Int32

	mu       sync.Mutex
	imported []Semaphore
}

func newFakeBacking(size uint64) *fakeBacking {
	return &fakeBacking{id: nextAllocID.Add(1), size: size}
}

func (b *fakeBacking) AllocationID() uint64   { return b.id }
func (b *fakeBacking) Size() uint64           { return b.size }
func (b *fakeBacking) Class() AllocationClass { return b.class }
func (b *fakeBacking) MarkIdle()              { b.idle.Add(1) }
func (b *fakeBacking) Destroy()               { b.destroyed.Add(1) }

func (b *fakeBacking) ImportSemaphore(sem Semaphore) error {
	b.mu.Lock()
	b.imported = append(b.imported, sem)
	b.mu.Unlock()
	return nil
}

type fakeView struct{ destroyed atomic.Int32 }

func (v *fakeView) Destroy() { v.destroyed.Add(1) }

type fakeProgram struct {
	ProgramUsage
	adds     atomic.Int32
	releases atomic.Int32
}

func (p *fakeProgram) AddBatchReference(bs *BatchState) bool {
	if !p.TrackBatch(bs) {
		return false
	}
	p.adds.Add(1)
	return true
}

func (p *fakeProgram) RemoveBatchReference(bs *BatchState) { p.UntrackBatch(bs) }
func (p *fakeProgram) ReleaseReference()                   { p.releases.Add(1) }

type fakeSwapchain struct {
	mu       sync.Mutex
	acquire  Semaphore
	present  Semaphore
	acquired int
	pruned   int
}

func (s *fakeSwapchain) Acquire(*ResourceObject, time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	return true
}

func (s *fakeSwapchain) AcquireSemaphore(*ResourceObject) Semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem := s.acquire
	s.acquire = nil
	return sem
}

func (s *fakeSwapchain) Present(*ResourceObject) Semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

func (s *fakeSwapchain) PruneBatchUsage(*BatchUsage) {
	s.mu.Lock()
	s.pruned++
	s.mu.Unlock()
}

type fakeCond struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (c *fakeCond) Start(*BatchState) { c.starts.Add(1) }
func (c *fakeCond) Stop(*BatchState)  { c.stops.Add(1) }

type fakeQueries struct {
	suspends   atomic.Int32
	resumes    atomic.Int32
	rpSuspends atomic.Int32
	pruned     atomic.Int32
}

func (q *fakeQueries) Suspend(*BatchState)           { q.suspends.Add(1) }
func (q *fakeQueries) Resume(*BatchState)            { q.resumes.Add(1) }
func (q *fakeQueries) SuspendRenderPass(*BatchState) { q.rpSuspends.Add(1) }
func (q *fakeQueries) Prune(*BatchState, Query)      { q.pruned.Add(1) }

// testConfig is the default config with synchronous submission.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ThreadedSubmit = false
	return cfg
}

func noSleep(time.Duration) {}

// newTestScreen opens a screen over a fake device and closes it at cleanup.
func newTestScreen(t *testing.T, dev *fakeDevice, cfg Config, opts ...ScreenOption) *Screen {
	t.Helper()
	opts = append([]ScreenOption{WithConfig(cfg), WithRetrySleep(noSleep)}, opts...)
	s, err := OpenScreen(dev, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestContext(t *testing.T, s *Screen, opts ...ContextOption) *Context {
	t.Helper()
	c, err := s.NewContext(opts...)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func newBuffer(size uint64) (*Resource, *fakeBacking) {
	b := newFakeBacking(size)
	return NewResource(NewBufferObject(b)), b
}

func newImage(format gputypes.TextureFormat) (*Resource, *fakeBacking) {
	b := newFakeBacking(4096)
	return NewResource(NewImageObject(b, format, 1)), b
}

func mainStream(bs *BatchState) *fakeStream {
	return bs.streams[StreamMain].(*fakeStream)
}
