package gbatch

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch records one buffer use and flushes.
func touch(t *testing.T, c *Context, res *Resource) *Fence {
	t.Helper()
	c.Batch().ReferenceResource(res, false)
	f, err := c.Flush(0)
	require.NoError(t, err)
	return f
}

func TestPoolGrowthThenSteadyState(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	assert.Equal(t, int64(4), s.Stats().StatesCreated, "first acquire primes three extra states")
	assert.Equal(t, 3, c.Stats().Free)

	res, _ := newBuffer(64)
	for range 100 {
		touch(t, c, res)
	}
	assert.Equal(t, int64(4), s.Stats().StatesCreated, "steady state allocates nothing")
	assert.Len(t, dev.submissions(), 100)
}

func TestReuseRequiresSubmittedAndCompleted(t *testing.T) {
	dev := newFakeDevice()
	dev.autoComplete = false
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	first := c.Batch().State()
	res, _ := newBuffer(64)
	for range 4 {
		touch(t, c, res)
	}
	assert.Equal(t, int64(5), s.Stats().StatesCreated, "incomplete head is not recycled")
	assert.NotSame(t, first, c.Batch().State())

	dev.complete(4)
	touch(t, c, res)
	assert.Equal(t, int64(5), s.Stats().StatesCreated)
	assert.Same(t, first, c.Batch().State(), "oldest in-flight state is recycled first")
	assert.Zero(t, first.ID(), "reset clears the batch id")
}

func TestSoleInFlightStateIsReused(t *testing.T) {
	cfg := testConfig()
	cfg.PoolPrime = 0
	s := newTestScreen(t, newFakeDevice(), cfg)
	c := newTestContext(t, s)

	res, _ := newBuffer(64)
	for range 3 {
		touch(t, c, res)
	}
	assert.Equal(t, int64(1), s.Stats().StatesCreated, "completed head is recycled even when it is the only one")
	assert.Zero(t, c.Stats().InFlight)
	assert.Zero(t, c.LastBatchID())
}

func TestReclaimAboveThreshold(t *testing.T) {
	dev := newFakeDevice()
	dev.autoComplete = false
	cfg := testConfig()
	cfg.ReclaimThreshold = 1
	s := newTestScreen(t, dev, cfg)
	c := newTestContext(t, s)

	res, _ := newBuffer(64)
	for range 3 {
		touch(t, c, res)
	}
	assert.Equal(t, 3, c.Stats().InFlight)

	dev.complete(3)
	touch(t, c, res)
	st := c.Stats()
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, 2, st.Free)
	assert.Equal(t, int64(4), s.Stats().StatesCreated)
}

func TestReferenceDedup(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s)
	res, _ := newBuffer(256)
	obj := res.Object()
	bs := c.Batch().State()

	for i := range 10 {
		c.Batch().ReferenceResource(res, i%2 == 1)
	}

	assert.Equal(t, 1, bs.ReferencedObjects())
	assert.Equal(t, int32(2), obj.Refs(), "one reference for the resource, one for the batch")
	assert.Equal(t, uint64(256), bs.ResourceSize())
	assert.Same(t, bs.Usage(), obj.ReadUsage())
	assert.Same(t, bs.Usage(), obj.WriteUsage())
	assert.True(t, obj.HasUnflushedUsage())
}

func TestReferenceHashCollision(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s)
	bs := c.Batch().State()

	a := &fakeBacking{id: 7, size: 16}
	b := &fakeBacking{id: 7 + refHashSize, size: 16}
	sparse := &fakeBacking{id: 7 + 2*refHashSize, size: 1 << 20, class: ClassSparse}
	ra := NewResource(NewBufferObject(a))
	rb := NewResource(NewBufferObject(b))
	rs := NewResource(NewBufferObject(sparse))

	c.Batch().ReferenceResource(ra, false)
	c.Batch().ReferenceResource(rb, false)
	c.Batch().ReferenceResource(rs, false)
	// b shares a's hash slot, so finding it takes the reverse scan.
	assert.False(t, bs.reference(ra.Object()))
	assert.False(t, bs.reference(rb.Object()))

	assert.Equal(t, 3, bs.ReferencedObjects())
	assert.Equal(t, uint64(32), bs.ResourceSize(), "sparse size does not count")
	assert.Equal(t, int32(2), ra.Object().Refs())
	assert.Equal(t, int32(2), rb.Object().Refs())
}

func TestResetIdempotent(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s)
	res, backing := newBuffer(64)
	bs := c.Batch().State()
	c.Batch().ReferenceResource(res, true)

	_, err := c.Flush(0)
	require.NoError(t, err)
	require.NoError(t, c.Stall())

	assert.False(t, bs.Submitted())
	assert.Zero(t, bs.ID())
	assert.Equal(t, 0, bs.ReferencedObjects())
	assert.Len(t, bs.unrefObjs, 1)
	assert.Equal(t, int32(1), backing.idle.Load())

	gen := bs.usage.gen.Load()
	bs.reset()
	assert.Len(t, bs.unrefObjs, 1, "second reset adds nothing")
	assert.Equal(t, gen, bs.usage.gen.Load(), "generation only moves for submitted states")
	assert.False(t, res.Object().HasUsage())
}

func TestBatchIDsIncrease(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)
	res, _ := newBuffer(64)

	for range 20 {
		touch(t, c, res)
	}
	var last uint64
	for _, sub := range dev.submissions() {
		sig := sub[len(sub)-1].TimelineSignal
		assert.Greater(t, sig, last)
		last = sig
	}
	assert.Equal(t, uint64(20), s.Stats().LastBatchID)
}

func TestSubmitSemaphoreParity(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	acquire, present := &fakeSemaphore{id: 100}, &fakeSemaphore{id: 101}
	sc := &fakeSwapchain{acquire: acquire, present: present}
	target := NewResource(NewSwapchainObject(newFakeBacking(1024), gputypes.TextureFormatBGRA8Unorm, sc))

	require.NoError(t, c.SetFramebuffer(Framebuffer{Colors: []*Resource{target}, Width: 16, Height: 16}))
	require.NoError(t, c.Draw(DrawCall{VertexCount: 3, InstanceCount: 1}))
	wait, foreign, signal := &fakeSemaphore{id: 1}, &fakeSemaphore{id: 2}, &fakeSemaphore{id: 3}
	c.Batch().AddWaitSemaphore(wait, StageFragmentShader)
	c.Batch().AddForeignWait(foreign, 0)
	c.Batch().AddSignalSemaphore(signal)

	_, err := c.Flush(0)
	require.NoError(t, err)

	subs := dev.submissions()
	require.Len(t, subs, 1)
	sub := subs[0]
	require.Len(t, sub, 4)
	for i, b := range sub {
		assert.Len(t, b.WaitStages, len(b.Waits), "entry %d", i)
	}
	assert.Equal(t, []Semaphore{acquire}, sub[0].Waits)
	assert.Equal(t, []PipelineStage{StageColorAttachmentOutput}, sub[0].WaitStages)
	assert.Equal(t, []PipelineStage{StageAllCommands}, sub[1].WaitStages)
	assert.Equal(t, []Semaphore{wait}, sub[2].Waits)
	assert.Equal(t, []Semaphore{signal}, sub[2].Signals)
	assert.NotEmpty(t, sub[2].Streams)
	assert.Equal(t, []Semaphore{present}, sub[3].Signals)
	assert.NotZero(t, sub[3].TimelineSignal)
	assert.Equal(t, 1, sc.acquired)
}

func TestEmptySubBatchesElided(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	c.Batch().ReferenceProgram(&fakeProgram{})
	_, err := c.Flush(0)
	require.NoError(t, err)

	sub := dev.submissions()[0]
	require.Len(t, sub, 2)
	assert.Equal(t, []CommandStream{c.lastInFlight.streams[StreamMain]}, sub[0].Streams)
	assert.NotZero(t, sub[1].TimelineSignal)
}

func TestDeferredDestruction(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c, err := s.NewContext()
	require.NoError(t, err)

	res, backing := newBuffer(64)
	obj := res.Object()
	c.Batch().ReferenceResource(res, true)
	res.Release()
	assert.False(t, obj.Destroyed(), "batch still holds the object")

	_, err = c.Flush(0)
	require.NoError(t, err)
	assert.False(t, obj.Destroyed())

	c.Destroy()
	assert.True(t, obj.Destroyed())
	assert.Equal(t, int32(1), backing.destroyed.Load())
}

func TestInvalidateKeepsOldObjectAlive(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s)

	res, oldBacking := newBuffer(64)
	old := res.Object()
	c.Batch().ReferenceResource(res, true)

	res.Invalidate(NewBufferObject(newFakeBacking(64)))
	assert.NotSame(t, old, res.Object())
	assert.False(t, old.Destroyed())

	_, err := c.Flush(0)
	require.NoError(t, err)
	require.NoError(t, c.Stall())
	// Dropped at the end of the next submit of the recycled state.
	for range 5 {
		touch(t, c, res)
	}
	assert.Equal(t, int32(1), oldBacking.destroyed.Load())
}

func TestOOMFlushFromReferences(t *testing.T) {
	dev := newFakeDevice()
	dev.caps.VideoMemory = 1000
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	small, _ := newBuffer(100)
	c.Batch().ReferenceResource(small, false)
	assert.False(t, c.oomFlush)

	big, _ := newBuffer(900)
	c.Batch().ReferenceResource(big, false)
	assert.True(t, c.oomFlush)
	assert.True(t, c.oomStall)

	require.NoError(t, c.Dispatch(DispatchCall{X: 1, Y: 1, Z: 1}))
	assert.Equal(t, uint64(1), c.Stats().Flushes, "end of dispatch performs the forced flush")
	assert.False(t, c.oomFlush)
	assert.False(t, c.oomStall)
	assert.Equal(t, 0, c.Stats().InFlight, "stall recycled the submitted state")
}

func TestDeviceLostPropagation(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	var resets atomic.Int32
	var status atomic.Value
	c := newTestContext(t, s, WithResetCallback(func(st ResetStatus) {
		resets.Add(1)
		status.Store(st)
	}))

	res, _ := newBuffer(64)
	touch(t, c, res)
	dev.lose()

	c.Batch().ReferenceResource(res, false)
	_, err := c.Flush(0)
	require.ErrorIs(t, err, ErrDeviceLost)

	assert.True(t, s.DeviceLost())
	assert.True(t, c.CheckBatchCompletion(1000), "lost device completes everything")
	assert.Equal(t, GuiltyContextReset, c.ResetStatus())
	assert.Equal(t, int32(1), resets.Load())
	assert.Equal(t, GuiltyContextReset, status.Load())

	_, err = c.Flush(0)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.ErrorIs(t, c.Draw(DrawCall{}), ErrDeviceLost)
	assert.Equal(t, int32(1), resets.Load(), "callback runs once")
}

func TestDeviceLostDetectedByOtherContext(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	var resets atomic.Int32
	other := newTestContext(t, s, WithResetCallback(func(ResetStatus) { resets.Add(1) }))
	c := newTestContext(t, s)

	dev.lose()
	res, _ := newBuffer(64)
	c.Batch().ReferenceResource(res, false)
	_, err := c.Flush(0)
	require.ErrorIs(t, err, ErrDeviceLost)

	assert.Zero(t, resets.Load())
	assert.Equal(t, GuiltyContextReset, other.ResetStatus())
	assert.Equal(t, int32(1), resets.Load())
}

func TestAbortOnHang(t *testing.T) {
	dev := newFakeDevice()
	var aborts atomic.Int32
	cfg := testConfig()
	cfg.AbortOnHang = true
	s := newTestScreen(t, dev, cfg, WithAbortHandler(func() { aborts.Add(1) }))
	c := newTestContext(t, s)

	dev.lose()
	res, _ := newBuffer(64)
	c.Batch().ReferenceResource(res, false)
	_, err := c.Flush(0)
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.Equal(t, int32(1), aborts.Load())
}

func TestRobustContextSuppressesAbort(t *testing.T) {
	dev := newFakeDevice()
	var aborts atomic.Int32
	cfg := testConfig()
	cfg.AbortOnHang = true
	s := newTestScreen(t, dev, cfg, WithAbortHandler(func() { aborts.Add(1) }))
	_ = newTestContext(t, s, WithResetCallback(func(ResetStatus) {}))
	c := newTestContext(t, s)

	dev.lose()
	res, _ := newBuffer(64)
	c.Batch().ReferenceResource(res, false)
	_, _ = c.Flush(0)
	assert.Zero(t, aborts.Load())
}

func TestStreamEndFailureMarksLost(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	dev.streamsEnd = errors.New("encoder broken")
	res, _ := newBuffer(64)
	c.Batch().ReferenceResource(res, false)
	_, err := c.Flush(0)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.Empty(t, dev.submissions())
	assert.True(t, s.DeviceLost())
}

func TestStateCreationRetries(t *testing.T) {
	dev := newFakeDevice()
	dev.failPools = 2
	dev.poolErr = ErrOutOfDeviceMemory
	s := newTestScreen(t, dev, testConfig())

	c, err := s.NewContext()
	require.NoError(t, err)
	c.Destroy()
}

func TestStateCreationFails(t *testing.T) {
	dev := newFakeDevice()
	dev.failPools = 100
	dev.poolErr = ErrOutOfDeviceMemory
	s := newTestScreen(t, dev, testConfig())

	_, err := s.NewContext()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateCreation)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
}

func TestEmergencyBackpressure(t *testing.T) {
	dev := newFakeDevice()
	cfg := testConfig()
	cfg.EmergencyInFlight = 2
	cfg.EmergencyLag = 1
	s := newTestScreen(t, dev, cfg)
	c := newTestContext(t, s)

	res, _ := newBuffer(64)
	for range 8 {
		touch(t, c, res)
	}
	assert.Positive(t, dev.infiniteWaits(), "post-submit blocked on older work")
}

func TestProgramReferences(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s)
	p := &fakeProgram{}
	bs := c.Batch().State()

	c.Batch().ReferenceProgram(p)
	c.Batch().ReferenceProgram(p)
	assert.Equal(t, int32(1), p.adds.Load())
	assert.Equal(t, 1, bs.Programs())
	assert.Same(t, bs.Usage(), p.Usage())

	_, err := c.Flush(0)
	require.NoError(t, err)
	require.NoError(t, c.Stall())
	assert.Equal(t, int32(1), p.releases.Load())
	assert.Nil(t, p.Usage())
	assert.Equal(t, 0, bs.Programs())
}

func TestDeferredObjectsDestroyedAtReset(t *testing.T) {
	q := &fakeQueries{}
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s, WithQueryTracker(q))
	bs := c.Batch().State()

	pool, dgc, sampler := &fakeObject{}, &fakeObject{}, &fakeObject{}
	bs.DeferQueryPool(pool)
	bs.DeferDGC(dgc)
	bs.DeferSampler(sampler)
	bs.TrackQuery("occlusion")
	sparse := NewBufferObject(&fakeBacking{id: 99, size: 8, class: ClassSparse})
	bs.DeferSparseBacking(sparse)
	c.Batch().ReferenceProgram(&fakeProgram{})

	_, err := c.Flush(0)
	require.NoError(t, err)
	assert.Zero(t, pool.destroyed.Load())

	require.NoError(t, c.Stall())
	assert.Equal(t, int32(1), pool.destroyed.Load())
	assert.Equal(t, int32(1), dgc.destroyed.Load())
	assert.Equal(t, int32(1), sampler.destroyed.Load())
	assert.Equal(t, int32(1), q.pruned.Load())
	assert.True(t, sparse.Destroyed())
	assert.Positive(t, q.suspends.Load())
	assert.Positive(t, q.resumes.Load())
}

func TestViewPruning(t *testing.T) {
	cfg := testConfig()
	cfg.MaxViews = 1
	s := newTestScreen(t, newFakeDevice(), cfg)
	c := newTestContext(t, s)

	a, err := s.newBatchState(c)
	require.NoError(t, err)
	b, err := s.newBatchState(c)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.destroy()
		b.destroy()
	})

	res, _ := newBuffer(64)
	obj := res.Object()
	views := []*fakeView{{}, {}, {}}
	for _, v := range views {
		obj.AddView(v)
	}

	(&Batch{ctx: c, state: a}).ReferenceResource(res, false)
	(&Batch{ctx: c, state: b}).ReferenceResource(res, true)
	b.usage.id.Store(7)

	a.reset()
	assert.Equal(t, uint64(7), obj.pendingViewPrune(), "busy object schedules pruning")
	assert.Equal(t, 3, obj.ViewCount())

	a.drainUnrefs()
	assert.Equal(t, 3, obj.ViewCount(), "batch 7 has not completed")

	s.updateLastFinished(7)
	obj.Ref()
	a.unrefObjs = append(a.unrefObjs, obj)
	a.drainUnrefs()
	assert.Equal(t, 0, obj.ViewCount())
	for _, v := range views {
		assert.Equal(t, int32(1), v.destroyed.Load())
	}
}

func TestIdleObjectDropsViews(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s)
	res, _ := newBuffer(64)
	v := &fakeView{}
	res.Object().AddView(v)

	c.Batch().ReferenceResource(res, false)
	_, err := c.Flush(0)
	require.NoError(t, err)
	require.NoError(t, c.Stall())

	assert.Equal(t, int32(1), v.destroyed.Load())
	assert.True(t, res.Object().unorderedRead.Load())
	assert.True(t, res.Object().unorderedWrite.Load())
}

func TestExportSemaphoreImported(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	res, backing := newBuffer(64)
	c.Batch().ReferenceResource(res, true)
	c.Batch().ExportResource(res)
	c.Batch().ExportResource(res)

	_, err := c.Flush(0)
	require.NoError(t, err)

	require.Len(t, backing.imported, 1)
	sub := dev.submissions()[0]
	var signals []Semaphore
	for _, b := range sub {
		signals = append(signals, b.Signals...)
	}
	assert.Contains(t, signals, backing.imported[0])
}

func TestCommitSparseWaits(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	res := NewResource(NewBufferObject(&fakeBacking{id: 4242, size: 1 << 16, class: ClassSparse}))
	c.Batch().ReferenceResource(res, true)
	sem := &fakeSemaphore{id: 9}
	require.NoError(t, c.CommitSparse(res, func() (Semaphore, error) { return sem, nil }))
	assert.Len(t, dev.submissions(), 1, "pending use was flushed before the commit")

	_, err := c.Flush(0)
	require.NoError(t, err)
	subs := dev.submissions()
	require.Len(t, subs, 2)
	assert.Contains(t, subs[1][0].Waits, Semaphore(sem))

	err = c.CommitSparse(res, func() (Semaphore, error) { return nil, errors.New("no binding") })
	assert.Error(t, err)
}

func TestContextTeardownSharesStates(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())

	c1, err := s.NewContext()
	require.NoError(t, err)
	res, _ := newBuffer(64)
	touch(t, c1, res)
	c1.Destroy()
	c1.Destroy()

	assert.Equal(t, 4, s.Stats().FreeStates)
	assert.Equal(t, 1, dev.idle)

	c2, err := s.NewContext()
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Stats().StatesCreated, "states are taken from the screen")
	assert.Same(t, c2, c2.Batch().State().Context())
	c2.Destroy()

	_, err = c1.Flush(0)
	assert.ErrorIs(t, err, ErrContextDestroyed)

	require.NoError(t, s.Close())
	assert.Equal(t, dev.poolsMade, dev.poolsGone)
	_, err = s.NewContext()
	assert.ErrorIs(t, err, ErrScreenClosed)
}

func TestSemaphoresReturnToPool(t *testing.T) {
	dev := newFakeDevice()
	s := newTestScreen(t, dev, testConfig())
	c := newTestContext(t, s)

	sem, err := s.getSemaphore()
	require.NoError(t, err)
	c.Batch().AddWaitSemaphore(sem, StageTransfer)
	c.Batch().AddSignalSemaphore(&fakeSemaphore{id: 50})
	_, err = c.Flush(0)
	require.NoError(t, err)
	require.NoError(t, c.Stall())

	assert.Equal(t, 2, s.Stats().PooledSemaphores)
	again, err := s.getSemaphore()
	require.NoError(t, err)
	assert.Same(t, sem, again)
}
