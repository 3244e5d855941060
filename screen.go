package gbatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gbatch/internal/retry"
	"github.com/gogpu/gbatch/internal/submitq"
)

// Screen is the per-device half of the core. It owns the batch-id counter,
// the completion cache, the queue lock, pooled semaphores and batch states
// given back by destroyed contexts. All methods are safe for concurrent use.
type Screen struct {
	dev         Device
	caps        Caps
	cfg         Config
	retry       retry.Policy
	descriptors Descriptors
	abort       func()

	// clampSize is the referenced-bytes ceiling of one batch.
	clampSize uint64

	currBatch    atomic.Uint64
	lastFinished atomic.Uint32
	deviceLost   atomic.Bool
	robustCount  atomic.Int32
	closed       atomic.Bool

	// queueMu serializes Device.Submit and Device.WaitIdle.
	queueMu sync.Mutex

	freeMu    sync.Mutex
	freeStart *BatchState

	semMu        sync.Mutex
	semaphores   []Semaphore
	fdSemaphores []Semaphore

	submitQ *submitq.Queue

	statesCreated atomic.Int64
	submits       atomic.Uint64
}

// ScreenStats is a snapshot of Screen counters.
type ScreenStats struct {
	LastBatchID      uint64
	LastFinished     uint32
	StatesCreated    int64
	Submits          uint64
	FreeStates       int
	PooledSemaphores int
	DeviceLost       bool
}

// OpenScreen wraps dev. Close releases everything the Screen pooled; every
// Context must be destroyed first.
func OpenScreen(dev Device, opts ...ScreenOption) (*Screen, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	o := defaultScreenOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Screen{
		dev:         dev,
		caps:        dev.Caps(),
		cfg:         o.cfg,
		descriptors: o.descriptors,
		abort:       o.abort,
	}
	s.retry = retry.Policy{
		Schedule:  o.cfg.retrySchedule(),
		Transient: isTransient,
		Sleep:     o.retrySleep,
		OnRetry: func(attempt int, err error) {
			Logger().Warn("gbatch: retrying device call", "attempt", attempt, "err", err)
		},
	}

	mem := o.cfg.VideoMemory
	if mem == 0 {
		mem = s.caps.VideoMemory
	}
	s.clampSize = uint64(float64(mem) * o.cfg.VideoMemoryClamp)

	if o.cfg.ThreadedSubmit {
		s.submitQ = submitq.New(o.cfg.SubmitQueueSize)
	}

	Logger().Info("gbatch: screen opened",
		"threaded", o.cfg.ThreadedSubmit,
		"dynamic_rendering", s.caps.DynamicRendering,
		"clamp_bytes", s.clampSize)
	return s, nil
}

// Device returns the wrapped device.
func (s *Screen) Device() Device { return s.dev }

// Config returns the active configuration.
func (s *Screen) Config() Config { return s.cfg }

// Caps returns the device capabilities.
func (s *Screen) Caps() Caps { return s.caps }

// renderingMode resolves RenderingAuto against the device.
func (s *Screen) renderingMode(m RenderingMode) RenderingMode {
	if m == "" {
		m = s.cfg.Rendering
	}
	if m == RenderingAuto {
		if s.caps.DynamicRendering {
			return RenderingDynamic
		}
		return RenderingExplicit
	}
	if m == RenderingDynamic && !s.caps.DynamicRendering {
		Logger().Warn("gbatch: dynamic rendering unsupported, using explicit passes")
		return RenderingExplicit
	}
	return m
}

// getSemaphore takes a semaphore from the pool or creates one.
func (s *Screen) getSemaphore() (Semaphore, error) {
	s.semMu.Lock()
	if n := len(s.semaphores); n > 0 {
		sem := s.semaphores[n-1]
		s.semaphores[n-1] = nil
		s.semaphores = s.semaphores[:n-1]
		s.semMu.Unlock()
		return sem, nil
	}
	s.semMu.Unlock()
	return s.createSemaphore()
}

// getExportSemaphore takes a semaphore from the pool of semaphores that were
// signaled for other processes.
func (s *Screen) getExportSemaphore() (Semaphore, error) {
	s.semMu.Lock()
	if n := len(s.fdSemaphores); n > 0 {
		sem := s.fdSemaphores[n-1]
		s.fdSemaphores[n-1] = nil
		s.fdSemaphores = s.fdSemaphores[:n-1]
		s.semMu.Unlock()
		return sem, nil
	}
	s.semMu.Unlock()
	return s.createSemaphore()
}

func (s *Screen) createSemaphore() (Semaphore, error) {
	var sem Semaphore
	err := s.retry.Do(func() error {
		var err error
		sem, err = s.dev.CreateSemaphore()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create semaphore: %w", err)
	}
	return sem, nil
}

// takeFreeState pops a state given back by a destroyed context.
func (s *Screen) takeFreeState() *BatchState {
	s.freeMu.Lock()
	defer s.freeMu.Unlock()
	bs := s.freeStart
	if bs != nil {
		s.freeStart = bs.next
		bs.next = nil
	}
	return bs
}

// giveFreeStates appends a chain of reset states to the screen free list.
func (s *Screen) giveFreeStates(head *BatchState) {
	if head == nil {
		return
	}
	tail := head
	for tail.next != nil {
		tail = tail.next
	}
	s.freeMu.Lock()
	tail.next = s.freeStart
	s.freeStart = head
	s.freeMu.Unlock()
}

// Stats returns a snapshot of the Screen counters.
func (s *Screen) Stats() ScreenStats {
	st := ScreenStats{
		LastBatchID:   s.currBatch.Load(),
		LastFinished:  s.lastFinished.Load(),
		StatesCreated: s.statesCreated.Load(),
		Submits:       s.submits.Load(),
		DeviceLost:    s.deviceLost.Load(),
	}
	s.freeMu.Lock()
	for bs := s.freeStart; bs != nil; bs = bs.next {
		st.FreeStates++
	}
	s.freeMu.Unlock()
	s.semMu.Lock()
	st.PooledSemaphores = len(s.semaphores) + len(s.fdSemaphores)
	s.semMu.Unlock()
	return st
}

// Close stops the submit worker and destroys pooled states and semaphores.
// Close is safe to call multiple times.
func (s *Screen) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.submitQ != nil {
		s.submitQ.Finish()
		s.submitQ.Close()
	}

	s.freeMu.Lock()
	head := s.freeStart
	s.freeStart = nil
	s.freeMu.Unlock()
	for bs := head; bs != nil; {
		next := bs.next
		bs.destroy()
		bs = next
	}

	s.semMu.Lock()
	sems := append(s.semaphores, s.fdSemaphores...)
	s.semaphores, s.fdSemaphores = nil, nil
	s.semMu.Unlock()
	for _, sem := range sems {
		sem.Destroy()
	}

	Logger().Info("gbatch: screen closed", "submits", s.submits.Load())
	return nil
}
