package submitq

import (
	"sync"
	"time"
)

// Fence tracks completion of a queued job. The zero value is not usable;
// create fences with NewFence. A new fence starts signaled.
type Fence struct {
	mu sync.Mutex
	ch chan struct{} // closed while signaled
}

// NewFence returns a signaled fence.
func NewFence() *Fence {
	ch := make(chan struct{})
	close(ch)
	return &Fence{ch: ch}
}

// Reset moves the fence back to the unsignaled state.
func (f *Fence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.ch:
		f.ch = make(chan struct{})
	default:
	}
}

// Signal wakes every waiter. Signaling twice is harmless.
func (f *Fence) Signal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.ch:
	default:
		close(f.ch)
	}
}

// Signaled reports whether the fence is signaled without blocking.
func (f *Fence) Signaled() bool {
	select {
	case <-f.wait():
		return true
	default:
		return false
	}
}

// Wait blocks until the fence is signaled.
func (f *Fence) Wait() {
	<-f.wait()
}

// WaitTimeout blocks until the fence is signaled or the timeout expires.
// A negative timeout waits forever.
func (f *Fence) WaitTimeout(timeout time.Duration) bool {
	if timeout < 0 {
		f.Wait()
		return true
	}
	if timeout == 0 {
		return f.Signaled()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.wait():
		return true
	case <-timer.C:
		return false
	}
}

func (f *Fence) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}
