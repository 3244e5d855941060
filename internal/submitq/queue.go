// Package submitq provides the single-consumer FIFO used for background
// submission. Jobs run one at a time in the order they were added, so batch
// ids assigned inside a job are handed to the device in increasing order.
package submitq

import (
	"sync"
	"sync/atomic"
)

// job is one queued unit of work. cleanup runs after execute on the same
// goroutine, then the fence is signaled.
type job struct {
	fence   *Fence
	execute func()
	cleanup func()
}

// Queue runs jobs on a single worker goroutine.
//
// Thread safety: Queue is safe for concurrent use.
type Queue struct {
	// jobs is the FIFO feeding the worker.
	jobs chan job

	// done signals the worker to drain and stop.
	done chan struct{}

	// wg waits for the worker to finish.
	wg sync.WaitGroup

	// mu orders Add against Close so no job is sent after the worker drained.
	mu sync.RWMutex

	// running indicates whether the queue is accepting work.
	running atomic.Bool
}

// New creates a queue with the given buffer size and starts its worker.
// A size below 1 is raised to 1.
func New(size int) *Queue {
	if size < 1 {
		size = 1
	}
	q := &Queue{
		jobs: make(chan job, size),
		done: make(chan struct{}),
	}
	q.running.Store(true)

	q.wg.Add(1)
	go q.worker()

	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			q.drain()
			return
		case j := <-q.jobs:
			j.run()
		}
	}
}

// drain executes everything still buffered.
func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			j.run()
		default:
			return
		}
	}
}

func (j job) run() {
	if j.execute != nil {
		j.execute()
	}
	if j.cleanup != nil {
		j.cleanup()
	}
	if j.fence != nil {
		j.fence.Signal()
	}
}

// Add resets fence and queues execute followed by cleanup. Either function
// may be nil. If the queue is closed the job runs on the calling goroutine
// and Add reports false.
func (q *Queue) Add(fence *Fence, execute, cleanup func()) bool {
	if fence != nil {
		fence.Reset()
	}
	j := job{fence: fence, execute: execute, cleanup: cleanup}

	q.mu.RLock()
	if !q.running.Load() {
		q.mu.RUnlock()
		j.run()
		return false
	}
	q.jobs <- j
	q.mu.RUnlock()
	return true
}

// Finish blocks until every job added before the call has completed.
func (q *Queue) Finish() {
	f := NewFence()
	q.Add(f, nil, nil)
	f.Wait()
}

// Close drains queued jobs and stops the worker.
// Close is safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.running.CompareAndSwap(true, false) {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
}

// IsRunning returns true if the queue is still accepting work.
func (q *Queue) IsRunning() bool {
	return q.running.Load()
}

// Pending returns the number of buffered jobs. The value is approximate.
func (q *Queue) Pending() int {
	return len(q.jobs)
}
