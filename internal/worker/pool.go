// Package worker runs background jobs off the request-serving goroutines.
package worker

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go-defect-inspector/internal/logger"
)

var (
	// ErrQueueFull is returned when the pool cannot accept another job
	ErrQueueFull = errors.New("worker queue full")
	// ErrPoolClosed is returned when submitting to a closed pool
	ErrPoolClosed = errors.New("worker pool closed")
)

// Stats is a snapshot of the pool counters
type Stats struct {
	Workers   int   `json:"workers"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Active    int64 `json:"active"`
}

// WorkerPool manages background jobs
type WorkerPool struct {
	name     string
	workers  int
	jobQueue chan func()
	wg       sync.WaitGroup
	once     sync.Once

	mu     sync.RWMutex
	closed bool

	submitted int64
	completed int64
	panicked  int64
	active    int64
}

// NewWorkerPool creates a pool with the specified number of workers and
// queueSize jobs waiting beyond the running ones
func NewWorkerPool(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize < 0 {
		queueSize = 0
	}

	return &WorkerPool{
		name:     name,
		workers:  workers,
		jobQueue: make(chan func(), queueSize),
	}
}

// Start initializes and starts all workers in the pool
func (wp *WorkerPool) Start() {
	wp.once.Do(func() {
		for i := 0; i < wp.workers; i++ {
			wp.wg.Add(1)
			go wp.worker()
		}
	})
}

// worker processes jobs from the job queue
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobQueue {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job func()) {
	atomic.AddInt64(&wp.active, 1)
	defer func() {
		atomic.AddInt64(&wp.active, -1)
		atomic.AddInt64(&wp.completed, 1)
		if r := recover(); r != nil {
			atomic.AddInt64(&wp.panicked, 1)
			logger.WithField("pool", wp.name).
				WithField("panic", r).
				Error("Worker job panicked")
		}
	}()
	job()
}

// Submit queues a job without blocking
func (wp *WorkerPool) Submit(job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.jobQueue <- job:
		atomic.AddInt64(&wp.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats returns current counters
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   wp.workers,
		Submitted: atomic.LoadInt64(&wp.submitted),
		Completed: atomic.LoadInt64(&wp.completed),
		Panicked:  atomic.LoadInt64(&wp.panicked),
		Active:    atomic.LoadInt64(&wp.active),
	}
}

// Close stops accepting jobs and waits for queued and running jobs to finish
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
}
