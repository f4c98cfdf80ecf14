package utils

import (
	"context"

	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/targetfusion/logging"
)

// WorkerPool is a fixed number of goroutines draining a bounded task queue. Submitting never
// blocks: when the queue is full the task is dropped and counted.
type WorkerPool struct {
	tasks   chan func(context.Context)
	workers *goutils.StoppableWorkers
	logger  logging.Logger

	submitted *atomic.Int64
	dropped   *atomic.Int64
	panicked  *atomic.Int64
}

// NewWorkerPool starts `numWorkers` goroutines servicing a queue of `queueSize` pending tasks.
// Tasks that panic are logged to `logger`.
func NewWorkerPool(numWorkers, queueSize int, logger logging.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	wp := &WorkerPool{
		tasks:     make(chan func(context.Context), queueSize),
		logger:    logger,
		submitted: atomic.NewInt64(0),
		dropped:   atomic.NewInt64(0),
		panicked:  atomic.NewInt64(0),
	}
	loops := make([]func(context.Context), numWorkers)
	for i := range loops {
		loops[i] = wp.workLoop
	}
	wp.workers = goutils.NewBackgroundStoppableWorkers(loops...)
	return wp
}

func (wp *WorkerPool) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-wp.tasks:
			wp.runTask(ctx, task)
		}
	}
}

// runTask keeps a panicking task from taking its worker down with it.
func (wp *WorkerPool) runTask(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			wp.panicked.Inc()
			wp.logger.CErrorw(ctx, "worker task panicked", "panic", r)
		}
	}()
	task(ctx)
}

// TrySubmit queues the task for execution. It returns false without blocking if the pool is
// stopped or the queue is full.
func (wp *WorkerPool) TrySubmit(task func(context.Context)) bool {
	if wp.workers.Context().Err() != nil {
		wp.dropped.Inc()
		return false
	}
	select {
	case wp.tasks <- task:
		wp.submitted.Inc()
		return true
	default:
		wp.dropped.Inc()
		return false
	}
}

// WorkerPoolStats is a point-in-time view of the pool counters.
type WorkerPoolStats struct {
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
	Panicked  int64 `json:"panicked"`
	Pending   int   `json:"pending"`
}

// Stats returns the pool counters.
func (wp *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Submitted: wp.submitted.Load(),
		Dropped:   wp.dropped.Load(),
		Panicked:  wp.panicked.Load(),
		Pending:   len(wp.tasks),
	}
}

// Stop cancels the workers and waits for in-flight tasks to return. Tasks still queued are
// discarded.
func (wp *WorkerPool) Stop() {
	wp.workers.Stop()
}
