package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work submitted to the pool.
type Task func(ctx context.Context)

// pool is a bounded worker pool driving agent-run triggers onto a fixed
// number of goroutines, trimmed from
// benedict-anokye-davies-atlas-ai/trading-backend/internal/workers/pool.go:
// same queue-plus-fixed-workers shape and graceful Stop, without that
// pool's throughput-benchmarking machinery (percentile latency tracking,
// pipelines, batch processors), which this scheduler has no use for.
type pool struct {
	logger *zap.Logger
	queue  chan queuedTask
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
}

type queuedTask struct {
	ctx  context.Context
	task Task
}

func newPool(logger *zap.Logger, numWorkers, queueSize int) *pool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &pool{
		logger: logger,
		queue:  make(chan queuedTask, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *pool) start(numWorkers int) {
	if p.running.Swap(true) {
		return
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case qt, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(qt)
		}
	}
}

func (p *pool) runTask(qt queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("scheduler task panicked", zap.Any("panic", r))
		}
		p.completed.Add(1)
	}()
	qt.task(qt.ctx)
}

// submit enqueues a task, dropping it (never blocking the caller) if the
// queue is full, and reports whether the task was accepted. A missed tick
// of a busy agent is dropped earlier, by the scheduler's per-agent busy
// flag (spec.md §4.G "a missed tick is dropped, not queued").
func (p *pool) submit(ctx context.Context, task Task) bool {
	if !p.running.Load() {
		return false
	}
	select {
	case p.queue <- queuedTask{ctx: ctx, task: task}:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// stop cancels the pool's context, which workers check between tasks, and
// waits up to grace for them to exit; tasks still queued once the workers
// have exited are never run (spec.md §4.G "shutdown cancels all triggers,
// waits up to a bounded grace period, then forcibly drops pending work").
// A task already running is not interrupted: it runs with the context
// passed to submit.
func (p *pool) stop(grace time.Duration) {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("scheduler pool shutdown grace period exceeded")
	}
}
