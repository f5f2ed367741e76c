// Package workerpool runs blocking node operations (process startup,
// completion proxying) on a bounded set of goroutines so one slow
// generation cannot starve new session starts.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = errors.New("worker pool is stopped")
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is a unit of work bound to the context of the request that queued it
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
	done    chan error
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name      string
	taskQueue chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}

	active    int32
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:      cfg.Name,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.execute(task)
		}
	}
}

func (p *WorkerPool) execute(task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	var err error
	if task.Context.Err() != nil {
		// The caller gave up while the task was queued.
		err = task.Context.Err()
	} else {
		start := time.Now()
		err = p.safeExecute(task)
		p.logger.Debug("Task finished",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
	} else {
		atomic.AddUint64(&p.completed, 1)
	}
	if task.done != nil {
		task.done <- err
	}
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(task.Context)
}

// Submit queues a task without waiting for it; it fails fast when the queue is full
func (p *WorkerPool) Submit(task Task) error {
	if task.Context == nil {
		task.Context = context.Background()
	}
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	default:
	}
	select {
	case p.taskQueue <- task:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return ErrQueueFull
	}
}

// Do queues fn and blocks until it has run. A task whose ctx ends while it
// is still queued is dropped without running.
func (p *WorkerPool) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	task := Task{ID: id, Fn: fn, Context: ctx, done: make(chan error, 1)}

	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.taskQueue <- task:
	}

	select {
	case err := <-task.done:
		return err
	case <-p.stopChan:
		return ErrStopped
	}
}

// Stop gracefully stops the worker pool, waiting up to timeout for running tasks
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats is a snapshot of pool counters
type Stats struct {
	Name      string
	Active    int
	Queued    int
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.taskQueue),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
