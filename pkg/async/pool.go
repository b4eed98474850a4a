// Package async runs request handlers on a bounded pool of goroutines.
package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool shut down")

// Task is one unit of work. The context is cancelled when the task timeout
// elapses or the pool shuts down.
type Task func(ctx context.Context) error

// WorkerPool runs submitted tasks on a fixed number of workers. Task errors
// and panics are logged and never stop a worker.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *zap.SugaredLogger

	workCh chan Task
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewWorkerPool starts workers goroutines. A zero timeout means tasks only
// stop when the pool does.
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger,
		workCh:   make(chan Task, workers*4),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				p.worker(id)
			}(i)
		}
		wg.Wait()
		close(p.doneCh)
	}()
	return p
}

// Submit queues fn, blocking while the queue is full.
func (p *WorkerPool) Submit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to
// drain. Running tasks are cancelled when the timeout elapses.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			err = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})
	return err
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn Task) {
	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("task panicked",
				"pool", p.taskName,
				"worker", id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := fn(ctx); err != nil {
		p.logger.Debugw("task failed", "pool", p.taskName, "worker", id, "error", err)
	}
}
