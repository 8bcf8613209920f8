// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/audiosum/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler observes task errors and recovered panics.
type ErrorHandler func(err error)

// Pool runs tasks on a fixed number of workers. Submit blocks while the queue is full.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	workers sync.WaitGroup
	once    sync.Once
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option customises a Pool.
type Option func(*Pool)

// WithErrorHandler receives the error of every failed task.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = h
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn, waiting for queue space until ctx ends or the pool closes.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, true)
}

// TrySubmit schedules fn only if a queue slot is free.
func (p *Pool) TrySubmit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, false)
}

func (p *Pool) submit(ctx context.Context, fn Task, wait bool) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	j := job{ctx: ctx, fn: fn}
	if !wait {
		select {
		case p.jobs <- j:
			return nil
		default:
			p.wg.Done()
			return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
		}
	}
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- j:
		return nil
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.report(errs.New("lib/async", errs.CodeInvariantViolation, errs.WithMessage(fmt.Sprintf("task panic: %v", r))))
		}
	}()
	ctx := j.ctx
	if err := ctx.Err(); err != nil {
		p.report(err)
		return
	}
	if err := j.fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
