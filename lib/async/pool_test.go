package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/audiosum/errs"
)

func TestPoolRunsAllTasks(t *testing.T) {
	var failures atomic.Int32
	pool, err := NewPool(3, 1, WithErrorHandler(func(error) { failures.Add(1) }))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		i := i
		if err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			if i%5 == 0 {
				return errors.New("boom")
			}
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 20 || failures.Load() != 4 {
		t.Fatalf("expected 20 runs and 4 failures, got %d and %d", ran.Load(), failures.Load())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool, err := NewPool(2, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	for i := 0; i < 10; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", peak)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	var reported error
	pool, _ := NewPool(1, 1, WithErrorHandler(func(err error) { reported = err }))
	_ = pool.Submit(context.Background(), func(context.Context) error { panic("bad segment") })
	_ = pool.Shutdown(context.Background())
	if !errs.IsCode(reported, errs.CodeInvariantViolation) {
		t.Fatalf("expected panic to be reported, got %v", reported)
	}
}

func TestTrySubmitAtCapacity(t *testing.T) {
	pool, _ := NewPool(1, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if err := pool.TrySubmit(context.Background(), func(context.Context) error { return nil }); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	close(release)
	_ = pool.Shutdown(context.Background())
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestSubmitHonoursContext(t *testing.T) {
	pool, _ := NewPool(1, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(release)
	_ = pool.Shutdown(context.Background())
}

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 1); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}
