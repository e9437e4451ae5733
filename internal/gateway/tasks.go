package gateway

import (
	"context"
	"log"
	"sync"
	"time"
)

// taskRunner runs detached background work. Callers never get a result back;
// tasks are observed only through their side effects on stores.
type taskRunner struct {
	sem     chan struct{}
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add in Go against the wg.Wait in Close.
	mu     sync.Mutex
	closed bool

	dropLog *rateLimitedLogger
}

func newTaskRunner(limit int, timeout time.Duration) *taskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskRunner{
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		dropLog: newRateLimitedLogger(time.Minute),
	}
}

// Go starts fn unless the runner is saturated or closed, in which case the
// task is dropped and false is returned.
func (t *taskRunner) Go(name string, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	select {
	case t.sem <- struct{}{}:
	default:
		t.mu.Unlock()
		t.dropLog.Printf("tasks", "background queue full, dropping %s", name)
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() { <-t.sem }()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("tasks: %s panicked: %v", name, r)
			}
		}()

		ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Wait blocks until every started task has finished.
func (t *taskRunner) Wait() { t.wg.Wait() }

// Close abandons in-flight tasks and waits for them to return.
func (t *taskRunner) Close() {
	t.mu.Lock()
	t.closed = true
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}
