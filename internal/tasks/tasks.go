// Package tasks owns the background work started inside a specialized
// process.
//
// Every background task runs under a context owned by the Registry, so it
// can be cancelled and waited for instead of leaking as a detached thread.
// A panicking task is recovered and logged: nothing started here may bring
// down the host process.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is a handle on one background task.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the name the task was started with.
func (t *Task) Name() string { return t.name }

// Cancel asks the task to stop. It does not wait.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Registry tracks the background tasks of one process.
type Registry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[*Task]struct{}
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[*Task]struct{}),
		logger:  logger.With(slog.String("component", "tasks")),
	}
}

// Go starts fn in a new goroutine and returns immediately.
func (r *Registry) Go(name string, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(r.ctx)
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.running[t] = struct{}{}
	r.mu.Unlock()
	r.wg.Add(1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("task panicked",
					slog.String("task", name),
					slog.String("panic", fmt.Sprint(rec)),
				)
			}
			cancel()
			r.mu.Lock()
			delete(r.running, t)
			r.mu.Unlock()
			close(t.done)
			r.wg.Done()
		}()
		fn(ctx)
	}()

	r.logger.Debug("task started", slog.String("task", name))
	return t
}

// Running returns the number of tasks that have not returned yet.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Wait blocks until every started task has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Shutdown cancels all tasks and waits for them, or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d tasks still running: %w", r.Running(), ctx.Err())
	}
}
