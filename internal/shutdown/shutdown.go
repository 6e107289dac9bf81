// Package shutdown stops the companion's components in reverse order of
// registration, so the listener stops accepting before the ledger it writes
// to is closed.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by components that stop gracefully. It should
// return ctx.Err() if it cannot finish before the deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a function to Shutdowner.
type Func func(ctx context.Context) error

// Shutdown calls f(ctx).
func (f Func) Shutdown(ctx context.Context) error { return f(ctx) }

// Closer adapts a Close method, ignoring the context.
func Closer(close func() error) Shutdowner {
	return Func(func(context.Context) error { return close() })
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator runs registered shutdowns last-in, first-out.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds a component. Later registrations stop first.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.components = append(c.components, component{name: name, shutdowner: s})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops every component, continuing past failures. The deadline
// of ctx covers the whole sequence. The first error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown", slog.Int("components", len(c.components)))

	var firstErr error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]

		if ctx.Err() != nil {
			c.logger.Error("shutdown deadline exceeded", slog.String("remaining_component", comp.name))
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at component %s: %w", comp.name, ctx.Err())
			}
			return firstErr
		}

		start := time.Now()
		err := comp.shutdowner.Shutdown(ctx)
		duration := time.Since(start)

		if err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to shutdown %s: %w", comp.name, err)
			}
			continue
		}
		c.logger.Info("component stopped",
			slog.String("handler", comp.name),
			slog.Duration("duration", duration),
		)
	}

	if firstErr != nil {
		c.logger.Warn("coordinated shutdown completed with errors")
	} else {
		c.logger.Info("coordinated shutdown complete")
	}
	return firstErr
}

// ComponentCount returns the number of registered components.
func (c *Coordinator) ComponentCount() int {
	return len(c.components)
}
