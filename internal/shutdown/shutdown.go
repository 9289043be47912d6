// Package shutdown releases process resources in reverse order of
// acquisition under a single deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when components were still stopping at the deadline.
var ErrTimeout = errors.New("shutdown timed out")

// Component is something that must be stopped before the process exits.
type Component interface {
	Name() string
	Shutdown(ctx context.Context) error
}

type funcComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func (c funcComponent) Name() string                       { return c.name }
func (c funcComponent) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// Func wraps a shutdown function as a Component.
func Func(name string, fn func(ctx context.Context) error) Component {
	return funcComponent{name: name, fn: fn}
}

// Closer wraps an io.Closer as a Component.
func Closer(name string, c io.Closer) Component {
	return Func(name, func(context.Context) error { return c.Close() })
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// Coordinator stops registered components last-in first-out.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	components []Component

	once sync.Once
	err  error
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Components are stopped in reverse order of
// registration, so dependencies should be registered first.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
}

// Shutdown stops every component one after another. Components still
// pending when the deadline passes are skipped and ErrTimeout is returned
// alongside any component errors. Only the first call has an effect.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.shutdown(ctx)
	})
	return c.err
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	components := append([]Component(nil), c.components...)
	c.mu.Unlock()

	c.logger.Info("initiating graceful shutdown", "timeout", c.timeout, "components", len(components))

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if ctx.Err() != nil {
			c.logger.Warn("shutdown timeout exceeded, skipping component", "name", comp.Name())
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), ErrTimeout))
			continue
		}

		done := make(chan error, 1)
		go func() { done <- comp.Shutdown(ctx) }()

		select {
		case err := <-done:
			if err != nil {
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), err))
				continue
			}
			c.logger.Debug("component stopped", "name", comp.Name())
		case <-ctx.Done():
			c.logger.Warn("shutdown timeout exceeded", "name", comp.Name())
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), ErrTimeout))
		}
	}

	if len(errs) == 0 {
		c.logger.Info("all components shut down")
	}
	return errors.Join(errs...)
}
