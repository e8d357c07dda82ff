// Package shutdown coordinates orderly process termination. The first
// termination signal (or a programmatic trigger, e.g. end of input)
// starts a bounded drain: registered hooks run in reverse order with a
// deadline, after which stragglers are forced. A second signal during
// the drain forces immediate completion; this choice is deterministic
// and documented here.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Coordinator waits for a termination request and drives the drain.
type Coordinator struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	hooks []func(context.Context) error

	trigger     chan struct{}
	triggerOnce sync.Once
	done        chan struct{}
}

// NewCoordinator creates a coordinator with the given drain timeout.
func NewCoordinator(timeout time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger,
		trigger: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnShutdown registers a shutdown hook. Hooks run in reverse order of
// registration: register producers before consumers so consumers drain
// last.
func (c *Coordinator) OnShutdown(hook func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Trigger requests shutdown programmatically. Used when the input
// source ends: no more events can ever arrive, which is treated exactly
// like a requested shutdown. Safe to call multiple times.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() {
		close(c.trigger)
	})
}

// Wait blocks until a termination signal arrives or Trigger is called,
// then runs the drain. It returns the first hook error, if any, after
// all hooks have run or the deadline passed.
func (c *Coordinator) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		c.logger.Info("Termination signal received, draining",
			zap.String("signal", sig.String()),
			zap.Duration("timeout", c.timeout),
		)
	case <-c.trigger:
		c.logger.Info("Shutdown triggered, draining",
			zap.Duration("timeout", c.timeout),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	// A repeated signal during the drain forces immediate completion.
	go func() {
		select {
		case sig := <-sigCh:
			c.logger.Warn("Second signal received, forcing shutdown",
				zap.String("signal", sig.String()),
			)
			cancel()
		case <-c.done:
		}
	}()

	c.mu.Lock()
	hooks := make([]func(context.Context) error, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	var firstErr error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	close(c.done)
	c.logger.Info("Shutdown complete")
	return firstErr
}

// Done returns a channel that closes when the drain has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
