// Package fanout implements the broadcast engine: it consumes update
// events from the input source one at a time, encodes each exactly
// once, and pushes the encoded frame onto every registered subscriber's
// outgoing queue.
//
// Backpressure policy: the enqueue never blocks. A subscriber whose
// queue is at capacity is deemed not keeping up and is evicted (session
// closed, token unregistered) so that one slow client can neither stall
// delivery to the others nor grow an unbounded backlog.
package fanout

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tailcast/tailcast/pkg/tailcast/o11y"
	"github.com/tailcast/tailcast/pkg/tailcast/registry"
	"github.com/tailcast/tailcast/pkg/tailcast/source"
)

// Encoder converts one update event into the bytes broadcast to every
// subscriber. Implementations must be safe for use from the engine
// goroutine only.
type Encoder interface {
	Encode(source.Entry) ([]byte, error)
}

// EngineConfig holds the configuration for building an Engine. Use
// NewEngineConfig() and chain the With methods before calling Build().
type EngineConfig struct {
	events   <-chan source.Entry
	encoder  Encoder
	registry *registry.Registry
	logger   *zap.Logger
	onDrain  func()
	metrics  o11y.MetricsProvider
	tracing  o11y.TracingProvider
}

// NewEngineConfig creates a new EngineConfig for building an Engine.
func NewEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// WithEvents sets the input event channel. The engine treats channel
// close as end of input.
func (c *EngineConfig) WithEvents(events <-chan source.Entry) *EngineConfig {
	c.events = events
	return c
}

// WithEncoder sets the wire encoder.
func (c *EngineConfig) WithEncoder(encoder Encoder) *EngineConfig {
	c.encoder = encoder
	return c
}

// WithRegistry sets the subscriber registry to broadcast into.
func (c *EngineConfig) WithRegistry(reg *registry.Registry) *EngineConfig {
	c.registry = reg
	return c
}

// WithLogger sets the logger.
func (c *EngineConfig) WithLogger(logger *zap.Logger) *EngineConfig {
	c.logger = logger
	return c
}

// WithOnDrain sets the callback invoked (once) when the input ends and
// no more events can ever arrive. The shutdown coordinator hooks in
// here so end of input is treated like a requested shutdown.
func (c *EngineConfig) WithOnDrain(fn func()) *EngineConfig {
	c.onDrain = fn
	return c
}

// WithMetrics enables broadcast metrics on the given provider.
func (c *EngineConfig) WithMetrics(provider o11y.MetricsProvider) *EngineConfig {
	c.metrics = provider
	return c
}

// WithTracing enables a per-broadcast span on the given provider.
func (c *EngineConfig) WithTracing(provider o11y.TracingProvider) *EngineConfig {
	c.tracing = provider
	return c
}

// IsValid checks that all required parameters are set.
func (c *EngineConfig) IsValid() error {
	var missing []string
	if c.events == nil {
		missing = append(missing, "Events")
	}
	if c.encoder == nil {
		missing = append(missing, "Encoder")
	}
	if c.registry == nil {
		missing = append(missing, "Registry")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid engine configuration, missing: %v", missing)
	}
	return nil
}

// Build creates an Engine from the configuration.
func (c *EngineConfig) Build() (*Engine, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	e := &Engine{
		events:   c.events,
		encoder:  c.encoder,
		registry: c.registry,
		logger:   c.logger,
		onDrain:  c.onDrain,
		tracing:  c.tracing,
	}

	if c.metrics != nil {
		e.eventCounter = c.metrics.Counter("broadcast_events_total")
		e.evictionCounter = c.metrics.Counter("broadcast_evictions_total")
		e.broadcastHistogram = c.metrics.Histogram("broadcast_duration_seconds")
	}

	return e, nil
}

// Engine is the fan-out engine. Run it in its own goroutine; it owns
// the read side of the event channel and the write side of every
// subscriber queue.
type Engine struct {
	events   <-chan source.Entry
	encoder  Encoder
	registry *registry.Registry
	logger   *zap.Logger

	onDrain   func()
	drainOnce sync.Once

	tracing o11y.TracingProvider

	// Metrics (nil if not configured)
	eventCounter       o11y.Counter
	evictionCounter    o11y.Counter
	broadcastHistogram o11y.Histogram
}

// Run broadcasts events until the input ends or ctx is cancelled.
// Channel close is end of input: the drain callback fires and Run
// returns nil. An encoder failure is a contract violation and is
// returned after triggering the drain.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Broadcast engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Broadcast engine stopping")
			return ctx.Err()

		case entry, ok := <-e.events:
			if !ok {
				e.logger.Info("Input ended, no further events can arrive")
				e.signalDrain()
				return nil
			}

			if err := e.broadcast(ctx, entry); err != nil {
				e.signalDrain()
				return err
			}
		}
	}
}

// broadcast encodes one event and delivers it to every entry in a
// registry snapshot. Subscribers registered after the snapshot do not
// receive this event; subscribers whose queue is full are evicted.
func (e *Engine) broadcast(ctx context.Context, entry source.Entry) error {
	start := time.Now()

	var span o11y.Span
	if e.tracing != nil {
		ctx, span = e.tracing.StartSpan(ctx, "fanout.broadcast")
		defer span.End()
	}

	frame, err := e.encoder.Encode(entry)
	if err != nil {
		e.logger.Error("Event encoding failed, stopping broadcast", zap.Error(err))
		if span != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		}
		return err
	}

	subscribers := e.registry.Snapshot()
	evicted := 0
	for _, sub := range subscribers {
		if sub.TryEnqueue(frame) {
			continue
		}

		e.logger.Warn("Evicting subscriber that is not keeping up",
			zap.String("token", string(sub.Token())),
		)
		sub.RequestClose()
		e.registry.Unregister(sub.Token())
		evicted++
		if e.evictionCounter != nil {
			e.evictionCounter.Add(ctx, 1)
		}
	}

	if span != nil {
		span.SetAttributes(
			o11y.Label{Key: "subscribers", Value: strconv.Itoa(len(subscribers))},
			o11y.Label{Key: "evicted", Value: strconv.Itoa(evicted)},
		)
	}

	if e.eventCounter != nil {
		e.eventCounter.Add(ctx, 1)
	}
	if e.broadcastHistogram != nil {
		e.broadcastHistogram.Record(ctx, time.Since(start).Seconds())
	}

	return nil
}

func (e *Engine) signalDrain() {
	e.drainOnce.Do(func() {
		if e.onDrain != nil {
			e.onDrain()
		}
	})
}
