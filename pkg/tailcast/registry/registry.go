// Package registry tracks the set of active client sessions. Each
// session is identified by a process-unique token and exposes a bounded
// outgoing queue plus close handles; the broadcast engine iterates a
// point-in-time snapshot of the registry to deliver each event.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tailcast/tailcast/pkg/tailcast/o11y"
)

// Token identifies one registered session. Tokens are minted at
// registration and retired at unregistration.
type Token string

// Entry is a registered session's handle as seen by the rest of the
// gateway: a bounded outgoing queue written only by the broadcast
// engine and drained only by the owning session, plus callbacks to
// request or force session termination.
type Entry struct {
	token Token
	queue chan []byte

	requestClose func()
	forceClose   func()

	requestOnce sync.Once
	forceOnce   sync.Once
}

// NewEntry creates an entry with an outgoing queue of the given
// capacity. requestClose asks the owning session to drain and close
// gracefully; forceClose severs the socket immediately. Either may be
// nil.
func NewEntry(capacity int, requestClose, forceClose func()) *Entry {
	if capacity <= 0 {
		capacity = 1
	}
	return &Entry{
		queue:        make(chan []byte, capacity),
		requestClose: requestClose,
		forceClose:   forceClose,
	}
}

// Token returns the token assigned at registration. Empty until the
// entry has been registered.
func (e *Entry) Token() Token {
	return e.token
}

// TryEnqueue attempts to queue one frame without blocking. It returns
// false when the queue is at capacity, which callers treat as the
// subscriber not keeping up.
func (e *Entry) TryEnqueue(frame []byte) bool {
	select {
	case e.queue <- frame:
		return true
	default:
		return false
	}
}

// Queue returns the receive side of the outgoing queue for the owning
// session to drain.
func (e *Entry) Queue() <-chan []byte {
	return e.queue
}

// RequestClose asks the owning session to transition to draining.
// Safe to call multiple times and from multiple goroutines.
func (e *Entry) RequestClose() {
	e.requestOnce.Do(func() {
		if e.requestClose != nil {
			e.requestClose()
		}
	})
}

// ForceClose severs the session's socket immediately. Used only after
// the shutdown drain deadline has passed.
func (e *Entry) ForceClose() {
	e.forceOnce.Do(func() {
		if e.forceClose != nil {
			e.forceClose()
		}
	})
}

// Registry is the concurrently-mutable collection of active sessions.
// Reads for broadcast take the lock shared; register/unregister take it
// exclusively and are O(1).
type Registry struct {
	mu      sync.RWMutex
	entries map[Token]*Entry
	logger  *zap.Logger

	subscriberGauge o11y.Gauge
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics enables the active-subscriber gauge on the given provider.
func WithMetrics(provider o11y.MetricsProvider) Option {
	return func(r *Registry) {
		if provider != nil {
			r.subscriberGauge = provider.Gauge("gateway_active_subscribers")
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[Token]*Entry),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts the entry under a freshly minted unique token and
// returns the token. A token collision (astronomically rare) is
// detected and re-rolled.
func (r *Registry) Register(entry *Entry) Token {
	r.mu.Lock()

	token := Token(uuid.NewString())
	for {
		if _, exists := r.entries[token]; !exists {
			break
		}
		token = Token(uuid.NewString())
	}

	entry.token = token
	r.entries[token] = entry
	count := len(r.entries)
	r.mu.Unlock()

	r.logger.Debug("Subscriber registered",
		zap.String("token", string(token)),
		zap.Int("active_subscribers", count),
	)
	r.setGauge(count)

	return token
}

// Unregister removes the entry for token if present. Removing an
// absent token is a no-op: a session may race its own natural
// termination against an eviction or shutdown-initiated removal.
func (r *Registry) Unregister(token Token) {
	r.mu.Lock()
	_, present := r.entries[token]
	if present {
		delete(r.entries, token)
	}
	count := len(r.entries)
	r.mu.Unlock()

	if !present {
		return
	}

	r.logger.Debug("Subscriber unregistered",
		zap.String("token", string(token)),
		zap.Int("active_subscribers", count),
	)
	r.setGauge(count)
}

// Snapshot returns the entries registered at this instant. Entries
// registered afterwards are not included; entries removed afterwards
// simply fail their individual sends.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return entries
}

// Len returns the number of currently registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Each calls fn for every entry in a snapshot taken at call time.
func (r *Registry) Each(fn func(*Entry)) {
	for _, entry := range r.Snapshot() {
		fn(entry)
	}
}

func (r *Registry) setGauge(count int) {
	if r.subscriberGauge != nil {
		r.subscriberGauge.Set(context.Background(), float64(count))
	}
}
