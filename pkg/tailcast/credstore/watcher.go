package credstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the default window within which rapid successive
// file-change notifications coalesce into a single reload attempt.
// Multi-step writes (write temp, rename over) fire several events for
// one logical replacement; reloading on each would hit transiently
// incomplete files.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes the store's certificate and key files and drives a
// debounced reload when either changes. Reload failures are logged and
// non-fatal: connections keep being served with the previous bundle.
type Watcher struct {
	store    *Store
	debounce time.Duration
	logger   *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets the debounce window. Values <= 0 keep the default.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for the given store.
func NewWatcher(store *Store, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run watches until ctx is cancelled. The parent directories are
// watched rather than the files themselves so editor/renew-style
// replace-by-rename is observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: create watcher: %w", err)
	}
	defer watcher.Close()

	certDir := filepath.Dir(w.store.certFile)
	keyDir := filepath.Dir(w.store.keyFile)

	if err := watcher.Add(certDir); err != nil {
		return fmt.Errorf("credstore: watch cert dir %s: %w", certDir, err)
	}
	if keyDir != certDir {
		if err := watcher.Add(keyDir); err != nil {
			return fmt.Errorf("credstore: watch key dir %s: %w", keyDir, err)
		}
	}

	w.logger.Info("Credential watcher started",
		zap.String("cert_file", w.store.certFile),
		zap.String("key_file", w.store.keyFile),
		zap.Duration("debounce", w.debounce),
	)

	return w.run(ctx, watcher.Events, watcher.Errors)
}

// run is the watch loop, split from Run so tests can feed events
// directly. Change notifications arm (or re-arm) a trailing-edge timer;
// the reload happens once, when the timer fires after the window of
// quiet.
func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	certBase := filepath.Base(w.store.certFile)
	keyBase := filepath.Base(w.store.keyFile)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}

			base := filepath.Base(event.Name)
			if base != certBase && base != keyBase {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug("Credential file changed",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()),
			)

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-fire:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil

			if err := w.store.Reload(); err != nil {
				// Previous bundle stays authoritative; the acceptor keeps serving.
				w.logger.Error("Credential reload failed, keeping previous credentials",
					zap.Error(err),
					zap.String("cert_file", w.store.certFile),
					zap.String("key_file", w.store.keyFile),
				)
			}

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.logger.Error("Credential watcher error", zap.Error(err))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
