// Package source produces the stream of update events the gateway
// broadcasts. It reads a line-oriented input (a log file or stdin),
// optionally following the file as it grows, and emits one Entry per
// complete line.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// StdinPath selects standard input instead of a file.
const StdinPath = "-"

// DefaultPollInterval is how often a watched file is re-read when the
// file-system watch cannot be established.
const DefaultPollInterval = time.Second

// Tailer reads update events from a file or stdin and delivers them on
// a channel. In watch mode it keeps following the file: new data is
// picked up via a file-system watch (poll fallback), truncation causes
// a re-read from the start, and replacement causes a re-open.
type Tailer struct {
	path         string
	watch        bool
	pollInterval time.Duration
	logger       *zap.Logger

	// stdin can be substituted in tests
	stdin io.Reader

	out chan Entry
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithLogger sets the logger for the tailer.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tailer) {
		t.logger = logger
	}
}

// WithWatch enables or disables following the file for new data.
// Has no effect when reading from stdin.
func WithWatch(watch bool) Option {
	return func(t *Tailer) {
		t.watch = watch
	}
}

// WithPollInterval sets the fallback polling interval used when the
// file-system watch is unavailable.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// NewTailer creates a tailer for the given path. Use StdinPath ("-")
// to read from standard input.
func NewTailer(path string, opts ...Option) *Tailer {
	t := &Tailer{
		path:         path,
		watch:        true,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
		stdin:        os.Stdin,
		out:          make(chan Entry),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Events returns the channel entries are delivered on. The channel is
// closed when the input ends or Run returns.
func (t *Tailer) Events() <-chan Entry {
	return t.out
}

// Run reads the input until it ends or ctx is cancelled. The events
// channel is closed before Run returns, which downstream consumers
// treat as end of input. Failure to open the input is returned
// immediately and is fatal to startup.
func (t *Tailer) Run(ctx context.Context) error {
	defer close(t.out)

	if t.path == StdinPath {
		return t.stream(ctx, t.stdin)
	}

	if !t.watch {
		file, err := os.Open(t.path)
		if err != nil {
			return fmt.Errorf("open input %s: %w", t.path, err)
		}
		defer file.Close()
		return t.stream(ctx, file)
	}

	return t.follow(ctx)
}

// stream reads the input once, front to back, and stops at EOF.
func (t *Tailer) stream(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if !t.emit(ctx, ParseLine(line)) {
				return ctx.Err()
			}
		}
		if err != nil {
			if err == io.EOF {
				t.logger.Info("Input stream ended", zap.String("path", t.path))
				return nil
			}
			return fmt.Errorf("read input %s: %w", t.path, err)
		}
	}
}

// follow tails the file, waiting for new data at EOF.
func (t *Tailer) follow(ctx context.Context) error {
	file, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open input %s: %w", t.path, err)
	}
	defer func() { file.Close() }()

	notify := t.setupNotify()
	if notify != nil {
		defer notify.Close()
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if notify == nil {
		ticker = time.NewTicker(t.pollInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	reader := bufio.NewReader(file)
	var consumed int64 // bytes consumed from the current file

	base := filepath.Base(t.path)

	for {
		chunk, err := reader.ReadBytes('\n')

		if err == nil {
			consumed += int64(len(chunk))
			if !t.emit(ctx, ParseLine(chunk)) {
				return ctx.Err()
			}
			continue
		}
		if err != io.EOF {
			return fmt.Errorf("read input %s: %w", t.path, err)
		}

		// At EOF with a partial line: rewind so the line is re-read
		// whole once the writer finishes it.
		if len(chunk) > 0 {
			if _, serr := file.Seek(consumed, io.SeekStart); serr != nil {
				return fmt.Errorf("seek input %s: %w", t.path, serr)
			}
			reader.Reset(file)
		}

		reopen := false
		if notify != nil {
			waiting := true
			for waiting {
				select {
				case event, ok := <-notify.Events:
					if !ok {
						return nil
					}
					if filepath.Base(event.Name) != base {
						continue
					}
					if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
						reopen = true
					}
					waiting = false
				case werr, ok := <-notify.Errors:
					if !ok {
						return nil
					}
					t.logger.Warn("Input watch error", zap.Error(werr))
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		} else {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		fi, serr := os.Stat(t.path)
		switch {
		case reopen || serr != nil:
			// File replaced or briefly missing mid-rotation: re-open from the top.
			next, oerr := os.Open(t.path)
			if oerr != nil {
				t.logger.Debug("Input not yet re-readable", zap.Error(oerr))
				continue
			}
			file.Close()
			file = next
			reader.Reset(file)
			consumed = 0
			t.logger.Info("Input file re-opened", zap.String("path", t.path))
		case fi.Size() < consumed:
			// Truncated: start over.
			if _, serr := file.Seek(0, io.SeekStart); serr != nil {
				return fmt.Errorf("seek input %s: %w", t.path, serr)
			}
			reader.Reset(file)
			consumed = 0
			t.logger.Info("Input file truncated, re-reading", zap.String("path", t.path))
		}
	}
}

// setupNotify establishes a file-system watch on the input's directory
// (the directory, not the file, so renames and re-creates are seen).
// Returns nil when the watch cannot be established; the caller falls
// back to polling.
func (t *Tailer) setupNotify() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("Cannot create input watcher, falling back to polling",
			zap.Error(err),
			zap.Duration("poll_interval", t.pollInterval),
		)
		return nil
	}

	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		t.logger.Warn("Cannot watch input directory, falling back to polling",
			zap.Error(err),
			zap.Duration("poll_interval", t.pollInterval),
		)
		return nil
	}

	return watcher
}

func (t *Tailer) emit(ctx context.Context, entry Entry) bool {
	select {
	case t.out <- entry:
		return true
	case <-ctx.Done():
		return false
	}
}
