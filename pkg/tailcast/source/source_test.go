package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseLineStructured(t *testing.T) {
	entry := ParseLine([]byte(`{"zeta":"1","alpha":"2","mid":"3"}` + "\n"))

	require.True(t, entry.IsStructured())
	assert.Nil(t, entry.Raw)
	assert.Equal(t, []Field{
		{Key: "alpha", Value: "2"},
		{Key: "mid", Value: "3"},
		{Key: "zeta", Value: "1"},
	}, entry.Fields)
}

func TestParseLineRawFallback(t *testing.T) {
	cases := map[string]string{
		"plain text":              "plain text\n",
		`{"nested":{"x":"y"}}`:    `{"nested":{"x":"y"}}` + "\n", // non-string values stay raw
		`{"count":42}`:            `{"count":42}` + "\n",
		`["not","an","object"]`:   `["not","an","object"]` + "\n",
		"windows line ending":     "windows line ending\r\n",
		"no trailing newline":     "no trailing newline",
		`{"truncated":"unterm`:    `{"truncated":"unterm` + "\n",
	}

	for want, input := range cases {
		entry := ParseLine([]byte(input))
		assert.False(t, entry.IsStructured(), "input %q", input)
		assert.Equal(t, want, string(entry.Raw), "input %q", input)
	}
}

func TestParseLineEmptyJSONObject(t *testing.T) {
	entry := ParseLine([]byte("{}\n"))
	require.True(t, entry.IsStructured())
	assert.Empty(t, entry.Fields)
}

// collect reads entries until the channel closes or the timeout fires.
func collect(t *testing.T, events <-chan Entry, timeout time.Duration) []Entry {
	t.Helper()
	var entries []Entry
	deadline := time.After(timeout)
	for {
		select {
		case entry, ok := <-events:
			if !ok {
				return entries
			}
			entries = append(entries, entry)
		case <-deadline:
			t.Fatalf("timed out after %d entries", len(entries))
		}
	}
}

func TestStdinStreamEndsAtEOF(t *testing.T) {
	tailer := NewTailer(StdinPath, WithLogger(zaptest.NewLogger(t)))
	tailer.stdin = strings.NewReader("first\n" + `{"a":"1"}` + "\nlast\n")

	done := make(chan error, 1)
	go func() { done <- tailer.Run(context.Background()) }()

	entries := collect(t, tailer.Events(), 2*time.Second)
	require.NoError(t, <-done)

	require.Len(t, entries, 3)
	assert.Equal(t, "first", string(entries[0].Raw))
	assert.True(t, entries[1].IsStructured())
	assert.Equal(t, "last", string(entries[2].Raw))
}

func TestStreamEmitsFinalUnterminatedLine(t *testing.T) {
	tailer := NewTailer(StdinPath, WithLogger(zaptest.NewLogger(t)))
	tailer.stdin = strings.NewReader("complete\npartial")

	done := make(chan error, 1)
	go func() { done <- tailer.Run(context.Background()) }()

	entries := collect(t, tailer.Events(), 2*time.Second)
	require.NoError(t, <-done)

	require.Len(t, entries, 2)
	assert.Equal(t, "partial", string(entries[1].Raw))
}

func TestFileStreamWithoutWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o600))

	tailer := NewTailer(path, WithWatch(false), WithLogger(zaptest.NewLogger(t)))

	done := make(chan error, 1)
	go func() { done <- tailer.Run(context.Background()) }()

	entries := collect(t, tailer.Events(), 2*time.Second)
	require.NoError(t, <-done)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", string(entries[0].Raw))
	assert.Equal(t, "two", string(entries[1].Raw))
}

func TestRunFailsOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.log")

	for _, watch := range []bool{false, true} {
		tailer := NewTailer(path, WithWatch(watch), WithLogger(zaptest.NewLogger(t)))
		err := tailer.Run(context.Background())
		require.Error(t, err, "watch=%v", watch)
		assert.Contains(t, err.Error(), "open input")
	}
}

func readOne(t *testing.T, events <-chan Entry) Entry {
	t.Helper()
	select {
	case entry, ok := <-events:
		require.True(t, ok, "events channel closed unexpectedly")
		return entry
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for entry")
		return Entry{}
	}
}

func TestFollowPicksUpAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.log")
	require.NoError(t, os.WriteFile(path, []byte("seed\n"), 0o600))

	tailer := NewTailer(path,
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	assert.Equal(t, "seed", string(readOne(t, tailer.Events()).Raw))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = fmt.Fprintf(f, "appended-%d\n", i)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	for i := 1; i <= 3; i++ {
		assert.Equal(t, fmt.Sprintf("appended-%d", i), string(readOne(t, tailer.Events()).Raw))
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFollowHandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.log")
	require.NoError(t, os.WriteFile(path, []byte("before-truncate\n"), 0o600))

	tailer := NewTailer(path,
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	assert.Equal(t, "before-truncate", string(readOne(t, tailer.Events()).Raw))

	// Truncate-and-rewrite, as logrotate's copytruncate does.
	require.NoError(t, os.WriteFile(path, []byte("after\n"), 0o600))

	assert.Equal(t, "after", string(readOne(t, tailer.Events()).Raw))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFollowHandlesReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.log")
	require.NoError(t, os.WriteFile(path, []byte("original\n"), 0o600))

	tailer := NewTailer(path,
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	assert.Equal(t, "original", string(readOne(t, tailer.Events()).Raw))

	// Replace by rename, the way log rotation and atomic writers do.
	replacement := filepath.Join(dir, "input.log.new")
	require.NoError(t, os.WriteFile(replacement, []byte("replaced\n"), 0o600))
	require.NoError(t, os.Rename(replacement, path))

	assert.Equal(t, "replaced", string(readOne(t, tailer.Events()).Raw))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
