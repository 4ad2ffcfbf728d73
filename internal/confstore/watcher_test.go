package confstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.1")

	w := NewWatcher(testLogger(), path)
	w.SetDebounce(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := w.Watch(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r := NewRecord()
		r.SetInt("pid", i)
		require.NoError(t, Save(r, path))
	}

	select {
	case ev := <-events:
		assert.Equal(t, []string{path}, ev.Paths)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected second event: %v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.1")

	w := NewWatcher(testLogger(), path)
	w.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := w.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.2"), []byte("x=1\n"), 0o600))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestDirWatcher_MatchesNames(t *testing.T) {
	dir := t.TempDir()

	w := NewDirWatcher(testLogger(), dir, func(name string) bool {
		return strings.HasPrefix(name, "config.")
	})
	w.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := w.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.3.conf"), []byte("a=1\n"), 0o600))

	select {
	case ev := <-events:
		assert.Equal(t, []string{filepath.Join(dir, "config.3.conf")}, ev.Paths)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.1")
	w := NewWatcher(testLogger(), path)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := w.Watch(ctx)
	require.NoError(t, err)

	w.SetPolling(true)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}
