package confstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/radovskyb/watcher"
	"github.com/rs/zerolog"
)

// Watcher defaults.
const (
	DefaultDebounce     = 250 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
)

// Event reports that one or more watched files changed.
type Event struct {
	Paths []string
	Time  time.Time
}

// Watcher turns filesystem notifications for a set of files into coalesced
// change events. Native notifications are always on; a polling floor can be
// enabled for files that change too often or on filesystems without inotify.
type Watcher struct {
	logger       zerolog.Logger
	dirs         []string
	pollTargets  []string
	match        func(path string) bool
	debounce     time.Duration
	pollInterval time.Duration

	raw  chan string
	done chan struct{}

	mu     sync.Mutex
	poller *watcher.Watcher
}

// NewWatcher watches the given files.
func NewWatcher(logger zerolog.Logger, files ...string) *Watcher {
	set := make(map[string]bool, len(files))
	dirSet := map[string]bool{}
	var dirs, targets []string
	for _, f := range files {
		clean := filepath.Clean(f)
		set[clean] = true
		targets = append(targets, clean)
		dir := filepath.Dir(clean)
		if !dirSet[dir] {
			dirSet[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return newWatcher(logger, dirs, targets, func(path string) bool {
		return set[filepath.Clean(path)]
	})
}

// NewDirWatcher watches the entries of dir whose base name satisfies match.
func NewDirWatcher(logger zerolog.Logger, dir string, match func(name string) bool) *Watcher {
	dir = filepath.Clean(dir)
	return newWatcher(logger, []string{dir}, []string{dir}, func(path string) bool {
		return filepath.Dir(filepath.Clean(path)) == dir && match(filepath.Base(path))
	})
}

func newWatcher(logger zerolog.Logger, dirs, targets []string, match func(string) bool) *Watcher {
	return &Watcher{
		logger:       logger,
		dirs:         dirs,
		pollTargets:  targets,
		match:        match,
		debounce:     DefaultDebounce,
		pollInterval: DefaultPollInterval,
		raw:          make(chan string, 16),
		done:         make(chan struct{}),
	}
}

// SetDebounce overrides the coalescing window. Must be called before Watch.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// SetPollInterval overrides the polling floor. Must be called before
// SetPolling.
func (w *Watcher) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// Watch starts watching until ctx is done. The returned channel is closed
// when watching stops.
func (w *Watcher) Watch(ctx context.Context) (<-chan Event, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	out := make(chan Event, 1)
	go w.loop(ctx, fsw, out)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, out chan<- Event) {
	defer close(out)
	defer close(w.done)
	defer w.SetPolling(false)
	defer func() { _ = fsw.Close() }()

	pending := map[string]bool{}
	var fire <-chan time.Time

	record := func(path string) {
		pending[path] = true
		fire = time.After(w.debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod || !w.match(ev.Name) {
				continue
			}
			record(filepath.Clean(ev.Name))
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		case path := <-w.raw:
			if w.match(path) {
				record(filepath.Clean(path))
			}
		case <-fire:
			fire = nil
			ev := Event{Time: time.Now()}
			for p := range pending {
				ev.Paths = append(ev.Paths, p)
			}
			sort.Strings(ev.Paths)
			pending = map[string]bool{}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// SetPolling enables or disables the polling floor.
func (w *Watcher) SetPolling(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !enabled {
		if w.poller != nil {
			w.poller.Close()
			w.poller = nil
		}
		return
	}
	if w.poller != nil {
		return
	}

	p := watcher.New()
	p.SetMaxEvents(1)
	p.FilterOps(watcher.Write, watcher.Create, watcher.Remove, watcher.Rename, watcher.Move)
	for _, target := range w.pollTargets {
		if err := p.Add(target); err != nil {
			w.logger.Debug().Err(err).Str("path", target).Msg("cannot poll path yet")
		}
	}
	w.poller = p

	go w.forward(p)
	go func() {
		if err := p.Start(w.pollInterval); err != nil {
			w.logger.Warn().Err(err).Msg("polling watcher stopped")
		}
	}()
	p.Wait()
}

func (w *Watcher) forward(p *watcher.Watcher) {
	for {
		select {
		case ev := <-p.Event:
			select {
			case w.raw <- ev.Path:
			case <-w.done:
				return
			}
		case err := <-p.Error:
			if errors.Is(err, watcher.ErrWatchedFileDeleted) {
				continue
			}
			w.logger.Debug().Err(err).Msg("polling watcher error")
		case <-p.Closed:
			return
		case <-w.done:
			return
		}
	}
}
