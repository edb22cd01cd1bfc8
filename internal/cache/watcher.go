package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Dirs are watched for changes to indexed paths.
	Dirs     []string
	Debounce time.Duration

	// OnInvalidate, if set, is called with the paths dropped by each batch.
	OnInvalidate func(paths []string)

	Logger *slog.Logger
}

// Watcher drops path index entries as soon as the filesystem reports a
// change. Lookup re-stats on every call, so the watcher only shortens the
// window in which a stale entry is still indexed.
type Watcher struct {
	store *Store
	cfg   WatcherConfig
	fsw   *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}

	done chan struct{}
}

// NewWatcher starts watching cfg.Dirs. Directories that cannot be watched
// are logged and skipped.
func NewWatcher(store *Store, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "cache.watcher")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cache: creating watcher: %w", err)
	}
	for _, dir := range cfg.Dirs {
		if err := fsw.Add(dir); err != nil {
			cfg.Logger.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}
	return &Watcher{
		store:   store,
		cfg:     cfg,
		fsw:     fsw,
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	defer w.fsw.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Warn("watch error", "error", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			w.mu.Lock()
			w.pending[filepath.Clean(ev.Name)] = struct{}{}
			w.mu.Unlock()
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.cfg.Debounce)
		case <-timerChan(timer):
			timer = nil
			w.flushPending()
		}
	}
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) flushPending() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	w.mu.Unlock()

	var dropped []string
	for _, p := range paths {
		if w.store.Invalidate(p) {
			dropped = append(dropped, p)
		}
	}
	if len(dropped) > 0 {
		w.cfg.Logger.Info("cache entries invalidated", "count", len(dropped))
		if w.cfg.OnInvalidate != nil {
			w.cfg.OnInvalidate(dropped)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) ||
		ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Chmod)
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
