// Package reload applies configuration changes to a running gate, on
// SIGHUP or when the configuration file changes on disk.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flemzord/agentgate/internal/trust"
)

const (
	defaultSettle   = 250 * time.Millisecond
	defaultFallback = 30 * time.Second
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Paths are the files to watch.
	Paths []string
	// Settle is how long the directory must stay quiet after an event
	// before the files are re-read. Editors write in several steps.
	Settle time.Duration
	// Fallback re-reads the files on a timer in case an event was missed,
	// e.g. on network filesystems.
	Fallback time.Duration
	Logger   *slog.Logger
}

// Event reports that a watched file now has different content.
type Event struct {
	Path   string
	Digest string
}

// Watcher reports content changes to a set of files. It watches the parent
// directories so that atomic rename-over saves are seen. A touch that
// leaves the content unchanged is not reported, and a file that
// disappears is ignored until it comes back.
type Watcher struct {
	cfg    WatcherConfig
	fsw    *fsnotify.Watcher
	names  map[string]bool
	last   map[string]string
	events chan Event
	done   chan struct{}
}

// NewWatcher records the current digest of every path and subscribes to
// their directories.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.Fallback <= 0 {
		cfg.Fallback = defaultFallback
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "reload.watcher")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: creating watcher: %w", err)
	}
	w := &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		names:  make(map[string]bool, len(cfg.Paths)),
		last:   make(map[string]string, len(cfg.Paths)),
		events: make(chan Event, 1),
		done:   make(chan struct{}),
	}
	dirs := make(map[string]bool)
	for _, p := range cfg.Paths {
		p = filepath.Clean(p)
		w.names[p] = true
		w.last[p] = fingerprint(p)
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("reload: watching %s: %w", dir, err)
		}
	}
	return w, nil
}

// Events delivers changes. An event is dropped while the previous one is
// still unread; the reader reloads the latest content either way.
func (w *Watcher) Events() <-chan Event { return w.events }

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	defer w.fsw.Close()

	settle := time.NewTimer(w.cfg.Settle)
	settle.Stop()
	fallback := time.NewTicker(w.cfg.Fallback)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
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
			if w.names[filepath.Clean(ev.Name)] {
				settle.Reset(w.cfg.Settle)
			}
		case <-settle.C:
			w.compare()
		case <-fallback.C:
			w.compare()
		}
	}
}

func (w *Watcher) compare() {
	for p := range w.names {
		digest := fingerprint(p)
		if digest == "" || digest == w.last[p] {
			continue
		}
		w.last[p] = digest
		w.cfg.Logger.Debug("file changed", "path", p, "digest", digest)
		select {
		case w.events <- Event{Path: p, Digest: digest}:
		default:
		}
	}
}

// fingerprint returns the content digest of path, or "" if unreadable.
func fingerprint(path string) string {
	digest, err := trust.HashFile(path)
	if err != nil {
		return ""
	}
	return digest
}
