// Package cache is the on-disk metadata cache shared by discovery workers.
// Entries are content-addressed by the SHA-256 of the tool binary; a path
// index maps an on-disk location to the hash it had when it was cached and
// is invalidated as soon as the file's modification time or size changes.
// The cache file is only ever replaced whole, through a temporary file and
// an atomic rename, so readers never see a partial write.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/trust"
)

const formatVersion = 1

// Entry is the cached discovery outcome for one binary content hash.
type Entry struct {
	ContentHash string `json:"contentHash"`
	// Descriptor is nil when the tool does not support discovery.
	Descriptor *descriptor.ToolDescriptor `json:"descriptor,omitempty"`
	StoredAt   time.Time                  `json:"storedAt"`
}

// Supported reports whether discovery produced a descriptor.
func (e Entry) Supported() bool { return e.Descriptor != nil }

// PathEntry records the file identity a path had when it was cached.
type PathEntry struct {
	ContentHash string    `json:"contentHash"`
	ModTime     time.Time `json:"modTime"`
	Size        int64     `json:"size"`
}

type document struct {
	Version  int                     `json:"version"`
	Entries  map[string]Entry        `json:"entries"`
	Paths    map[string]PathEntry    `json:"paths"`
	Verdicts map[string]trust.Result `json:"verdicts"`
}

func newDocument() document {
	return document{
		Version:  formatVersion,
		Entries:  make(map[string]Entry),
		Paths:    make(map[string]PathEntry),
		Verdicts: make(map[string]trust.Result),
	}
}

// Store is the in-memory view of the cache file. It is safe for concurrent
// use; Flush serializes writers.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	doc   document
	gen   uint64 // bumped on every mutation
	saved uint64 // generation last flushed

	writeMu sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store backed by the file at path. Call Load to read
// existing content.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
		doc:    newDocument(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache")
	return s
}

// Open creates a Store and loads the file at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := New(path, opts...)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load replaces the in-memory state with the file content. A missing file
// yields an empty cache; a file with an unknown format version is ignored.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.reset(newDocument())
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: reading %s: %w", s.path, err)
	}

	doc := newDocument()
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if doc.Version != formatVersion {
		s.logger.Warn("ignoring cache with unknown format", "path", s.path, "version", doc.Version)
		doc = newDocument()
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]Entry)
	}
	if doc.Paths == nil {
		doc.Paths = make(map[string]PathEntry)
	}
	if doc.Verdicts == nil {
		doc.Verdicts = make(map[string]trust.Result)
	}
	s.reset(doc)
	return nil
}

func (s *Store) reset(doc document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	s.gen++
	s.saved = s.gen
}

// Get returns the entry for a content hash. The descriptor is a copy.
func (s *Store) Get(contentHash string) (Entry, bool) {
	s.mu.RLock()
	e, ok := s.doc.Entries[contentHash]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e.Descriptor = e.Descriptor.Clone()
	return e, true
}

// Lookup returns the entry last cached for path when the file still has the
// modification time and size it had then. Any difference drops the path
// entry and reports a miss.
func (s *Store) Lookup(path string) (Entry, bool) {
	path = cleanPath(path)

	s.mu.RLock()
	pe, ok := s.doc.Paths[path]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Equal(pe.ModTime) || info.Size() != pe.Size {
		s.Invalidate(path)
		return Entry{}, false
	}
	return s.Get(pe.ContentHash)
}

// Put stores an entry under its content hash and indexes path to it with
// the given file identity.
func (s *Store) Put(path string, info fs.FileInfo, e Entry) {
	if e.ContentHash == "" {
		return
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = s.now().UTC()
	}
	e.Descriptor = e.Descriptor.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Entries[e.ContentHash] = e
	if path != "" && info != nil {
		s.doc.Paths[cleanPath(path)] = PathEntry{
			ContentHash: e.ContentHash,
			ModTime:     info.ModTime(),
			Size:        info.Size(),
		}
	}
	s.gen++
}

// Invalidate drops the path index entry for path. Content-addressed entries
// stay valid: a hash always names the same bytes.
func (s *Store) Invalidate(path string) bool {
	path = cleanPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Paths[path]; !ok {
		return false
	}
	delete(s.doc.Paths, path)
	s.gen++
	s.logger.Debug("path invalidated", "path", path)
	return true
}

// IndexedPaths lists the paths currently in the index, sorted.
func (s *Store) IndexedPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.doc.Paths))
	for p := range s.doc.Paths {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Tools returns copies of every indexed descriptor, sorted by path.
func (s *Store) Tools() []*descriptor.ToolDescriptor {
	var out []*descriptor.ToolDescriptor
	for _, p := range s.IndexedPaths() {
		s.mu.RLock()
		pe := s.doc.Paths[p]
		e, ok := s.doc.Entries[pe.ContentHash]
		s.mu.RUnlock()
		if !ok || e.Descriptor == nil {
			continue
		}
		d := e.Descriptor.Clone()
		d.Path = p
		out = append(out, d)
	}
	return out
}

// PutVerdict caches a trust verdict under the binary content hash and the
// hash of the trust record it was computed from. Degraded verdicts are not
// cached: they reflect a transient condition.
func (s *Store) PutVerdict(contentHash, recordHash string, r trust.Result) {
	if r.Degraded || contentHash == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Verdicts[verdictKey(contentHash, recordHash)] = r
	s.gen++
}

// Verdict returns a cached verdict.
func (s *Store) Verdict(contentHash, recordHash string) (trust.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.doc.Verdicts[verdictKey(contentHash, recordHash)]
	return r, ok
}

func verdictKey(contentHash, recordHash string) string {
	return contentHash + "|" + recordHash
}

// Flush writes the cache to disk if it changed since the last load or
// flush. The new content is written to a temporary file in the same
// directory, synced, then renamed over the cache file.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.gen == s.saved {
		s.mu.RUnlock()
		return nil
	}
	gen := s.gen
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("cache: encoding: %w", err)
	}

	if err := writeAtomic(s.path, data); err != nil {
		return err
	}

	s.mu.Lock()
	if s.saved < gen {
		s.saved = gen
	}
	s.mu.Unlock()
	s.logger.Debug("cache flushed", "path", s.path, "bytes", len(data))
	return nil
}

// tempPrefix marks in-progress writes; files with it are never read.
func tempPrefix(path string) string {
	return "." + filepath.Base(path) + ".tmp-"
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cache: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix(path)+"*")
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("cache: syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("cache: closing temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cache: replacing %s: %w", path, err)
	}
	syncDir(dir)
	return nil
}

// syncDir persists the rename. Not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// CleanTemp removes temporary files left behind by interrupted writers.
func (s *Store) CleanTemp() (int, error) {
	dir := filepath.Dir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("cache: listing %s: %w", dir, err)
	}
	prefix := tempPrefix(s.path)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
