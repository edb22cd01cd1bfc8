package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/trust"
)

func writeTool(t *testing.T, dir, name, content string) (string, os.FileInfo, string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, info, trust.HashBytes([]byte(content))
}

func TestStore_PutGetLookup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(filepath.Join(dir, "cache.json"))
	path, info, hash := writeTool(t, dir, "demo", "v1")

	d := &descriptor.ToolDescriptor{Name: "demo", Version: "1"}
	s.Put(path, info, Entry{ContentHash: hash, Descriptor: d})

	got, ok := s.Get(hash)
	if !ok || got.Descriptor.Name != "demo" || !got.Supported() {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	got.Descriptor.Name = "mutated"
	if again, _ := s.Get(hash); again.Descriptor.Name != "demo" {
		t.Error("caller mutation leaked into the cache")
	}
	d.Name = "mutated"
	if again, _ := s.Get(hash); again.Descriptor.Name != "demo" {
		t.Error("cache shares the descriptor passed to Put")
	}

	if e, ok := s.Lookup(path); !ok || e.ContentHash != hash {
		t.Fatalf("Lookup = %+v, %v", e, ok)
	}
}

func TestStore_LookupInvalidatesOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(filepath.Join(dir, "cache.json"))
	path, info, hash := writeTool(t, dir, "demo", "v1")
	s.Put(path, info, Entry{ContentHash: hash, Descriptor: &descriptor.ToolDescriptor{Name: "demo"}})

	later := info.ModTime().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Lookup(path); ok {
		t.Fatal("Lookup hit after mtime change")
	}
	if len(s.IndexedPaths()) != 0 {
		t.Error("path entry not dropped")
	}
	if _, ok := s.Get(hash); !ok {
		t.Error("content-addressed entry dropped with the path")
	}
}

func TestStore_LookupInvalidatesOnRemoval(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(filepath.Join(dir, "cache.json"))
	path, info, hash := writeTool(t, dir, "demo", "v1")
	s.Put(path, info, Entry{ContentHash: hash})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Lookup(path); ok {
		t.Error("Lookup hit for removed file")
	}
}

func TestStore_NegativeEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(filepath.Join(dir, "cache.json"))
	path, info, hash := writeTool(t, dir, "plain", "no discovery")
	s.Put(path, info, Entry{ContentHash: hash})

	e, ok := s.Lookup(path)
	if !ok || e.Supported() {
		t.Errorf("Lookup = %+v, %v; want unsupported hit", e, ok)
	}
	if tools := s.Tools(); len(tools) != 0 {
		t.Errorf("Tools() listed an unsupported binary: %v", tools)
	}
}

func TestStore_Verdicts(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "cache.json"))
	verified := trust.Result{Level: trust.Verified, Recommendation: trust.Execute, ContentHash: "sha256:aa"}
	s.PutVerdict("sha256:aa", "sha256:meta1", verified)
	s.PutVerdict("sha256:aa", "sha256:meta2", trust.Result{Level: trust.Unverified, Degraded: true})

	if r, ok := s.Verdict("sha256:aa", "sha256:meta1"); !ok || r.Level != trust.Verified {
		t.Errorf("Verdict = %+v, %v", r, ok)
	}
	if _, ok := s.Verdict("sha256:aa", "sha256:meta2"); ok {
		t.Error("degraded verdict was cached")
	}
	if _, ok := s.Verdict("sha256:bb", "sha256:meta1"); ok {
		t.Error("verdict reused across content hashes")
	}
}

func TestStore_FlushLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "state", "cache.json")
	s := New(cachePath)
	path, info, hash := writeTool(t, dir, "demo", "v1")
	d := &descriptor.ToolDescriptor{
		Name:     "demo",
		Commands: map[string]*descriptor.CommandNode{"rm": {Effects: &descriptor.Effects{Destructive: descriptor.FlagTrue}}},
		Trust:    &descriptor.TrustMetadata{Source: descriptor.SourceVendor},
	}
	s.Put(path, info, Entry{ContentHash: hash, Descriptor: d})
	s.PutVerdict(hash, "m", trust.Result{Level: trust.ProvenanceFail, Recommendation: trust.Confirm, Source: descriptor.SourceVendor})

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, ok := loaded.Lookup(path)
	if !ok {
		t.Fatal("path index lost across flush")
	}
	if diff := cmp.Diff(d, got.Descriptor); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
	if r, ok := loaded.Verdict(hash, "m"); !ok || r.Level != trust.ProvenanceFail || r.Source != descriptor.SourceVendor {
		t.Errorf("verdict = %+v, %v", r, ok)
	}
}

func TestStore_FlushSkipsWhenClean(t *testing.T) {
	t.Parallel()

	cachePath := filepath.Join(t.TempDir(), "cache.json")
	s := New(cachePath)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cachePath); !os.IsNotExist(err) {
		t.Error("clean store wrote a file")
	}
}

func TestStore_LoadMissingAndCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing.json")); err != nil {
		t.Errorf("missing file: %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(bad); !errors.Is(err, ErrCorrupt) {
		t.Errorf("corrupt file: %v, want ErrCorrupt", err)
	}
}

// Readers running concurrently with a writer must always see a complete
// document.
func TestStore_ConcurrentReadersNeverSeePartialWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.json")
	s := New(cachePath)
	s.Put("", nil, Entry{ContentHash: "sha256:seed"})
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	var stop atomic.Bool
	var partial atomic.Int64
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				data, err := os.ReadFile(cachePath)
				if err != nil {
					partial.Add(1)
					continue
				}
				var doc document
				if err := json.Unmarshal(data, &doc); err != nil {
					partial.Add(1)
				}
			}
		}()
	}

	big := strings.Repeat("x", 4096)
	for i := range 100 {
		s.Put("", nil, Entry{
			ContentHash: trust.HashBytes([]byte{byte(i), byte(i >> 8)}),
			Descriptor:  &descriptor.ToolDescriptor{Name: "t", Description: big},
		})
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if n := partial.Load(); n != 0 {
		t.Errorf("readers observed %d missing or partial cache files", n)
	}
}

// A writer that dies after writing its temporary file but before the rename
// leaves the previous cache intact.
func TestStore_CrashedWriterLeavesPreviousContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.json")
	s := New(cachePath)
	s.Put("", nil, Entry{ContentHash: "sha256:good", Descriptor: &descriptor.ToolDescriptor{Name: "good"}})
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	stray := filepath.Join(dir, tempPrefix(cachePath)+"12345")
	if err := os.WriteFile(stray, []byte(`{"version": 1, "entries": {"sha256:bad": {"conten`), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	if e, ok := loaded.Get("sha256:good"); !ok || e.Descriptor.Name != "good" {
		t.Errorf("previous content lost: %+v, %v", e, ok)
	}
	if _, ok := loaded.Get("sha256:bad"); ok {
		t.Error("partial write became visible")
	}

	n, err := loaded.CleanTemp()
	if err != nil || n != 1 {
		t.Errorf("CleanTemp = %d, %v; want 1", n, err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("stray temp file not removed")
	}
}

func TestStore_FailedFlushKeepsPreviousFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.json")
	s := New(cachePath)
	s.Put("", nil, Entry{ContentHash: "sha256:one"})
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(cachePath)

	// Replace the target with a non-empty directory so the rename fails.
	if err := os.Remove(cachePath); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(cachePath, "blocker"), 0o700); err != nil {
		t.Fatal(err)
	}
	s.Put("", nil, Entry{ContentHash: "sha256:two"})
	if err := s.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
	if n, _ := s.CleanTemp(); n != 0 {
		t.Errorf("failed flush left %d temp files", n)
	}
	if len(before) == 0 {
		t.Error("first flush wrote nothing")
	}
}
