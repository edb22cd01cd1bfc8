// Package scheduler runs discovery and trust evaluation across many
// candidate executables with a fixed-size worker pool. Each candidate is an
// independent job with its own deadline; workers share nothing but the
// metadata cache.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/flemzord/agentgate/internal/cache"
	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/trust"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultJobTimeout = 30 * time.Second
	DefaultVerdictTTL = 24 * time.Hour
)

// Prober discovers a tool's metadata. A nil descriptor with a nil error
// means the tool does not support discovery.
type Prober interface {
	Probe(ctx context.Context, path string) (*descriptor.ToolDescriptor, error)
}

// Evaluator computes a trust verdict for a binary.
type Evaluator interface {
	Evaluate(ctx context.Context, path string, meta *descriptor.TrustMetadata, opts trust.Options) trust.Result
}

// Config configures a Scheduler.
type Config struct {
	Workers    int
	JobTimeout time.Duration

	// ShimDir holds metadata documents for tools that do not support
	// discovery, named after the executable (name, name.yaml, name.yml or
	// name.json).
	ShimDir string

	Prober    Prober
	Evaluator Evaluator
	// Cache is optional. Without it every scan probes every candidate.
	Cache *cache.Store
	// VerdictTTL bounds how long a cached trust verdict is reused.
	VerdictTTL time.Duration
	Trust      trust.Options

	// OnResult, if set, is called from the worker goroutine after each
	// candidate completes.
	OnResult func(CandidateResult, error)

	Logger *slog.Logger
	Now    func() time.Time
}

// CandidateResult is the discovery outcome for one path.
type CandidateResult struct {
	Path        string `json:"path"`
	ContentHash string `json:"contentHash,omitempty"`
	// Descriptor is nil when the tool supports neither discovery nor a shim.
	Descriptor *descriptor.ToolDescriptor `json:"descriptor,omitempty"`
	Trust      *trust.Result              `json:"trust,omitempty"`
	Cached     bool                       `json:"cached,omitempty"`
	FromShim   bool                       `json:"fromShim,omitempty"`
	Duration   time.Duration              `json:"duration"`
}

// Supported reports whether metadata was found for the candidate.
func (r CandidateResult) Supported() bool { return r.Descriptor != nil }

// BatchResult aggregates a scan. Partial success is the normal case.
type BatchResult struct {
	// Results holds one entry per candidate that completed, in input order.
	Results  []CandidateResult `json:"results"`
	Errors   []CandidateError  `json:"errors,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Tools returns the results that produced a descriptor.
func (b BatchResult) Tools() []CandidateResult {
	var out []CandidateResult
	for _, r := range b.Results {
		if r.Supported() {
			out = append(out, r)
		}
	}
	return out
}

// Err joins the per-candidate errors, or returns nil.
func (b BatchResult) Err() error {
	errs := make([]error, len(b.Errors))
	for i, e := range b.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Scheduler dispatches candidates to workers.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Scheduler. cfg.Prober and cfg.Evaluator are required.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.VerdictTTL <= 0 {
		cfg.VerdictTTL = DefaultVerdictTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		now:    now,
	}
}

type job struct {
	index int
	path  string
}

type outcome struct {
	res CandidateResult
	err error
	ran bool
}

// Scan discovers and evaluates every path. Cancelling ctx stops dispatch
// and cancels in-flight probes; candidates that never ran are reported
// with the context error.
func (s *Scheduler) Scan(ctx context.Context, paths []string) BatchResult {
	start := s.now()
	outcomes := make([]outcome, len(paths))

	jobs := make(chan job)
	p := newPool[job](s.cfg.Workers)
	p.start(ctx, jobs, func(ctx context.Context, j job) {
		res, err := s.scanOne(ctx, j.path)
		outcomes[j.index] = outcome{res: res, err: err, ran: true}
		if s.cfg.OnResult != nil {
			s.cfg.OnResult(res, err)
		}
	})

dispatch:
	for i, path := range paths {
		select {
		case jobs <- job{index: i, path: path}:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	p.wait()

	var batch BatchResult
	for i, o := range outcomes {
		switch {
		case !o.ran:
			batch.Errors = append(batch.Errors, CandidateError{Path: paths[i], Err: ctx.Err()})
		case o.err != nil:
			batch.Errors = append(batch.Errors, CandidateError{Path: paths[i], Err: o.err})
		default:
			batch.Results = append(batch.Results, o.res)
		}
	}

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Flush(); err != nil {
			s.logger.Warn("cache flush failed", "error", err)
		}
	}

	batch.Duration = s.now().Sub(start)
	s.logger.Info("scan complete",
		"candidates", len(paths),
		"tools", len(batch.Tools()),
		"errors", len(batch.Errors),
		"duration", batch.Duration)
	return batch
}

// ScanOne runs a single candidate through discovery and evaluation.
func (s *Scheduler) ScanOne(ctx context.Context, path string) (CandidateResult, error) {
	res, err := s.scanOne(ctx, path)
	if s.cfg.Cache != nil {
		if ferr := s.cfg.Cache.Flush(); ferr != nil {
			s.logger.Warn("cache flush failed", "error", ferr)
		}
	}
	return res, err
}

func (s *Scheduler) scanOne(ctx context.Context, path string) (CandidateResult, error) {
	start := s.now()
	res := CandidateResult{Path: path}
	if abs, err := filepath.Abs(path); err == nil {
		res.Path = abs
	}
	defer func() { res.Duration = s.now().Sub(start) }()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	info, err := os.Stat(res.Path)
	if err != nil {
		return res, err
	}
	if !info.Mode().IsRegular() {
		return res, fmt.Errorf("%w: %s", ErrNotExecutable, info.Mode())
	}

	entry, hit := s.lookup(res.Path)
	if !hit {
		hash, err := trust.HashFile(res.Path)
		if err != nil {
			return res, err
		}
		entry.ContentHash = hash
		if s.cfg.Cache != nil {
			// Same bytes seen under another path.
			if e, ok := s.cfg.Cache.Get(hash); ok {
				entry, hit = e, true
				s.cfg.Cache.Put(res.Path, info, e)
			}
		}
	}
	res.ContentHash = entry.ContentHash
	res.Cached = hit

	d := entry.Descriptor
	if !hit {
		d, err = s.cfg.Prober.Probe(ctx, res.Path)
		if err != nil {
			return res, err
		}
		if s.cfg.Cache != nil {
			s.cfg.Cache.Put(res.Path, info, cache.Entry{ContentHash: entry.ContentHash, Descriptor: d})
		}
	}
	if d == nil {
		d, err = s.loadShim(res.Path)
		if err != nil {
			return res, err
		}
		res.FromShim = d != nil
	}
	if d == nil {
		return res, nil
	}

	d.Path = res.Path
	d.ContentHash = res.ContentHash
	res.Descriptor = d

	verdict, err := s.evaluate(ctx, res.Path, res.ContentHash, d.Trust)
	if err != nil {
		return res, err
	}
	res.Trust = &verdict
	return res, nil
}

func (s *Scheduler) lookup(path string) (cache.Entry, bool) {
	if s.cfg.Cache == nil {
		return cache.Entry{}, false
	}
	return s.cfg.Cache.Lookup(path)
}

// evaluate reuses a cached verdict for the same bytes and trust record.
func (s *Scheduler) evaluate(ctx context.Context, path, contentHash string, meta *descriptor.TrustMetadata) (trust.Result, error) {
	recordHash, err := descriptor.HashValue(meta)
	if err != nil {
		return trust.Result{}, fmt.Errorf("hashing trust record: %w", err)
	}
	if s.cfg.Cache != nil {
		if r, ok := s.cfg.Cache.Verdict(contentHash, recordHash); ok && s.now().Sub(r.EvaluatedAt) < s.cfg.VerdictTTL {
			return r, nil
		}
	}

	r := s.cfg.Evaluator.Evaluate(ctx, path, meta, s.cfg.Trust)
	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return r, err
	}
	// The file may have changed between hashing and evaluation; only a
	// verdict for the bytes we indexed is cached.
	if s.cfg.Cache != nil && r.ContentHash == contentHash {
		s.cfg.Cache.PutVerdict(contentHash, recordHash, r)
	}
	return r, nil
}

var shimExtensions = []string{"", ".yaml", ".yml", ".json"}

// loadShim returns the shim document for the executable at path, or nil
// when none exists.
func (s *Scheduler) loadShim(path string) (*descriptor.ToolDescriptor, error) {
	if s.cfg.ShimDir == "" {
		return nil, nil
	}
	name := filepath.Base(path)
	for _, ext := range shimExtensions {
		shim := filepath.Join(s.cfg.ShimDir, name+ext)
		info, err := os.Stat(shim)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
			continue
		}
		if err != nil {
			return nil, err
		}
		d, err := descriptor.LoadFile(shim, descriptor.WithDefaultSource(descriptor.SourceUser))
		if err != nil {
			return nil, fmt.Errorf("shim %s: %w", shim, err)
		}
		s.logger.Debug("using shim document", "path", path, "shim", shim)
		return d, nil
	}
	return nil, nil
}
