// Package gate chains discovery, trust evaluation, policy and execution
// into the operations an agent calls. Nothing is executed unless the policy
// engine allowed it, and a compromised binary is never executed.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/agentgate/internal/cache"
	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/scheduler"
	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/trust"
)

const tracerName = "github.com/flemzord/agentgate/internal/gate"

// Prober discovers tool metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*descriptor.ToolDescriptor, error)
}

// Evaluator computes trust verdicts.
type Evaluator interface {
	Evaluate(ctx context.Context, path string, meta *descriptor.TrustMetadata, opts trust.Options) trust.Result
}

// Executor runs approved commands and filters their output.
type Executor interface {
	Run(ctx context.Context, argv []string, opts executor.Options) (executor.Result, error)
}

// Recorder persists what the gate did. The ledger implements it.
type Recorder interface {
	RecordEvaluation(ctx context.Context, path string, r trust.Result) error
	RecordDecision(ctx context.Context, d policy.Decision, v trust.Result) error
	RecordExecution(ctx context.Context, decisionID string, r executor.Result, runErr error) error
}

// Observer receives metrics. The telemetry package implements it.
type Observer interface {
	ObserveProbe(outcome string, elapsed time.Duration)
	ObserveEvaluation(r trust.Result)
	ObserveDecision(d policy.Decision)
	ObserveExecution(r executor.Result, err error)
}

// Config wires a Gate. Prober, Evaluator, Engine and Executor are required.
type Config struct {
	Prober    Prober
	Evaluator Evaluator
	Engine    *policy.Engine
	Executor  Executor

	// Scheduler, when nil, is built from Prober, Evaluator, Cache and ShimDir.
	Scheduler *scheduler.Scheduler
	Cache     *cache.Store
	ShimDir   string

	Trust trust.Options

	Recorder Recorder
	Observer Observer
	Audit    *security.AuditLogger
	Logger   *slog.Logger
}

// Gate is safe for concurrent use.
type Gate struct {
	cfg       Config
	scheduler *scheduler.Scheduler
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates a Gate.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.New(scheduler.Config{
			Prober:    cfg.Prober,
			Evaluator: cfg.Evaluator,
			Cache:     cfg.Cache,
			ShimDir:   cfg.ShimDir,
			Trust:     cfg.Trust,
			Logger:    logger,
		})
	}
	return &Gate{
		cfg:       cfg,
		scheduler: sched,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With("component", "gate"),
	}
}

// Scheduler returns the scheduler used for discovery.
func (g *Gate) Scheduler() *scheduler.Scheduler { return g.scheduler }

// Engine returns the policy engine.
func (g *Gate) Engine() *policy.Engine { return g.cfg.Engine }

// Tools returns the descriptors held in the metadata cache.
func (g *Gate) Tools() []*descriptor.ToolDescriptor {
	if g.cfg.Cache == nil {
		return nil
	}
	return g.cfg.Cache.Tools()
}

// Probe runs the two-phase discovery against path, bypassing the cache.
func (g *Gate) Probe(ctx context.Context, path string) (*descriptor.ToolDescriptor, error) {
	ctx, span := g.tracer.Start(ctx, "gate.probe", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	start := time.Now()
	d, err := g.cfg.Prober.Probe(ctx, path)
	outcome := probeOutcome(d, err)
	if g.cfg.Observer != nil {
		g.cfg.Observer.ObserveProbe(outcome, time.Since(start))
	}
	ev := security.AuditEvent{Type: security.EventProbe, Path: path, Outcome: outcome}
	if d != nil {
		ev.Tool = d.Name
	}
	if err != nil {
		ev.Detail = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	g.cfg.Audit.Log(ev)
	span.SetAttributes(attribute.String("outcome", outcome))
	return d, err
}

func probeOutcome(d *descriptor.ToolDescriptor, err error) string {
	switch {
	case err != nil:
		return "error"
	case d == nil:
		return "unsupported"
	default:
		return "discovered"
	}
}

// Discover returns the metadata and trust verdict for path, using the
// cache and shim documents.
func (g *Gate) Discover(ctx context.Context, path string) (scheduler.CandidateResult, error) {
	ctx, span := g.tracer.Start(ctx, "gate.discover", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	res, err := g.scheduler.ScanOne(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		g.cfg.Audit.Log(security.AuditEvent{Type: security.EventProbe, Path: path, Outcome: "error", Detail: err.Error()})
		return res, err
	}
	if res.Trust != nil {
		g.observeEvaluation(ctx, res.Path, *res.Trust)
	}
	return res, nil
}

// Scan discovers every path with the worker pool.
func (g *Gate) Scan(ctx context.Context, paths []string) scheduler.BatchResult {
	ctx, span := g.tracer.Start(ctx, "gate.scan", trace.WithAttributes(attribute.Int("candidates", len(paths))))
	defer span.End()

	batch := g.scheduler.Scan(ctx, paths)
	for _, r := range batch.Results {
		if r.Trust != nil {
			g.observeEvaluation(ctx, r.Path, *r.Trust)
		}
	}
	span.SetAttributes(
		attribute.Int("tools", len(batch.Tools())),
		attribute.Int("errors", len(batch.Errors)),
	)
	g.cfg.Audit.Log(security.AuditEvent{
		Type:    security.EventScan,
		Outcome: fmt.Sprintf("%d tools, %d errors", len(batch.Tools()), len(batch.Errors)),
	})
	return batch
}

// Evaluate computes a fresh trust verdict for the binary at path.
func (g *Gate) Evaluate(ctx context.Context, path string, meta *descriptor.TrustMetadata) trust.Result {
	ctx, span := g.tracer.Start(ctx, "gate.evaluate", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	r := g.cfg.Evaluator.Evaluate(ctx, path, meta, g.cfg.Trust)
	span.SetAttributes(attribute.String("level", r.Level.String()), attribute.Bool("degraded", r.Degraded))
	g.observeEvaluation(ctx, path, r)
	return r
}

func (g *Gate) observeEvaluation(ctx context.Context, path string, r trust.Result) {
	if g.cfg.Observer != nil {
		g.cfg.Observer.ObserveEvaluation(r)
	}
	if g.cfg.Recorder != nil {
		if err := g.cfg.Recorder.RecordEvaluation(ctx, path, r); err != nil {
			g.logger.Warn("recording evaluation failed", "error", err)
		}
	}
	g.cfg.Audit.Log(security.AuditEvent{
		Type:    security.EventEvaluate,
		Path:    path,
		Outcome: r.Level.String(),
		Detail:  r.Reason,
		Metadata: map[string]string{
			"content_hash":   r.ContentHash,
			"recommendation": r.Recommendation.String(),
			"degraded":       fmt.Sprint(r.Degraded),
		},
	})
}

// Decide runs the policy engine and records the decision.
func (g *Gate) Decide(ctx context.Context, req policy.Request) (policy.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "gate.decide")
	defer span.End()

	d, err := g.cfg.Engine.Decide(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision interrupted")
		return d, err
	}
	span.SetAttributes(
		attribute.String("decision.id", d.ID),
		attribute.Bool("allowed", d.Allowed),
		attribute.Int("violations", len(d.Violations)),
	)

	if g.cfg.Observer != nil {
		g.cfg.Observer.ObserveDecision(d)
	}
	if g.cfg.Recorder != nil {
		if err := g.cfg.Recorder.RecordDecision(ctx, d, req.Trust); err != nil {
			g.logger.Warn("recording decision failed", "error", err)
		}
	}
	command := strings.Join(append(append([]string{d.Tool}, req.Command...), security.MaskArgs(req.Args)...), " ")
	reasons := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		reasons[i] = v.Reason
	}
	if d.RequiresConfirmation && d.ConfirmError == "" && !d.Compromised() {
		g.cfg.Audit.Log(security.AuditEvent{
			Type:       security.EventConfirmation,
			DecisionID: d.ID,
			Tool:       d.Tool,
			Command:    command,
			Outcome:    fmt.Sprintf("confirmed=%v", d.Confirmed),
		})
	}
	g.cfg.Audit.Log(security.AuditEvent{
		Type:       security.EventDecision,
		DecisionID: d.ID,
		Tool:       d.Tool,
		Command:    command,
		Outcome:    decisionOutcome(d),
		Detail:     strings.Join(reasons, "; "),
	})
	return d, nil
}

func decisionOutcome(d policy.Decision) string {
	switch {
	case d.Allowed && d.Confirmed:
		return "confirmed"
	case d.Allowed:
		return "allowed"
	case d.Compromised():
		return "compromised"
	default:
		return "blocked"
	}
}

// Run executes argv under an allowing decision. A blocking decision
// returns its *ViolationError before any process starts.
func (g *Gate) Run(ctx context.Context, d policy.Decision, argv []string, opts executor.Options) (executor.Result, error) {
	if err := d.Err(); err != nil {
		return executor.Result{}, err
	}
	if d.Compromised() {
		return executor.Result{}, fmt.Errorf("%w: refusing to execute", trust.ErrCompromised)
	}
	if len(argv) == 0 {
		return executor.Result{ExitCode: -1}, executor.ErrEmptyCommand
	}

	ctx, span := g.tracer.Start(ctx, "gate.run", trace.WithAttributes(
		attribute.String("decision.id", d.ID),
		attribute.String("command", filepath.Base(argv[0])),
	))
	defer span.End()

	res, err := g.cfg.Executor.Run(ctx, argv, opts)
	span.SetAttributes(
		attribute.Int("exit_code", res.ExitCode),
		attribute.Bool("timed_out", res.TimedOut),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
	}

	if g.cfg.Observer != nil {
		g.cfg.Observer.ObserveExecution(res, err)
	}
	if g.cfg.Recorder != nil {
		if rerr := g.cfg.Recorder.RecordExecution(ctx, d.ID, res, err); rerr != nil {
			g.logger.Warn("recording execution failed", "error", rerr)
		}
	}
	ev := security.AuditEvent{
		Type:       security.EventExec,
		DecisionID: d.ID,
		Tool:       d.Tool,
		Command:    strings.Join(res.Command, " "),
		Outcome:    execOutcome(res, err),
		Metadata: map[string]string{
			"exit_code": fmt.Sprint(res.ExitCode),
			"duration":  res.Duration.String(),
		},
	}
	if err != nil {
		ev.Detail = err.Error()
	}
	g.cfg.Audit.Log(ev)
	return res, err
}

func execOutcome(r executor.Result, err error) string {
	switch {
	case r.TimedOut:
		return "timeout"
	case err != nil:
		return "error"
	case r.ExitCode != 0:
		return "failed"
	default:
		return "ok"
	}
}
