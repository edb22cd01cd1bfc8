// Package gateway exposes the pipeline over HTTP. It binds to loopback by
// default, mounts the API only when authentication is configured, and
// streams approved executions over a websocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/scheduler"
	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/trust"
)

// Pipeline is the part of *gate.Gate the API drives.
type Pipeline interface {
	Probe(ctx context.Context, path string) (*descriptor.ToolDescriptor, error)
	Discover(ctx context.Context, path string) (scheduler.CandidateResult, error)
	Scan(ctx context.Context, paths []string) scheduler.BatchResult
	Evaluate(ctx context.Context, path string, meta *descriptor.TrustMetadata) trust.Result
	Check(ctx context.Context, inv gate.Invocation) (gate.Outcome, error)
	DiscoverAndMaybeRun(ctx context.Context, inv gate.Invocation) (gate.Outcome, error)
	Tools() []*descriptor.ToolDescriptor
}

// History reads the ledger. *ledger.Ledger implements it.
type History interface {
	History(ctx context.Context, q ledger.Query) ([]ledger.Entry, error)
	Evaluations(ctx context.Context, path string, limit int) ([]ledger.Evaluation, error)
	Ping(ctx context.Context) error
}

// PolicySource exposes the active thresholds. *policy.Engine implements it.
type PolicySource interface {
	Policy() policy.Config
}

// Reloader re-reads the configuration file.
type Reloader interface {
	HandleReload(ctx context.Context, path string) error
}

// Deps are the collaborators of a Gateway. Pipeline is required.
type Deps struct {
	Pipeline Pipeline
	History  History
	Policy   PolicySource
	// Metrics serves the Prometheus exposition format at /metrics.
	Metrics     http.Handler
	RateLimiter *security.RateLimiter
	Audit       *security.AuditLogger
	// Redactor masks secrets in streamed output chunks.
	Redactor   *security.Redactor
	Reloader   Reloader
	ConfigPath string
	// ScanDirs are used by /api/scan when the request names nothing.
	ScanDirs []string
	Version  string
	Logger   *slog.Logger
}

// Gateway is the HTTP server. It implements core.Starter and core.Stopper.
type Gateway struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	metrics   *Metrics
	handler   http.Handler
	startedAt time.Time

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// New creates a Gateway. The router is built immediately so Handler can
// be used without Start.
func New(cfg Config, deps Deps) *Gateway {
	cfg.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:    cfg,
		deps:      deps,
		logger:    logger.With("component", "gateway"),
		metrics:   &Metrics{},
		startedAt: time.Now(),
	}
	g.handler = g.buildRouter()
	return g
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Metrics returns the gateway counters.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// Addr returns the bound address once Start has succeeded.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Validate checks the bind address.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + g.config.Bind)
	}
	return nil
}

// Start implements core.Starter.
func (g *Gateway) Start() error {
	if err := g.Validate(); err != nil {
		return err
	}
	if !g.config.Auth.IsConfigured() {
		g.logger.Warn("no gateway auth configured, API endpoints are not mounted")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen failed: %w", err)
	}

	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: g.config.ReadTimeout,
		ReadTimeout:       g.config.ReadTimeout,
		WriteTimeout:      g.config.WriteTimeout,
	}
	g.mu.Lock()
	g.server = srv
	g.addr = ln.Addr()
	g.startedAt = time.Now()
	g.mu.Unlock()

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()
	return nil
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}
