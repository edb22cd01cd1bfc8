package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/scheduler"
	"github.com/flemzord/agentgate/internal/trust"
)

const testToken = "test-token"

// fakePipeline records calls and answers from its hooks.
type fakePipeline struct {
	mu      sync.Mutex
	tools   []*descriptor.ToolDescriptor
	scanned [][]string
	probed  []string

	probe func(path string) (*descriptor.ToolDescriptor, error)
	check func(inv gate.Invocation) (gate.Outcome, error)
	run   func(ctx context.Context, inv gate.Invocation) (gate.Outcome, error)
}

func (f *fakePipeline) Probe(_ context.Context, path string) (*descriptor.ToolDescriptor, error) {
	f.mu.Lock()
	f.probed = append(f.probed, path)
	f.mu.Unlock()
	if f.probe != nil {
		return f.probe(path)
	}
	return &descriptor.ToolDescriptor{Name: "fake"}, nil
}

func (f *fakePipeline) Discover(_ context.Context, path string) (scheduler.CandidateResult, error) {
	return scheduler.CandidateResult{Path: path}, nil
}

func (f *fakePipeline) Scan(_ context.Context, paths []string) scheduler.BatchResult {
	f.mu.Lock()
	f.scanned = append(f.scanned, paths)
	f.mu.Unlock()
	res := scheduler.BatchResult{}
	for _, p := range paths {
		res.Results = append(res.Results, scheduler.CandidateResult{Path: p})
	}
	return res
}

func (f *fakePipeline) Evaluate(_ context.Context, path string, _ *descriptor.TrustMetadata) trust.Result {
	return trust.Result{Level: trust.Unsigned, Reason: "no signature for " + path}
}

func (f *fakePipeline) Check(_ context.Context, inv gate.Invocation) (gate.Outcome, error) {
	if f.check != nil {
		return f.check(inv)
	}
	return gate.Outcome{Decision: &policy.Decision{ID: "d-1", Allowed: true}}, nil
}

func (f *fakePipeline) DiscoverAndMaybeRun(ctx context.Context, inv gate.Invocation) (gate.Outcome, error) {
	if f.run != nil {
		return f.run(ctx, inv)
	}
	return gate.Outcome{Result: &executor.Result{Command: inv.Argv()}}, nil
}

func (f *fakePipeline) Tools() []*descriptor.ToolDescriptor { return f.tools }

func (f *fakePipeline) Probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.probed)
}

func (f *fakePipeline) Scanned() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.scanned)
}

type fakeHistory struct {
	entries []ledger.Entry
	pingErr error

	mu      sync.Mutex
	queries []ledger.Query
}

func (h *fakeHistory) History(_ context.Context, q ledger.Query) ([]ledger.Entry, error) {
	h.mu.Lock()
	h.queries = append(h.queries, q)
	h.mu.Unlock()
	return h.entries, nil
}

func (h *fakeHistory) Queries() []ledger.Query {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.queries)
}

func (h *fakeHistory) Evaluations(_ context.Context, path string, _ int) ([]ledger.Evaluation, error) {
	return []ledger.Evaluation{{Path: path, Level: "VERIFIED"}}, nil
}

func (h *fakeHistory) Ping(context.Context) error { return h.pingErr }

type fakeReloader struct {
	err error

	mu    sync.Mutex
	paths []string
}

func (r *fakeReloader) HandleReload(_ context.Context, path string) error {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	return r.err
}

func (r *fakeReloader) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.paths)
}

var errBoom = errors.New("boom")

// newTestServer starts the gateway router behind httptest with bearer auth.
func newTestServer(t *testing.T, deps Deps) (*Gateway, *httptest.Server) {
	t.Helper()
	if deps.Pipeline == nil {
		deps.Pipeline = &fakePipeline{}
	}
	g := New(Config{Auth: AuthConfig{BearerToken: testToken}, ReadTimeout: 5 * time.Second}, deps)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv
}

// call performs an authenticated request and decodes the JSON body into out.
func call(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}
