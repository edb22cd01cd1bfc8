package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/scheduler"
	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/trust"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var c Config
	c.defaults()
	want := Config{
		Bind:            DefaultBind,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestGateway_Validate(t *testing.T) {
	t.Parallel()

	if err := New(Config{Bind: "127.0.0.1:0"}, Deps{Pipeline: &fakePipeline{}}).Validate(); err != nil {
		t.Errorf("valid bind: %v", err)
	}
	if err := New(Config{Bind: "not an address"}, Deps{Pipeline: &fakePipeline{}}).Validate(); err == nil {
		t.Error("expected error for invalid bind")
	}
}

func TestGateway_StartStop(t *testing.T) {
	t.Parallel()

	g := New(Config{Bind: "127.0.0.1:0", Auth: AuthConfig{BearerToken: testToken}}, Deps{Pipeline: &fakePipeline{}})
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := g.Addr()
	if addr == nil {
		t.Fatal("Addr() = nil after Start")
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+addr.String()+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGateway_StopWithoutStart(t *testing.T) {
	t.Parallel()

	if err := New(Config{}, Deps{Pipeline: &fakePipeline{}}).Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestRouter_APINotMountedWithoutAuth(t *testing.T) {
	t.Parallel()

	g := New(Config{}, Deps{Pipeline: &fakePipeline{}})
	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{})
	resp, err := srv.Client().Get(srv.URL + "/api/tools")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "agentgate_up 1")
	})
	_, srv := newTestServer(t, Deps{Metrics: metrics})
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestAPI_Tools(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{tools: []*descriptor.ToolDescriptor{{Name: "git"}, {Name: "kubectl"}}}
	_, srv := newTestServer(t, Deps{Pipeline: p})

	var got []descriptor.ToolDescriptor
	if code := call(t, srv, http.MethodGet, "/api/tools", "", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(got) != 2 || got[0].Name != "git" || got[1].Name != "kubectl" {
		t.Errorf("tools = %+v", got)
	}
}

func TestAPI_ToolsEmptyIsArray(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{})
	var got []descriptor.ToolDescriptor
	if code := call(t, srv, http.MethodGet, "/api/tools", "", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got == nil {
		t.Error("tools = null, want []")
	}
}

func TestAPI_Probe(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	_, srv := newTestServer(t, Deps{Pipeline: p})

	var got descriptor.ToolDescriptor
	if code := call(t, srv, http.MethodPost, "/api/probe", `{"path":"/usr/local/bin/fake"}`, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Name != "fake" {
		t.Errorf("name = %q", got.Name)
	}
	if probed := p.Probed(); len(probed) != 1 || probed[0] != "/usr/local/bin/fake" {
		t.Errorf("probed = %v", probed)
	}
}

func TestAPI_ProbeUnsupported(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{probe: func(string) (*descriptor.ToolDescriptor, error) { return nil, nil }}
	g, srv := newTestServer(t, Deps{Pipeline: p})

	var got errorResponse
	if code := call(t, srv, http.MethodPost, "/api/probe", `{"path":"/bin/x"}`, &got); code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", code, http.StatusUnprocessableEntity)
	}
	if !strings.Contains(got.Error, gate.ErrUnsupported.Error()) {
		t.Errorf("error = %q", got.Error)
	}
	if g.Metrics().Snapshot().Errors != 1 {
		t.Errorf("errors = %d, want 1", g.Metrics().Snapshot().Errors)
	}
}

func TestAPI_BodyValidation(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{})
	deep := strings.Repeat("[", security.DefaultMaxJSONDepth+1) + strings.Repeat("]", security.DefaultMaxJSONDepth+1)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"empty body", "/api/probe", "", http.StatusBadRequest},
		{"malformed", "/api/probe", `{"path":`, http.StatusBadRequest},
		{"too deep", "/api/evaluate", deep, http.StatusBadRequest},
		{"restricted path", "/api/probe", `{"path":"/proc/self/status"}`, http.StatusForbidden},
		{"empty path", "/api/decide", `{"path":""}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := call(t, srv, http.MethodPost, tt.path, tt.body, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestAPI_PayloadTooLarge(t *testing.T) {
	t.Parallel()

	g := New(Config{Auth: AuthConfig{BearerToken: testToken}, MaxBodyBytes: 64}, Deps{Pipeline: &fakePipeline{}})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	body := `{"path":"/bin/` + strings.Repeat("x", 100) + `"}`
	if code := call(t, srv, http.MethodPost, "/api/probe", body, nil); code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", code, http.StatusRequestEntityTooLarge)
	}
}

func TestAPI_ScanDefaultsToConfiguredDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tool := filepath.Join(dir, "tool")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	p := &fakePipeline{}
	_, srv := newTestServer(t, Deps{Pipeline: p, ScanDirs: []string{dir}})

	var got scheduler.BatchResult
	if code := call(t, srv, http.MethodPost, "/api/scan", `{}`, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if scanned := p.Scanned(); len(scanned) != 1 || len(scanned[0]) != 1 || scanned[0][0] != tool {
		t.Errorf("scanned = %v, want [[%s]]", scanned, tool)
	}
	if len(got.Results) != 1 {
		t.Errorf("results = %+v", got.Results)
	}
}

func TestAPI_ScanExplicitPaths(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	_, srv := newTestServer(t, Deps{Pipeline: p})
	if code := call(t, srv, http.MethodPost, "/api/scan", `{"paths":["/a","/b"]}`, nil); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if diff := cmp.Diff([][]string{{"/a", "/b"}}, p.Scanned()); diff != "" {
		t.Errorf("scanned mismatch (-want +got):\n%s", diff)
	}
}

func TestAPI_Evaluate(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{})
	var got struct {
		Level  string `json:"level"`
		Reason string `json:"reason"`
	}
	if code := call(t, srv, http.MethodPost, "/api/evaluate", `{"path":"/opt/tool"}`, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Level != "UNSIGNED" || got.Reason != "no signature for /opt/tool" {
		t.Errorf("verdict = %+v", got)
	}
}

func TestAPI_DecideBlockedIsOK(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{check: func(inv gate.Invocation) (gate.Outcome, error) {
		d := policy.Decision{
			ID:         "d-9",
			Tool:       "rm",
			Command:    inv.Command,
			Violations: []policy.Violation{{Kind: policy.KindDestructive, Reason: "command is destructive"}},
		}
		return gate.Outcome{Decision: &d}, d.Err()
	}}
	g, srv := newTestServer(t, Deps{Pipeline: p})

	var got gate.Outcome
	if code := call(t, srv, http.MethodPost, "/api/decide", `{"path":"/bin/rm","command":["purge"]}`, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Decision == nil || got.Decision.Allowed || got.Decision.ID != "d-9" {
		t.Errorf("decision = %+v", got.Decision)
	}
	if g.Metrics().Snapshot().Blocked != 1 {
		t.Errorf("blocked = %d, want 1", g.Metrics().Snapshot().Blocked)
	}
}

func TestAPI_DecideUnknownCommand(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{check: func(gate.Invocation) (gate.Outcome, error) {
		return gate.Outcome{Descriptor: &descriptor.ToolDescriptor{Name: "git"}}, fmt.Errorf("%w: frobnicate", descriptor.ErrUnknownCommand)
	}}
	_, srv := newTestServer(t, Deps{Pipeline: p})

	var got errorResponse
	if code := call(t, srv, http.MethodPost, "/api/decide", `{"path":"/bin/git","command":["frobnicate"]}`, &got); code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", code, http.StatusUnprocessableEntity)
	}
	if got.Outcome == nil || got.Outcome.Descriptor == nil || got.Outcome.Descriptor.Name != "git" {
		t.Errorf("outcome = %+v", got.Outcome)
	}
}

func TestAPI_History(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{entries: []ledger.Entry{{DecisionID: "d-1", Tool: "git"}}}
	_, srv := newTestServer(t, Deps{History: h})

	var got []ledger.Entry
	if code := call(t, srv, http.MethodGet, "/api/history?tool=git&blocked=true&limit=5&since=2026-01-02T00:00:00Z", "", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(got) != 1 || got[0].DecisionID != "d-1" {
		t.Errorf("entries = %+v", got)
	}
	want := ledger.Query{
		Tool:        "git",
		Since:       time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		OnlyBlocked: true,
		Limit:       5,
	}
	queries := h.Queries()
	if len(queries) != 1 {
		t.Fatalf("queries = %v", queries)
	}
	if diff := cmp.Diff(want, queries[0]); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestAPI_HistoryBadQuery(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{History: &fakeHistory{}})
	for _, q := range []string{"since=yesterday", "limit=-1", "blocked=maybe"} {
		if code := call(t, srv, http.MethodGet, "/api/history?"+q, "", nil); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", q, code, http.StatusBadRequest)
		}
	}
}

func TestAPI_HistoryWithoutLedger(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{})
	if code := call(t, srv, http.MethodGet, "/api/history", "", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestAPI_Evaluations(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{History: &fakeHistory{}})
	var got []ledger.Evaluation
	if code := call(t, srv, http.MethodGet, "/api/evaluations?path=/bin/git", "", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(got) != 1 || got[0].Path != "/bin/git" {
		t.Errorf("evaluations = %+v", got)
	}
	if code := call(t, srv, http.MethodGet, "/api/evaluations", "", nil); code != http.StatusBadRequest {
		t.Errorf("missing path: status = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestAPI_ReloadConfig(t *testing.T) {
	t.Parallel()

	r := &fakeReloader{}
	_, srv := newTestServer(t, Deps{Reloader: r, ConfigPath: "/etc/agentgate.yaml"})
	if code := call(t, srv, http.MethodPost, "/api/config/reload", "", nil); code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if paths := r.Paths(); len(paths) != 1 || paths[0] != "/etc/agentgate.yaml" {
		t.Errorf("reloaded = %v", paths)
	}
}

func TestAPI_ReloadConfigRejected(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{Reloader: &fakeReloader{err: errBoom}, ConfigPath: "/etc/agentgate.yaml"})
	var got errorResponse
	if code := call(t, srv, http.MethodPost, "/api/config/reload", "", &got); code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", code, http.StatusUnprocessableEntity)
	}
	if got.Error != errBoom.Error() {
		t.Errorf("error = %q", got.Error)
	}
}

func TestAPI_ReloadUnavailable(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{})
	if code := call(t, srv, http.MethodPost, "/api/config/reload", "", nil); code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d", code, http.StatusNotImplemented)
	}
}

func TestAPI_RequestRateLimit(t *testing.T) {
	t.Parallel()

	limiter := security.NewRateLimiter(security.RateLimitConfig{RequestsPerMin: 2})
	_, srv := newTestServer(t, Deps{RateLimiter: limiter})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = call(t, srv, http.MethodGet, "/api/tools", "", nil)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("codes mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{&policy.ViolationError{DecisionID: "d"}, http.StatusForbidden},
		{fmt.Errorf("%w: x", security.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: %w", trust.ErrCompromised, gate.ErrBinaryChanged), http.StatusConflict},
		{fmt.Errorf("%w: x", gate.ErrUnsupported), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", scheduler.ErrNotExecutable), http.StatusNotFound},
		{errBoom, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
