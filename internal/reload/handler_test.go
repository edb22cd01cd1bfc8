package reload

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/flemzord/agentgate/internal/config"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/security/securitytest"
	"github.com/flemzord/agentgate/internal/trust"
)

type fakePolicy struct {
	applied []policy.Config
	err     error
}

func (f *fakePolicy) SetPolicy(cfg policy.Config) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, cfg)
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandler_HandleReload_FileNotFound(t *testing.T) {
	t.Parallel()

	audit, events := securitytest.NewTestAuditLogger()
	h := NewHandler(HandlerConfig{Policy: &fakePolicy{}, Audit: audit})

	if err := h.HandleReload(context.Background(), "/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
	got := events()
	if len(got) != 1 || got[0].Type != security.EventConfigChange || got[0].Outcome != "rejected" {
		t.Errorf("audit = %+v", got)
	}
}

func TestHandler_HandleReload_InvalidConfig(t *testing.T) {
	t.Parallel()

	p := &fakePolicy{}
	h := NewHandler(HandlerConfig{Policy: p})
	path := writeConfig(t, "version: \"1\"\nscan:\n  workers: -2\n")

	if err := h.HandleReload(context.Background(), path); err == nil {
		t.Fatal("expected validation error")
	}
	if len(p.applied) != 0 {
		t.Error("invalid config must not reach the policy engine")
	}
	if h.Current() != nil {
		t.Error("invalid config must not become current")
	}
}

func TestHandler_HandleReload_AppliesPolicyAndLevel(t *testing.T) {
	t.Parallel()

	p := &fakePolicy{}
	level := new(slog.LevelVar)
	audit, events := securitytest.NewTestAuditLogger()
	h := NewHandler(HandlerConfig{Policy: p, Level: level, Audit: audit})
	path := writeConfig(t, "version: \"1\"\nlog_level: debug\npolicy:\n  allow_network: true\n  minimum_trust: unverified\n")

	if err := h.HandleReload(context.Background(), path); err != nil {
		t.Fatalf("HandleReload: %v", err)
	}
	if len(p.applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(p.applied))
	}
	if !p.applied[0].AllowNetwork || p.applied[0].MinimumTrust != trust.Unverified {
		t.Errorf("policy = %+v", p.applied[0])
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if h.Current() == nil || h.Current().LogLevel != "debug" {
		t.Error("current config not recorded")
	}
	if got := events(); len(got) != 1 || got[0].Outcome != "applied" {
		t.Errorf("audit = %+v", got)
	}
}

func TestHandler_Apply_PolicyRejected(t *testing.T) {
	t.Parallel()

	p := &fakePolicy{err: errors.New("bad rule")}
	h := NewHandler(HandlerConfig{Policy: p})
	if err := h.Apply(context.Background(), config.Default()); err == nil {
		t.Fatal("expected error")
	}
	if h.Current() != nil {
		t.Error("rejected config must not become current")
	}
}

func TestHandler_Apply_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := NewHandler(HandlerConfig{Policy: &fakePolicy{}})
	if err := h.Apply(ctx, config.Default()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestHandler_Apply_RealEngine(t *testing.T) {
	t.Parallel()

	engine, err := policy.NewEngine(policy.EngineConfig{Policy: policy.DefaultConfig()})
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(HandlerConfig{Policy: engine})
	cfg := config.Default()
	cfg.Policy.AllowDestructive = true
	if err := h.Apply(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if !engine.Policy().AllowDestructive {
		t.Error("engine did not receive the new policy")
	}
}
