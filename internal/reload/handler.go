package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flemzord/agentgate/internal/config"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/security"
)

// PolicySetter swaps the active policy. *policy.Engine implements it.
type PolicySetter interface {
	SetPolicy(cfg policy.Config) error
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Policy PolicySetter
	// Level, if set, follows the log_level of each applied config.
	Level  *slog.LevelVar
	Audit  *security.AuditLogger
	Logger *slog.Logger
}

// Handler reloads the configuration and applies the parts that can change
// at runtime: the policy thresholds and rules, and the log level. Other
// sections take effect on restart.
type Handler struct {
	cfg    HandlerConfig
	logger *slog.Logger

	mu      sync.Mutex
	current *config.Config
}

// NewHandler creates a reload handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: logger.With("component", "reload")}
}

// HandleReload loads a fresh config from disk, validates it and applies it.
// An invalid file leaves the running configuration untouched.
func (h *Handler) HandleReload(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		h.audit(configPath, "rejected", err.Error())
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		h.audit(configPath, "rejected", err.Error())
		return fmt.Errorf("validating config: %w", err)
	}
	if err := h.Apply(ctx, cfg); err != nil {
		h.audit(configPath, "rejected", err.Error())
		return err
	}
	h.audit(configPath, "applied", "")
	return nil
}

// Apply installs a pre-loaded, already-validated config.
func (h *Handler) Apply(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before reload: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.Policy != nil {
		if err := h.cfg.Policy.SetPolicy(cfg.Policy); err != nil {
			return fmt.Errorf("applying policy: %w", err)
		}
	}
	if h.cfg.Level != nil {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		h.cfg.Level.Set(level)
	}
	h.current = cfg

	h.logger.Info("configuration reloaded",
		"minimum_trust", cfg.Policy.MinimumTrust.String(),
		"rules", len(cfg.Policy.Rules),
	)
	return nil
}

// Current returns the last applied config, or nil.
func (h *Handler) Current() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Handler) audit(path, outcome, detail string) {
	h.cfg.Audit.Log(security.AuditEvent{
		Type:    security.EventConfigChange,
		Path:    path,
		Outcome: outcome,
		Detail:  detail,
	})
}
