// Package prompt asks a human at the terminal to approve commands the
// policy engine blocked.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/flemzord/agentgate/internal/policy"
)

// askFunc shows one yes/no question and returns the answer.
type askFunc func(ctx context.Context, title, description string) (bool, error)

// Config configures a Confirmer.
type Config struct {
	Input  io.Reader
	Output io.Writer
	// Accessible renders plain prompts without the TUI.
	Accessible bool
	Logger     *slog.Logger
}

// Confirmer implements policy.Confirmer with an interactive form.
type Confirmer struct {
	ask    askFunc
	logger *slog.Logger
}

var _ policy.Confirmer = (*Confirmer)(nil)

// New creates a Confirmer reading from cfg.Input (default stdin) and
// drawing on cfg.Output (default stderr).
func New(cfg Config) *Confirmer {
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmer{
		ask:    huhAsk(cfg),
		logger: logger.With("component", "prompt"),
	}
}

// Interactive reports whether f is attached to a terminal.
func Interactive(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func huhAsk(cfg Config) askFunc {
	return func(ctx context.Context, title, description string) (bool, error) {
		var ok bool
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Run").
				Negative("Deny").
				Value(&ok),
		)).
			WithInput(cfg.Input).
			WithOutput(cfg.Output).
			WithAccessible(cfg.Accessible)
		if err := form.RunWithContext(ctx); err != nil {
			return false, err
		}
		return ok, nil
	}
}

// Confirm implements policy.Confirmer. Aborting the form is a denial.
func (c *Confirmer) Confirm(ctx context.Context, cc policy.ConfirmationContext) (bool, error) {
	ok, err := c.ask(ctx, Title(cc), Describe(cc))
	switch {
	case errors.Is(err, huh.ErrUserAborted):
		c.logger.Info("confirmation aborted", "decision", cc.DecisionID)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("prompt: %w", err)
	}
	c.logger.Info("confirmation answered", "decision", cc.DecisionID, "approved", ok)
	return ok, nil
}

// Title is the question shown for cc.
func Title(cc policy.ConfirmationContext) string {
	cmd := strings.Join(append([]string{cc.Tool}, cc.Command...), " ")
	return fmt.Sprintf("Run %q despite %d policy violation(s)?", cmd, len(cc.Reasons))
}

// Describe lists everything the user needs to decide: the tool, its
// version, its trust verdict and every violation.
func Describe(cc policy.ConfirmationContext) string {
	var b strings.Builder
	tool := cc.Tool
	if cc.Version != "" {
		tool += " " + cc.Version
	}
	fmt.Fprintf(&b, "Tool:    %s\n", tool)
	if len(cc.Args) > 0 {
		fmt.Fprintf(&b, "Args:    %s\n", strings.Join(cc.Args, " "))
	}
	fmt.Fprintf(&b, "Trust:   %s", cc.Verdict.Level)
	if cc.Verdict.Degraded {
		b.WriteString(" (degraded)")
	}
	if cc.Verdict.Reason != "" {
		fmt.Fprintf(&b, ", %s", cc.Verdict.Reason)
	}
	b.WriteByte('\n')
	if cc.Trust != nil {
		fmt.Fprintf(&b, "Source:  %s\n", cc.Trust.Source)
	}
	b.WriteString("Violations:\n")
	for _, v := range cc.Reasons {
		fmt.Fprintf(&b, "  - [%s] %s\n", v.Kind, v.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}
