// Package executor runs approved commands as bounded subprocesses: a
// literal argument vector, a wall-clock timeout that kills the whole process
// group, per-stream output caps and an optional streaming mode. Run adds the
// post-processing step (secret redaction, length cut) callers see.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/flemzord/agentgate/internal/security"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxOutputBytes  = 1 << 20
	DefaultMaxResultLength = 64 << 10
	DefaultWaitDelay       = 250 * time.Millisecond
)

// Runner is the subset of Executor used by components that spawn helper
// processes (the prober, the signature toolchain). Tests substitute it to
// count spawns.
type Runner interface {
	Exec(ctx context.Context, argv []string, opts Options) (Result, error)
}

// Config holds executor-wide settings.
type Config struct {
	DefaultTimeout  time.Duration
	MaxOutputBytes  int
	MaxResultLength int

	// WaitDelay bounds how long output pipes are drained after the process
	// group is killed.
	WaitDelay time.Duration

	// Redactor is applied by Run. A nil Redactor gets the built-in patterns.
	Redactor *security.Redactor

	// Credentials, when set, are scrubbed from the subprocess environment.
	Credentials *security.CredentialStore
	// Env selects the parent variables a tool sees.
	Env security.EnvFilter

	Logger *slog.Logger
}

// Options customizes a single invocation.
type Options struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Dir            string

	// Env is appended to the sanitized parent environment.
	Env []string
	// InheritEnv passes the parent environment through unsanitized.
	InheritEnv bool

	Stdin io.Reader

	// Shell runs argv[0] as a sh -c script with the remaining elements
	// appended as escaped arguments.
	Shell bool

	// RaiseOnTimeout returns a *TimeoutError alongside the result.
	RaiseOnTimeout bool

	// StdoutSink and StderrSink receive output chunks as they arrive.
	StdoutSink io.Writer
	StderrSink io.Writer
}

// Result is the outcome of one invocation. It is never mutated after it is
// returned.
type Result struct {
	Command         []string      `json:"command"`
	ExitCode        int           `json:"exitCode"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	Duration        time.Duration `json:"duration"`
	StdoutTruncated bool          `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool          `json:"stderrTruncated,omitempty"`
	TimedOut        bool          `json:"timedOut,omitempty"`

	// Set by Filter.
	Redacted  bool `json:"redacted,omitempty"`
	Truncated bool `json:"truncated,omitempty"`
}

// Success reports a zero exit status without timeout.
func (r Result) Success() bool { return r.ExitCode == 0 && !r.TimedOut }

// Executor runs subprocesses. It is safe for concurrent use.
type Executor struct {
	cfg      Config
	redactor *security.Redactor
	logger   *slog.Logger
}

// New creates an Executor, filling zero Config fields with defaults.
func New(cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.MaxResultLength <= 0 {
		cfg.MaxResultLength = DefaultMaxResultLength
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	redactor := cfg.Redactor
	if redactor == nil {
		redactor = security.NewRedactor()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		redactor: redactor,
		logger:   logger.With("component", "executor"),
	}
}

// Exec runs argv and returns the raw captured result. A non-zero exit or a
// timeout is reported on the Result, not as an error. Errors are returned
// for an empty argv, a failed spawn (ErrSpawn, ExitCode -1), cancellation of
// ctx, and timeouts when RaiseOnTimeout is set.
func (e *Executor) Exec(ctx context.Context, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Result{ExitCode: -1}, ErrEmptyCommand
	}

	command := argv
	if opts.Shell {
		command = shellCommand(argv)
	}
	res := Result{Command: append([]string(nil), command...), ExitCode: -1}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = max(remaining, 0)
		}
	}
	limit := opts.MaxOutputBytes
	if limit <= 0 {
		limit = e.cfg.MaxOutputBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // argv is an approved literal vector, never shell-interpreted unless Shell is set.
	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	configureProcess(cmd)
	cmd.WaitDelay = e.cfg.WaitDelay
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	if opts.InheritEnv {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	} else {
		cmd.Env = append(e.cfg.Env.Apply(os.Environ(), e.cfg.Credentials), opts.Env...)
	}

	stdout := newCappedWriter(limit, opts.StdoutSink)
	stderr := newCappedWriter(limit, opts.StderrSink)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Duration = time.Since(start)
		return res, fmt.Errorf("%w: %s: %v", ErrSpawn, command[0], err)
	}
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)

	res.Stdout, res.StdoutTruncated = stdout.String(), stdout.truncated
	res.Stderr, res.StderrTruncated = stderr.String(), stderr.truncated
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	for _, w := range []*cappedWriter{stdout, stderr} {
		if w.sinkErr != nil {
			e.logger.Warn("output sink detached", "command", command[0], "error", w.sinkErr)
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return res, fmt.Errorf("executor: %s: %w", command[0], ctx.Err())
	}
	if runCtx.Err() != nil {
		res.TimedOut = true
		e.logger.Warn("command timed out",
			"command", command[0],
			"elapsed", res.Duration.Round(time.Millisecond),
			"timeout", timeout)
		if opts.RaiseOnTimeout {
			return res, &TimeoutError{Command: res.Command, Elapsed: res.Duration, Limit: timeout}
		}
		return res, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		e.logger.Debug("wait failed", "command", command[0], "error", waitErr)
	}
	e.logger.Debug("command finished",
		"command", command[0],
		"exit_code", res.ExitCode,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// Run executes argv and applies Filter to the result.
func (e *Executor) Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	res, err := e.Exec(ctx, argv, opts)
	return e.Filter(res), err
}

func shellCommand(argv []string) []string {
	var b strings.Builder
	b.WriteString(argv[0])
	for _, arg := range argv[1:] {
		b.WriteByte(' ')
		b.WriteString(security.EscapeShellArg(arg))
	}
	return []string{"/bin/sh", "-c", b.String()}
}
