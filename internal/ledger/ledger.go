// Package ledger persists trust evaluations, policy decisions and executions
// in SQLite so past activity can be reviewed. It uses modernc.org/sqlite
// (pure Go, no CGO) in WAL mode.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/trust"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Ledger is safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens or creates the ledger database at cfg.Path and migrates its
// schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Ledger, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, errors.New("ledger: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ledger: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", cfg.Path, err)
	}

	// SQLite handles one writer at a time; limit pool to 1 connection
	// so PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)

	if cfg.walEnabled() {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ledger: enable WAL: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set busy_timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Ledger{db: db, path: cfg.Path, logger: logger.With("component", "ledger")}
	l.logger.Info("ledger opened", "path", cfg.Path, "wal", cfg.walEnabled())
	return l, nil
}

// DefaultPath returns the ledger location under dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, defaultDBFile)
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Ping checks that the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger: ping failed: %w", err)
	}
	return nil
}

// RecordEvaluation stores a trust verdict.
func (l *Ledger) RecordEvaluation(ctx context.Context, path string, r trust.Result) error {
	at := r.EvaluatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO evaluations (path, content_hash, level, reason, recommendation, source,
		                         hash_matched, signature_verified, provenance_verified, degraded, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		path, r.ContentHash, r.Level.String(), r.Reason, r.Recommendation.String(), r.Source.String(),
		boolInt(r.HashMatched), boolInt(r.SignatureVerified), boolInt(r.ProvenanceVerified), boolInt(r.Degraded),
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("ledger: record evaluation: %w", err)
	}
	return nil
}

// RecordDecision stores a policy decision with the verdict it was based on.
func (l *Ledger) RecordDecision(ctx context.Context, d policy.Decision, v trust.Result) error {
	command, err := json.Marshal(nonNil(d.Command))
	if err != nil {
		return fmt.Errorf("ledger: marshal command: %w", err)
	}
	violations, err := json.Marshal(nonNil(d.Violations))
	if err != nil {
		return fmt.Errorf("ledger: marshal violations: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO decisions (id, tool, command, allowed, requires_confirmation, confirmed,
		                       confirm_error, violations, trust_level, content_hash, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		d.ID, d.Tool, string(command), boolInt(d.Allowed), boolInt(d.RequiresConfirmation), boolInt(d.Confirmed),
		d.ConfirmError, string(violations), v.Level.String(), v.ContentHash, formatTime(d.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("ledger: record decision: %w", err)
	}
	return nil
}

// RecordExecution stores the outcome of a command run under decisionID.
func (l *Ledger) RecordExecution(ctx context.Context, decisionID string, r executor.Result, runErr error) error {
	command, err := json.Marshal(nonNil(r.Command))
	if err != nil {
		return fmt.Errorf("ledger: marshal command: %w", err)
	}
	var errText string
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO executions (decision_id, command, exit_code, duration_ms, timed_out, truncated, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decisionID, string(command), r.ExitCode, r.Duration.Milliseconds(),
		boolInt(r.TimedOut), boolInt(r.Truncated || r.StdoutTruncated || r.StderrTruncated), errText,
	)
	if err != nil {
		return fmt.Errorf("ledger: record execution: %w", err)
	}
	return nil
}

// Execution is a recorded run.
type Execution struct {
	Command  []string      `json:"command"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timedOut,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Entry is one decision with the runs made under it.
type Entry struct {
	DecisionID           string             `json:"decisionId"`
	Tool                 string             `json:"tool"`
	Command              []string           `json:"command,omitempty"`
	Allowed              bool               `json:"allowed"`
	RequiresConfirmation bool               `json:"requiresConfirmation"`
	Confirmed            bool               `json:"confirmed"`
	ConfirmError         string             `json:"confirmError,omitempty"`
	Violations           []policy.Violation `json:"violations,omitempty"`
	TrustLevel           string             `json:"trustLevel"`
	ContentHash          string             `json:"contentHash,omitempty"`
	DecidedAt            time.Time          `json:"decidedAt"`
	Executions           []Execution        `json:"executions,omitempty"`
}

// Query filters History. Zero fields match everything.
type Query struct {
	Tool        string
	Since       time.Time
	OnlyBlocked bool
	Limit       int
}

// History returns decisions, newest first, with their executions.
func (l *Ledger) History(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, q.Tool)
	}
	if !q.Since.IsZero() {
		where = append(where, "decided_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if q.OnlyBlocked {
		where = append(where, "allowed = 0")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT id, tool, command, allowed, requires_confirmation, confirmed, confirm_error,
		violations, trust_level, content_hash, decided_at FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY decided_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: history rows: %w", err)
	}

	for i := range entries {
		execs, err := l.executions(ctx, entries[i].DecisionID)
		if err != nil {
			return nil, err
		}
		entries[i].Executions = execs
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                   Entry
		command, violations string
		decidedAt           string
		allowed, confirmed  int
		requiresConfirm     int
	)
	if err := rows.Scan(&e.DecisionID, &e.Tool, &command, &allowed, &requiresConfirm, &confirmed,
		&e.ConfirmError, &violations, &e.TrustLevel, &e.ContentHash, &decidedAt); err != nil {
		return Entry{}, fmt.Errorf("ledger: scan decision: %w", err)
	}
	e.Allowed = allowed != 0
	e.RequiresConfirmation = requiresConfirm != 0
	e.Confirmed = confirmed != 0
	if err := json.Unmarshal([]byte(command), &e.Command); err != nil {
		return Entry{}, fmt.Errorf("ledger: decode command: %w", err)
	}
	if err := json.Unmarshal([]byte(violations), &e.Violations); err != nil {
		return Entry{}, fmt.Errorf("ledger: decode violations: %w", err)
	}
	at, err := time.Parse(timeLayout, decidedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: decode decided_at: %w", err)
	}
	e.DecidedAt = at
	return e, nil
}

func (l *Ledger) executions(ctx context.Context, decisionID string) ([]Execution, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT command, exit_code, duration_ms, timed_out, error
		FROM executions WHERE decision_id = ? ORDER BY id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		var (
			x        Execution
			command  string
			ms       int64
			timedOut int
		)
		if err := rows.Scan(&command, &x.ExitCode, &ms, &timedOut, &x.Error); err != nil {
			return nil, fmt.Errorf("ledger: scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(command), &x.Command); err != nil {
			return nil, fmt.Errorf("ledger: decode execution command: %w", err)
		}
		x.Duration = time.Duration(ms) * time.Millisecond
		x.TimedOut = timedOut != 0
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: execution rows: %w", err)
	}
	return out, nil
}

// Evaluation is a recorded trust verdict.
type Evaluation struct {
	Path        string    `json:"path"`
	ContentHash string    `json:"contentHash,omitempty"`
	Level       string    `json:"level"`
	Reason      string    `json:"reason"`
	Degraded    bool      `json:"degraded,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Evaluations returns the verdicts recorded for path, newest first.
func (l *Ledger) Evaluations(ctx context.Context, path string, limit int) ([]Evaluation, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT path, content_hash, level, reason, degraded, evaluated_at
		FROM evaluations WHERE path = ?
		ORDER BY evaluated_at DESC, id DESC LIMIT ?`, path, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Evaluation
	for rows.Next() {
		var (
			ev       Evaluation
			degraded int
			at       string
		)
		if err := rows.Scan(&ev.Path, &ev.ContentHash, &ev.Level, &ev.Reason, &degraded, &at); err != nil {
			return nil, fmt.Errorf("ledger: scan evaluation: %w", err)
		}
		ev.Degraded = degraded != 0
		if ev.EvaluatedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("ledger: decode evaluated_at: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: evaluation rows: %w", err)
	}
	return out, nil
}

// Prune deletes evaluations and decisions recorded before cutoff, along with
// the executions of those decisions. It returns the number of rows removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before := formatTime(cutoff)
	var total int64
	for _, stmt := range []string{
		`DELETE FROM executions WHERE decision_id IN (SELECT id FROM decisions WHERE decided_at < ?)`,
		`DELETE FROM decisions WHERE decided_at < ?`,
		`DELETE FROM evaluations WHERE evaluated_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, before)
		if err != nil {
			return 0, fmt.Errorf("ledger: prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: prune commit: %w", err)
	}
	if total > 0 {
		l.logger.Info("ledger pruned", "rows", total, "before", before)
	}
	return total, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
