package security

import (
	"encoding/json"
	"io"
	"maps"
	"sync"
	"time"
)

// EventType names a step of the pipeline that was audited.
type EventType string

const (
	EventProbe        EventType = "probe"
	EventScan         EventType = "scan"
	EventEvaluate     EventType = "evaluate"
	EventDecision     EventType = "decision"
	EventConfirmation EventType = "confirmation"
	EventExec         EventType = "exec"
	EventAuthSuccess  EventType = "auth_success"
	EventAuthFailure  EventType = "auth_failure"
	EventConfigChange EventType = "config_change"
	EventRateLimit    EventType = "rate_limit"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	DecisionID string            `json:"decision_id,omitempty"`
	Tool       string            `json:"tool,omitempty"`
	Path       string            `json:"path,omitempty"`
	Command    string            `json:"command,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditLoggerConfig configures an AuditLogger.
type AuditLoggerConfig struct {
	// Writer receives one JSON object per line. Nil writes nothing.
	Writer io.Writer
	// Redactor scrubs Command, Detail and Metadata values.
	Redactor *Redactor
	// OnEvent observes every event after redaction, in log order.
	OnEvent func(AuditEvent)
	Now     func() time.Time
}

// AuditLogger appends events to a JSONL stream. Events are numbered from 1
// in the order they are written. A nil *AuditLogger discards everything.
type AuditLogger struct {
	redactor *Redactor
	onEvent  func(AuditEvent)
	now      func() time.Time

	mu      sync.Mutex
	enc     *json.Encoder
	seq     uint64
	dropped int64
}

// NewAuditLogger returns a logger for cfg.
func NewAuditLogger(cfg AuditLoggerConfig) *AuditLogger {
	l := &AuditLogger{redactor: cfg.Redactor, onEvent: cfg.OnEvent, now: cfg.Now}
	if l.now == nil {
		l.now = time.Now
	}
	if cfg.Writer != nil {
		l.enc = json.NewEncoder(cfg.Writer)
	}
	return l
}

// Log stamps, scrubs and records ev. The caller's Metadata map is left
// untouched.
func (l *AuditLogger) Log(ev AuditEvent) {
	if l == nil {
		return
	}
	ev = l.scrub(ev)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	ev.Seq = l.seq
	ev.Timestamp = l.now().UTC()
	if l.onEvent != nil {
		l.onEvent(ev)
	}
	if l.enc != nil && l.enc.Encode(ev) != nil {
		l.dropped++
	}
}

func (l *AuditLogger) scrub(ev AuditEvent) AuditEvent {
	if l.redactor == nil {
		ev.Metadata = maps.Clone(ev.Metadata)
		return ev
	}
	ev.Command = l.redactor.Redact(ev.Command)
	ev.Detail = l.redactor.Redact(ev.Detail)
	if ev.Metadata != nil {
		clean := make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			clean[k] = l.redactor.Redact(v)
		}
		ev.Metadata = clean
	}
	return ev
}

// WriteErrors returns how many events failed to reach the writer.
func (l *AuditLogger) WriteErrors() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
