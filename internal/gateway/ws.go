package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/security"
)

// FrameType identifies a message sent over /ws/run.
type FrameType string

// Frames sent by the server. A run ends with exactly one of result,
// blocked or error, then a normal close.
const (
	FrameStdout  FrameType = "stdout"
	FrameStderr  FrameType = "stderr"
	FrameResult  FrameType = "result"
	FrameBlocked FrameType = "blocked"
	FrameError   FrameType = "error"
)

// RunRequest is the first and only message a client sends on /ws/run.
type RunRequest struct {
	Path    string   `json:"path"`
	Command []string `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
	Stdin   string   `json:"stdin,omitempty"`
	// Timeout is a Go duration string such as "30s".
	Timeout string `json:"timeout,omitempty"`
}

// Frame is the wire format of every server message.
type Frame struct {
	Type    FrameType     `json:"type"`
	Data    string        `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
	Outcome *gate.Outcome `json:"outcome,omitempty"`
}

// handleRunSocket streams one approved execution. The decision is taken
// before anything is spawned; a blocked decision ends the stream with a
// blocked frame.
func (g *Gateway) handleRunSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Error("websocket accept failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusInternalError, "unexpected close")
		}()
		conn.SetReadLimit(g.config.MaxBodyBytes)

		inv, err := g.readRunRequest(r.Context(), conn)
		if err != nil {
			g.metrics.RecordError()
			g.sendFrame(r.Context(), conn, Frame{Type: FrameError, Error: err.Error()})
			_ = conn.Close(websocket.StatusPolicyViolation, "invalid run request")
			return
		}

		c, _ := callerFrom(r.Context())
		g.logger.Info("run requested", "caller", c.String(), "path", inv.Path, "command", inv.Command)

		// The client sends nothing more; a close from its side cancels the run.
		ctx := conn.CloseRead(r.Context())
		stdout := &frameWriter{ctx: ctx, g: g, conn: conn, kind: FrameStdout}
		stderr := &frameWriter{ctx: ctx, g: g, conn: conn, kind: FrameStderr}
		inv.Exec.StdoutSink = stdout
		inv.Exec.StderrSink = stderr

		out, err := g.deps.Pipeline.DiscoverAndMaybeRun(ctx, inv)
		stdout.Flush()
		stderr.Flush()
		var verr *policy.ViolationError
		switch {
		case errors.As(err, &verr):
			g.metrics.RecordBlocked()
			g.sendFrame(ctx, conn, Frame{Type: FrameBlocked, Error: err.Error(), Outcome: &out})
		case err != nil && out.Result == nil:
			g.metrics.RecordError()
			g.sendFrame(ctx, conn, Frame{Type: FrameError, Error: err.Error(), Outcome: &out})
		default:
			g.metrics.RecordRun(out.Result.Duration)
			f := Frame{Type: FrameResult, Outcome: &out}
			if err != nil {
				f.Error = err.Error()
			}
			g.sendFrame(ctx, conn, f)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (g *Gateway) readRunRequest(ctx context.Context, conn *websocket.Conn) (gate.Invocation, error) {
	readCtx, cancel := context.WithTimeout(ctx, g.config.ReadTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return gate.Invocation{}, fmt.Errorf("read run request: %w", err)
	}
	if err := g.checkPayload(data); err != nil {
		return gate.Invocation{}, err
	}
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return gate.Invocation{}, fmt.Errorf("%w: %v", security.ErrInvalidJSON, err)
	}
	path, err := gate.Resolve(req.Path)
	if err != nil {
		return gate.Invocation{}, err
	}
	inv := gate.Invocation{
		Path:    path,
		Command: req.Command,
		Args:    req.Args,
		Exec:    executor.Options{Dir: req.Dir},
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			return gate.Invocation{}, fmt.Errorf("invalid timeout %q", req.Timeout)
		}
		inv.Exec.Timeout = d
	}
	if req.Stdin != "" {
		inv.Exec.Stdin = strings.NewReader(req.Stdin)
	}
	return inv, nil
}

func (g *Gateway) sendFrame(ctx context.Context, conn *websocket.Conn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		g.logger.Error("marshal frame failed", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		g.logger.Warn("write frame failed", "type", f.Type, "error", err)
	}
}

// maxPendingLine bounds how much of an unterminated line a stream holds
// back before sending it anyway.
const maxPendingLine = 64 << 10

// frameWriter forwards output as frames of whole lines, so redaction never
// sees a secret cut in two by the pipe. Flush sends what is left.
type frameWriter struct {
	ctx     context.Context
	g       *Gateway
	conn    *websocket.Conn
	kind    FrameType
	pending lineBuffer
}

func (w *frameWriter) Write(p []byte) (int, error) {
	if out, ok := w.pending.push(p); ok {
		w.send(out)
	}
	return len(p), nil
}

// Flush sends any held back partial line.
func (w *frameWriter) Flush() {
	if out, ok := w.pending.drain(); ok {
		w.send(out)
	}
}

func (w *frameWriter) send(data string) {
	if w.g.deps.Redactor != nil {
		data = w.g.deps.Redactor.Redact(data)
	}
	w.g.sendFrame(w.ctx, w.conn, Frame{Type: w.kind, Data: data})
}

// lineBuffer splits a byte stream at the last newline seen.
type lineBuffer struct {
	buf []byte
	max int
}

// push appends p and returns everything up to and including the last
// newline. A line longer than the limit is released whole.
func (b *lineBuffer) push(p []byte) (string, bool) {
	b.buf = append(b.buf, p...)
	limit := b.max
	if limit <= 0 {
		limit = maxPendingLine
	}
	i := bytes.LastIndexByte(b.buf, '\n')
	if i < 0 {
		if len(b.buf) < limit {
			return "", false
		}
		return b.drain()
	}
	out := string(b.buf[:i+1])
	b.buf = append(b.buf[:0], b.buf[i+1:]...)
	return out, true
}

func (b *lineBuffer) drain() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	out := string(b.buf)
	b.buf = b.buf[:0]
	return out, true
}
