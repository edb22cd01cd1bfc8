package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/probe"
	"github.com/flemzord/agentgate/internal/scheduler"
	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/trust"
)

// errorResponse is the body of every failed API call. Outcome carries
// whatever the pipeline learned before it stopped.
type errorResponse struct {
	Error   string        `json:"error"`
	Outcome *gate.Outcome `json:"outcome,omitempty"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type scanRequest struct {
	Paths []string `json:"paths"`
	Dirs  []string `json:"dirs"`
}

type invocationRequest struct {
	Path    string   `json:"path"`
	Command []string `json:"command"`
	Args    []string `json:"args"`
}

func (g *Gateway) handleTools() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		tools := g.deps.Pipeline.Tools()
		if tools == nil {
			tools = []*descriptor.ToolDescriptor{}
		}
		writeJSON(w, http.StatusOK, tools)
	}
}

func (g *Gateway) handleProbe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pathRequest
		if !g.decode(w, r, &req) {
			return
		}
		path, err := gate.Resolve(req.Path)
		if err != nil {
			g.fail(w, err, nil)
			return
		}
		d, err := g.deps.Pipeline.Probe(r.Context(), path)
		if err != nil {
			g.fail(w, err, nil)
			return
		}
		if d == nil {
			g.fail(w, fmt.Errorf("%w: %s", gate.ErrUnsupported, path), nil)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func (g *Gateway) handleScan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scanRequest
		if !g.decode(w, r, &req) {
			return
		}
		paths := req.Paths
		if len(paths) == 0 {
			dirs := req.Dirs
			if len(dirs) == 0 {
				dirs = g.deps.ScanDirs
			}
			found, err := scheduler.Candidates(dirs)
			if err != nil {
				g.fail(w, err, nil)
				return
			}
			paths = found
		}
		writeJSON(w, http.StatusOK, g.deps.Pipeline.Scan(r.Context(), paths))
	}
}

func (g *Gateway) handleEvaluate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pathRequest
		if !g.decode(w, r, &req) {
			return
		}
		path, err := gate.Resolve(req.Path)
		if err != nil {
			g.fail(w, err, nil)
			return
		}
		// Discovery supplies the declared trust metadata when there is any;
		// the verdict itself is always computed fresh.
		var meta *descriptor.TrustMetadata
		if res, err := g.deps.Pipeline.Discover(r.Context(), path); err == nil && res.Descriptor != nil {
			meta = res.Descriptor.Trust
		}
		writeJSON(w, http.StatusOK, g.deps.Pipeline.Evaluate(r.Context(), path, meta))
	}
}

func (g *Gateway) handleDecide() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invocationRequest
		if !g.decode(w, r, &req) {
			return
		}
		path, err := gate.Resolve(req.Path)
		if err != nil {
			g.fail(w, err, nil)
			return
		}
		out, err := g.deps.Pipeline.Check(r.Context(), gate.Invocation{
			Path:    path,
			Command: req.Command,
			Args:    req.Args,
		})
		var verr *policy.ViolationError
		switch {
		case errors.As(err, &verr):
			// A blocked decision is still a successful answer.
			g.metrics.RecordBlocked()
			writeJSON(w, http.StatusOK, out)
		case err != nil:
			g.fail(w, err, &out)
		default:
			writeJSON(w, http.StatusOK, out)
		}
	}
}

func (g *Gateway) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.History == nil {
			writeError(w, http.StatusNotFound, errors.New("ledger disabled"))
			return
		}
		q, err := historyQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entries, err := g.deps.History.History(r.Context(), q)
		if err != nil {
			g.fail(w, err, nil)
			return
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (g *Gateway) handleEvaluations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.History == nil {
			writeError(w, http.StatusNotFound, errors.New("ledger disabled"))
			return
		}
		path := r.URL.Query().Get("path")
		if path == "" {
			writeError(w, http.StatusBadRequest, errors.New("path is required"))
			return
		}
		limit, err := intParam(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		evals, err := g.deps.History.Evaluations(r.Context(), path, limit)
		if err != nil {
			g.fail(w, err, nil)
			return
		}
		if evals == nil {
			evals = []ledger.Evaluation{}
		}
		writeJSON(w, http.StatusOK, evals)
	}
}

// handleReloadConfig re-reads the configuration file and applies the
// runtime-changeable parts.
func (g *Gateway) handleReloadConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.Reloader == nil || g.deps.ConfigPath == "" {
			writeError(w, http.StatusNotImplemented, errors.New("reload not available"))
			return
		}
		if err := g.deps.Reloader.HandleReload(r.Context(), g.deps.ConfigPath); err != nil {
			g.metrics.RecordError()
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}

func historyQuery(r *http.Request) (ledger.Query, error) {
	v := r.URL.Query()
	q := ledger.Query{Tool: v.Get("tool")}
	if s := v.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("invalid since: %w", err)
		}
		q.Since = since
	}
	if s := v.Get("blocked"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("invalid blocked: %w", err)
		}
		q.OnlyBlocked = b
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return q, err
	}
	q.Limit = limit
	return q, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return n, nil
}

// decode reads and validates a JSON body. It writes the error response
// and returns false on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := g.checkPayload(data); err != nil {
		g.fail(w, err, nil)
		return false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty request body"))
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", security.ErrInvalidJSON, err))
		return false
	}
	return true
}

func (g *Gateway) checkPayload(data []byte) error {
	return security.JSONLimits{MaxBytes: int(g.config.MaxBodyBytes)}.Check(data)
}

// fail maps a pipeline error to a status code and writes it.
func (g *Gateway) fail(w http.ResponseWriter, err error, out *gate.Outcome) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("api request failed", "error", err)
	}
	g.metrics.RecordError()
	writeJSON(w, status, errorResponse{Error: err.Error(), Outcome: out})
}

func statusFor(err error) int {
	var verr *policy.ViolationError
	switch {
	case errors.As(err, &verr):
		return http.StatusForbidden
	case errors.Is(err, security.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, security.ErrJSONTooDeep), errors.Is(err, security.ErrInvalidJSON):
		return http.StatusBadRequest
	case errors.Is(err, security.ErrRestrictedPath):
		return http.StatusForbidden
	case errors.Is(err, security.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gate.ErrBinaryChanged), errors.Is(err, trust.ErrCompromised):
		return http.StatusConflict
	case errors.Is(err, gate.ErrUnsupported),
		errors.Is(err, descriptor.ErrUnknownCommand),
		errors.Is(err, probe.ErrInvalidDescriptor),
		errors.Is(err, probe.ErrOutputTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, probe.ErrProbeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, scheduler.ErrNotExecutable):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
