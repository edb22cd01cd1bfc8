package gateway

import (
	"net/http"
	"time"

	"github.com/flemzord/agentgate/internal/policy"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Version     string          `json:"version,omitempty"`
	Uptime      int64           `json:"uptime_seconds"`
	Metrics     MetricsSnapshot `json:"metrics"`
	CachedTools int             `json:"cached_tools"`
	Policy      *policy.Config  `json:"policy,omitempty"`
	ConfigPath  string          `json:"config_path,omitempty"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		startedAt := g.startedAt
		g.mu.Unlock()

		resp := StatusResponse{
			Version:     g.deps.Version,
			Uptime:      int64(time.Since(startedAt).Seconds()),
			Metrics:     g.metrics.Snapshot(),
			CachedTools: len(g.deps.Pipeline.Tools()),
			ConfigPath:  g.deps.ConfigPath,
		}
		if g.deps.Policy != nil {
			p := g.deps.Policy.Policy()
			resp.Policy = &p
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
