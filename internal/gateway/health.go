package gateway

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"` // "ok" or "degraded"
	Version string `json:"version,omitempty"`
	Ledger  string `json:"ledger,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when the ledger answers, 503 otherwise.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: g.deps.Version,
		}

		if g.deps.History != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := g.deps.History.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Ledger = err.Error()
			} else {
				resp.Ledger = "ok"
			}
		}

		status := http.StatusOK
		if resp.Status == "degraded" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
