package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flemzord/agentgate/internal/security"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public, no auth required.
	r.Get("/health", g.handleHealth())
	if g.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", g.deps.Metrics)
	}

	// API endpoints, auth required. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(g.authenticate)
			r.Use(g.rateLimit(security.LimitRequest))
			r.Use(g.countRequests)
			r.Get("/status", g.handleStatus())
			r.Route("/api", func(r chi.Router) {
				r.Get("/tools", g.handleTools())
				r.Post("/probe", g.handleProbe())
				r.Post("/scan", g.handleScan())
				r.Post("/evaluate", g.handleEvaluate())
				r.Post("/decide", g.handleDecide())
				r.Get("/history", g.handleHistory())
				r.Get("/evaluations", g.handleEvaluations())
				r.Post("/config/reload", g.handleReloadConfig())
			})
			r.With(g.rateLimit(security.LimitExec)).Get("/ws/run", g.handleRunSocket())
		})
	}

	return r
}

func (g *Gateway) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.metrics.RecordRequest()
		next.ServeHTTP(w, r)
	})
}
