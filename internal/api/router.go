package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the database check in /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/actions", func(r chi.Router) {
			r.Get("/", s.handleListActions)
			// Action names contain slashes, e.g. unit/system/ssh.service/restart.
			r.Post("/*", s.handleExecuteAction)
		})

		r.Get("/history", s.handleListHistory)
	})

	return r
}

// handleHealth returns 200 when the broker connection is up and the
// database (if configured) answers, otherwise 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"mqtt": "ok"}
	healthy := true

	if !s.bridge.Snapshot().Connected {
		checks["mqtt"] = "disconnected"
		healthy = false
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		checks["database"] = "ok"
		if err := s.db.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}

// handleStatus returns the bridge snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Snapshot())
}
