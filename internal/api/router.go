package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the database ping behind /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus exposition
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/ws", s.handleWebSocket)
		r.Get("/audit", s.handleListAuditLogs)

		r.Route("/lockers", func(r chi.Router) {
			r.Get("/", s.handleListLockers)
			r.Post("/", s.handleCreateLocker)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetLocker)
				r.Patch("/", s.handleUpdateLocker)
				r.Delete("/", s.handleDeleteLocker)
				r.Post("/connect", s.handleConnectLocker)
				r.Post("/disconnect", s.handleDisconnectLocker)
				r.Post("/refresh", s.handleRefreshLocker)

				r.Get("/boxes", s.handleListBoxes)
				r.Route("/boxes/{box_id}", func(r chi.Router) {
					r.Post("/unlock", s.handleUnlockBox)
					r.Post("/fill", s.handleFillBox)
				})
			})
		})

		r.Route("/boxes/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetBox)
			r.Patch("/", s.handleUpdateBox)
			r.Get("/history", s.handleBoxHistory)
			r.Post("/pickup", s.handlePickupBox)
		})
	})

	return r
}

// handleHealth returns the server health status. The store is pinged; a
// disconnected transport degrades the status but is not fatal.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	checks := map[string]string{}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if s.mqtt != nil {
		if s.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "ok" {
				status = "degraded"
			}
		}
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}
