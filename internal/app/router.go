// Package app assembles the HTTP router from configuration and handlers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/config"
)

// NewRouter wires middleware and routes. ready reports backend health for the
// readiness probe; nil means always ready.
func NewRouter(cfg config.Config, srv *httpserver.Server, ready func() error) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.Recoverer())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/workflow", func(r chi.Router) {
		// Mutating endpoints share a per-IP budget; status and stream do not.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			r.Post("/start", srv.StartWorkflow)
			r.Post("/kill/{userID}", srv.StopWorkflow)
		})
		r.Get("/status/{userID}", srv.WorkflowStatus)
		r.Get("/stream/{userID}", srv.StreamWorkflow)
	})

	r.Route("/tracker", func(r chi.Router) {
		r.Get("/applications/{userID}", srv.ListApplications)
		r.Get("/applications/{userID}/{jobID}", srv.GetApplication)
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			r.Post("/applications/{userID}/{jobID}/retry", srv.RetryApplication)
			r.Delete("/applications/{userID}", srv.ClearApplications)
		})
	})

	return r
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
