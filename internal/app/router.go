// Package app wires the diagnostics HTTP surface (healthz/readyz/metrics)
// that runs alongside every CLI mode.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feedpulse/signalpipe/internal/adapter/observability"
	"github.com/feedpulse/signalpipe/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty or "*" input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildDiagnosticsRouter constructs the /healthz, /readyz, /metrics handler
// run alongside the worker/scheduler process.
func BuildDiagnosticsRouter(cfg config.Config, ready ReadinessChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ready.ReadyzHandler())
	return r
}
