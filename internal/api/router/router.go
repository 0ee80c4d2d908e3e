package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Pinger reports storage liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports broker connectivity.
type BrokerStatus interface {
	IsConnected() bool
}

// Config holds the ops router dependencies. This worker exposes no business
// API, only health and metrics surfaces for the platform.
type Config struct {
	DB             Pinger
	Broker         BrokerStatus
	MetricsHandler http.Handler
}

// New creates the operational HTTP handler.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		checks := map[string]string{}

		if cfg.DB != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.DB.Ping(ctx); err != nil {
				checks["database"] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				checks["database"] = "ok"
			}
		}
		if cfg.Broker != nil {
			if cfg.Broker.IsConnected() {
				checks["broker"] = "ok"
			} else {
				checks["broker"] = "disconnected"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	})

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
