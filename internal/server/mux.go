// Package server provides HTTP server construction for order-sync.
package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusFunc reports whether the daemon is healthy and a summary to show.
type StatusFunc func() (healthy bool, body any)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Events     http.Handler
	MCPHandler http.Handler
	Health     StatusFunc

	// Guard wraps /events and /mcp. Nil leaves them open. /healthz is
	// never guarded.
	Guard func(http.Handler) http.Handler
}

// NewMux builds the HTTP mux with the change feed, MCP and health
// endpoints.
func NewMux(cfg MuxConfig) *http.ServeMux {
	guard := cfg.Guard
	if guard == nil {
		guard = func(h http.Handler) http.Handler { return h }
	}

	mux := http.NewServeMux()
	mux.Handle("/events", guard(cfg.Events))
	mux.Handle("/mcp", guard(cfg.MCPHandler))
	mux.HandleFunc("GET /healthz", healthHandler(cfg.Health))

	return mux
}

func healthHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		healthy, body := true, any(map[string]string{"status": "ok"})
		if status != nil {
			healthy, body = status()
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// New wraps a handler in an http.Server with the timeouts the daemon uses.
// WriteTimeout stays zero so /events and streamed MCP responses are not
// cut off.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
