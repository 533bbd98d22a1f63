package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// HandlerConfig configures the HTTP surface in front of the Gateway.
type HandlerConfig struct {
	// ReadLimit caps the size of one inbound frame. Zero keeps the
	// websocket library default.
	ReadLimit int64

	// AllowedOrigins lists accepted Origin patterns. Empty allows any
	// origin.
	AllowedOrigins []string

	// AdmissionRate and AdmissionBurst throttle upgrade attempts across the
	// process. A non-positive rate disables throttling.
	AdmissionRate  rate.Limit
	AdmissionBurst int
}

// ClientCounter reports the number of registered clients.
type ClientCounter interface {
	ClientCount() int
}

// NewHandler returns the gateway's HTTP router. serverCtx bounds every
// connection served through it.
func NewHandler(serverCtx context.Context, g *Gateway, clients ClientCounter, cfg HandlerConfig) http.Handler {
	limit := cfg.AdmissionRate
	if limit <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, cfg.AdmissionBurst)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", wsHandler(serverCtx, g, limiter, cfg))
	r.Get("/health", healthHandler(clients))
	return r
}

// wsHandler upgrades the request and serves the connection until it closes.
func wsHandler(serverCtx context.Context, g *Gateway, limiter *rate.Limiter, cfg HandlerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			slog.Warn("connection attempt throttled", "peer", r.RemoteAddr)
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.AllowedOrigins,
			// Allow connections from any origin when no patterns are set.
			InsecureSkipVerify: len(cfg.AllowedOrigins) == 0,
		})
		if err != nil {
			slog.Error("websocket accept error",
				"peer", r.RemoteAddr,
				"error", err,
			)
			return
		}
		if cfg.ReadLimit > 0 {
			conn.SetReadLimit(cfg.ReadLimit)
		}

		g.Serve(serverCtx, conn, r.RemoteAddr)
	}
}

// healthHandler returns the current health status of the gateway,
// including goroutine count and active connection count.
func healthHandler(clients ClientCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]int{
			"goroutines":  runtime.NumGoroutine(),
			"connections": clients.ClientCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}
