// Package http provides the HTTP/JSON transport layer for priorq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	POST   /push
//	POST   /pop
//	POST   /ack
//	POST   /pop_ack
//	GET    /count
//	GET    /failed
//	POST   /failed/erase
//	POST   /ping
//	GET    /health
//	GET    /ws
//	POST   /subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /metrics
//
// JSON request and response bodies map 1:1 onto the broker API. /pop and
// /pop_ack long-poll for up to wait_ms milliseconds and answer 204 when no
// message became available.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/mkarel/priorq/internal/broker"
	"github.com/mkarel/priorq/internal/config"
	"github.com/mkarel/priorq/internal/consumer"
	"github.com/mkarel/priorq/internal/metrics"
	transportws "github.com/mkarel/priorq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with priorq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around a Broker.
// cm may be nil (disables webhook subscriptions); reg may be nil (disables
// the /metrics endpoint and request counters).
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cm *consumer.Manager, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{broker: b, consumer: cm}
	ws := &transportws.Handler{Broker: b}

	mux := http.NewServeMux()

	// Queue API
	mux.HandleFunc("POST /push", h.push)
	mux.HandleFunc("POST /pop", h.pop)
	mux.HandleFunc("POST /ack", h.ack)
	mux.HandleFunc("POST /pop_ack", h.popAck)
	mux.HandleFunc("GET /count", h.count)
	mux.HandleFunc("GET /failed", h.failed)
	mux.HandleFunc("POST /failed/erase", h.eraseFailed)
	mux.HandleFunc("POST /ping", h.ping)

	// Health
	mux.HandleFunc("GET /health", h.health)

	// WebSocket push
	mux.Handle("GET /ws", ws)

	// Webhook subscriptions
	mux.HandleFunc("POST /subscriptions", h.createSubscription)
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// Metrics (Prometheus text format)
	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: CORS → body cap → logging → metrics → auth → rate limit
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler: handler,
			// /pop long-polls for up to a minute; the write timeout must
			// outlast it.
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
