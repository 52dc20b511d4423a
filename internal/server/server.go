// Package server is the ops HTTP API: engine status, positions, orders,
// manual cancel and resume, the event log and a live event WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/server/handler"
	"github.com/alanyoungcy/tradebot/internal/server/middleware"
	"github.com/alanyoungcy/tradebot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AuthToken   string // if empty, authentication is disabled
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit int
}

// Handlers aggregates the HTTP handlers the server registers. Events, Audit
// and Hub are optional.
type Handlers struct {
	Health *handler.HealthHandler
	Engine *handler.EngineHandler
	Events *handler.EventsHandler
	Audit  *handler.AuditHandler
	Hub    *ws.Hub
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/status", handlers.Engine.GetStatus)
	mux.HandleFunc("GET /api/positions", handlers.Engine.ListPositions)
	mux.HandleFunc("GET /api/orders", handlers.Engine.ListOrders)
	mux.HandleFunc("POST /api/orders/{id}/cancel", handlers.Engine.CancelOrder)
	mux.HandleFunc("POST /api/engine/resume", handlers.Engine.Resume)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}
	if handlers.Hub != nil {
		mux.HandleFunc("GET /ws", handlers.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.AuthToken, "/healthz")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Second, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.RequestID(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
