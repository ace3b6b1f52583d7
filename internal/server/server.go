// Package server exposes the ledger over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/server/handler"
	"github.com/alanyoungcy/lpledger/internal/server/middleware"
	"github.com/alanyoungcy/lpledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit throttles requests per client IP per RateWindow; 0 disables.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Rewards   *handler.RewardHandler
}

// Server is the headless HTTP + WebSocket API for the incentive ledger.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position lifecycle.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/stats", handlers.Positions.GetStats)
	mux.HandleFunc("POST /api/positions/{id}/increase", handlers.Positions.IncreasePosition)
	mux.HandleFunc("POST /api/positions/{id}/withdraw", handlers.Positions.WithdrawPosition)

	// Rewards and claims.
	mux.HandleFunc("GET /api/rewards", handlers.Rewards.ListBalances)
	mux.HandleFunc("POST /api/rewards/claim", handlers.Rewards.Claim)
	mux.HandleFunc("POST /api/rewards/utility", handlers.Rewards.CreditUtility)
	mux.HandleFunc("GET /api/claims", handlers.Rewards.ListClaims)
	mux.HandleFunc("GET /api/claims/{id}", handlers.Rewards.GetClaim)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
