package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/server/handler"
	"github.com/q0821/fundingarb/internal/server/middleware"
	"github.com/q0821/fundingarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health        *handler.HealthHandler
	Rates         *handler.RatesHandler
	Opportunities *handler.OpportunityHandler
	Positions     *handler.PositionHandler
	Groups        *handler.GroupHandler
	Trades        *handler.TradeHandler
	Validation    *handler.ValidationHandler
}

// Server is the headless HTTP + WebSocket API for the funding-rate engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, auth, logging, CORS) and attaches
// the WebSocket hub. limiter may be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Live normalized funding rates.
	mux.HandleFunc("GET /api/rates", handlers.Rates.ListRates)
	mux.HandleFunc("GET /api/rates/{symbol}", handlers.Rates.GetRate)

	// Opportunity endpoints.
	mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.ListOpportunities)
	mux.HandleFunc("GET /api/opportunities/history", handlers.Opportunities.ListHistory)
	mux.HandleFunc("GET /api/opportunities/{id}", handlers.Opportunities.GetOpportunity)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
	mux.HandleFunc("GET /api/positions/history", handlers.Positions.ListPositionHistory)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/estimate", handlers.Positions.EstimateClose)
	mux.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
	mux.HandleFunc("POST /api/positions/{id}/mark-closed", handlers.Positions.MarkClosed)

	// Position-group endpoints.
	mux.HandleFunc("GET /api/groups/{id}", handlers.Groups.GetGroup)
	mux.HandleFunc("POST /api/groups/{id}/close", handlers.Groups.BatchClose)
	mux.HandleFunc("POST /api/groups/{id}/mark-closed", handlers.Groups.MarkGroupClosed)

	// Closed-trade endpoints.
	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)
	mux.HandleFunc("GET /api/trades/summary", handlers.Trades.TradeSummary)

	// Interval validation endpoints.
	mux.HandleFunc("GET /api/validation/mismatches", handlers.Validation.ListMismatches)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply rate limiting (skips if disabled or no limiter provided).
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
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
