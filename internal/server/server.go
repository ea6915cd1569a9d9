package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/metrics"
	"github.com/alanyoungcy/tradehook/internal/server/handler"
	"github.com/alanyoungcy/tradehook/internal/server/middleware"
	"github.com/alanyoungcy/tradehook/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps webhook requests per client IP and RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Webhook   *handler.WebhookHandler
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Accounts  *handler.AccountHandler
	Admin     *handler.AdminHandler
}

// Server is the HTTP + WebSocket front of the signal router.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter and wsHub
// may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, limiter, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	auth := middleware.Auth(cfg.APIKey)

	// Operator endpoints, all behind the API key.
	api := http.NewServeMux()
	api.HandleFunc("GET /status", handlers.Status.GetStatus)
	api.HandleFunc("GET /api/monitor", handlers.Status.GetMonitor)
	api.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	api.HandleFunc("GET /api/positions/{account}/{symbol}/{strategy}", handlers.Positions.GetPosition)
	api.HandleFunc("GET /api/events", handlers.Positions.ListEvents)
	api.HandleFunc("GET /api/accounts", handlers.Accounts.ListAccounts)
	api.HandleFunc("POST /api/accounts/{name}/enable", handlers.Accounts.EnableAccount)
	api.HandleFunc("POST /api/accounts/{name}/disable", handlers.Accounts.DisableAccount)
	api.HandleFunc("GET /api/symbols", handlers.Accounts.ListSymbols)
	api.HandleFunc("POST /api/sync_positions", handlers.Admin.SyncPositions)
	api.HandleFunc("POST /api/prices/{symbol}", handlers.Admin.SetPrice)
	api.HandleFunc("GET /api/prices", handlers.Admin.ListPrices)
	api.HandleFunc("GET /api/audit", handlers.Admin.ListAudit)
	api.HandleFunc("GET /api/archive", handlers.Admin.ListArchive)

	mux := http.NewServeMux()
	mux.Handle("/api/", auth(api))
	mux.Handle("GET /status", auth(api))

	// The webhook authenticates by passphrase and is rate limited instead.
	webhook := middleware.RateLimit(limiter, "webhook", cfg.RateLimit, cfg.RateWindow, logger)
	mux.Handle("POST /webhook", webhook(http.HandlerFunc(handlers.Webhook.HandleWebhook)))

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())
	if wsHub != nil {
		mux.Handle("GET /ws", auth(http.HandlerFunc(wsHub.HandleWS)))
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
