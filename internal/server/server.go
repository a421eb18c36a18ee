package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/market"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/ratelimit"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/toolserver"
)

// Server is the investd HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter.
type ServerConfig struct {
	// Required dependencies.
	Market  *market.Service
	Manager *toolserver.Manager
	Logger  *slog.Logger

	// Optional dependencies. A nil Limiter means no enforcement
	// (NoopLimiter).
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Market:              cfg.Market,
		Manager:             cfg.Manager,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Market-data routes share one per-IP limit. Admin and health routes
	// are exempt.
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	marketRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Market data (rate limited by IP).
	mux.Handle("GET /v1/quotes/{symbol}", marketRL(http.HandlerFunc(h.HandleGetQuote)))
	mux.Handle("POST /v1/quotes:batch", marketRL(http.HandlerFunc(h.HandleBatchQuotes)))
	mux.Handle("GET /v1/fx/{base}/{quote}", marketRL(http.HandlerFunc(h.HandleGetFxRate)))
	mux.Handle("GET /v1/news/{symbol}", marketRL(http.HandlerFunc(h.HandleGetNews)))
	mux.Handle("GET /v1/indicators/{symbol}", marketRL(http.HandlerFunc(h.HandleGetIndicators)))

	// Operational surface (no rate limit).
	mux.HandleFunc("GET /v1/status", h.HandleStatus)
	mux.HandleFunc("POST /v1/servers/reconnect", h.HandleReconnectAll)
	mux.HandleFunc("POST /v1/servers/{name}/reconnect", h.HandleReconnect)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
