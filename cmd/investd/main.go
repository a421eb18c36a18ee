package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/cache"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/config"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/market"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/ratelimit"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/resilience"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/server"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/telemetry"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/toolserver"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("INVEST_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("investd starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Spawn and supervise the tool server subprocesses. Connect failures
	// are logged, not fatal: the daemon still serves HTTP-backed data and
	// the health loop keeps retrying.
	manager := toolserver.New(toolserver.Config{
		Servers:        toolServers(cfg),
		ConnectTimeout: cfg.ConnectTimeout,
		HealthInterval: cfg.HealthInterval,
		ProbeTimeout:   cfg.ProbeTimeout,
	}, logger)
	manager.Start(ctx)
	defer manager.Shutdown()

	svc := market.New(market.Config{
		QuoteBaseURL: cfg.QuoteBaseURL,
		FxBaseURL:    cfg.FxBaseURL,
		FetchTimeout: cfg.FetchTimeout,
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.RetryMaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			Backoff:    true,
			MaxDelay:   cfg.RetryMaxDelay,
			Jitter:     true,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold:  cfg.BreakerFailureThreshold,
			ResetTimeout:      cfg.BreakerResetTimeout,
			HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
		},
		BatchConcurrency: cfg.BatchConcurrency,
		QuoteCache:       cache.Config{MaxSize: cfg.QuoteCacheSize, TTL: cfg.QuoteTTL, StaleTTL: cfg.QuoteStaleTTL},
		FxCache:          cache.Config{MaxSize: cfg.FxCacheSize, TTL: cfg.FxTTL, StaleTTL: cfg.FxStaleTTL},
		NewsCache:        cache.Config{MaxSize: cfg.NewsCacheSize, TTL: cfg.NewsTTL, StaleTTL: cfg.NewsStaleTTL},
		IndicatorCache:   cache.Config{MaxSize: cfg.IndicatorCacheSize, TTL: cfg.IndicatorTTL, StaleTTL: cfg.IndicatorStaleTTL},
	}, manager, logger)
	defer svc.Close()

	// Register OTEL gauges (after telemetry.Init).
	if err := svc.RegisterMetrics(); err != nil {
		logger.Warn("market metrics registration failed", "error", err)
	}
	if err := manager.RegisterMetrics(); err != nil {
		logger.Warn("toolserver metrics registration failed", "error", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
	}

	srv := server.New(server.ServerConfig{
		Market:              svc,
		Manager:             manager,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones, then the deferred manager.Shutdown reaps the tool
	// server subprocesses.
	slog.Info("investd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	return nil
}

// toolServers builds the supervised server list from configured command
// lines. Servers without a command are omitted rather than spawned broken.
func toolServers(cfg config.Config) []toolserver.ServerConfig {
	var servers []toolserver.ServerConfig
	if len(cfg.DataProviderCommand) > 0 {
		servers = append(servers, toolserver.ServerConfig{
			Name:    "dataProvider",
			Command: cfg.DataProviderCommand[0],
			Args:    cfg.DataProviderCommand[1:],
			Env:     os.Environ(),
		})
	}
	if len(cfg.AnalyzerCommand) > 0 {
		servers = append(servers, toolserver.ServerConfig{
			Name:    "analyzer",
			Command: cfg.AnalyzerCommand[0],
			Args:    cfg.AnalyzerCommand[1:],
			Env:     os.Environ(),
		})
	}
	return servers
}
