// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Upstream HTTP providers.
	QuoteBaseURL string
	FxBaseURL    string
	FetchTimeout time.Duration // per-attempt budget for one upstream call

	// Tool server subprocesses. Each command is a full command line;
	// an empty value disables that server.
	DataProviderCommand []string
	AnalyzerCommand     []string
	ConnectTimeout      time.Duration
	HealthInterval      time.Duration
	ProbeTimeout        time.Duration

	// Cache settings per data category.
	QuoteCacheSize     int
	QuoteTTL           time.Duration
	QuoteStaleTTL      time.Duration
	FxCacheSize        int
	FxTTL              time.Duration
	FxStaleTTL         time.Duration
	NewsCacheSize      int
	NewsTTL            time.Duration
	NewsStaleTTL       time.Duration
	IndicatorCacheSize int
	IndicatorTTL       time.Duration
	IndicatorStaleTTL  time.Duration

	// Retry settings for upstream fetches.
	RetryMaxRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration

	// Circuit breaker settings, shared by all upstream breakers.
	BreakerFailureThreshold  int
	BreakerResetTimeout      time.Duration
	BreakerHalfOpenSuccesses int

	// BatchConcurrency bounds parallel symbol fetches in batch quote requests.
	BatchConcurrency int

	// Rate limiting for public market-data routes.
	RateLimitRPS   float64 // sustained requests per second per client IP; 0 disables
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                     envInt("INVEST_PORT", 8080),
		ReadTimeout:              envDuration("INVEST_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:             envDuration("INVEST_WRITE_TIMEOUT", 30*time.Second),
		QuoteBaseURL:             envStr("INVEST_QUOTE_BASE_URL", "http://localhost:9101"),
		FxBaseURL:                envStr("INVEST_FX_BASE_URL", "http://localhost:9102"),
		FetchTimeout:             envDuration("INVEST_FETCH_TIMEOUT", 10*time.Second),
		DataProviderCommand:      envCmd("INVEST_DATA_PROVIDER_CMD", ""),
		AnalyzerCommand:          envCmd("INVEST_ANALYZER_CMD", ""),
		ConnectTimeout:           envDuration("INVEST_CONNECT_TIMEOUT", 30*time.Second),
		HealthInterval:           envDuration("INVEST_HEALTH_INTERVAL", 10*time.Second),
		ProbeTimeout:             envDuration("INVEST_PROBE_TIMEOUT", 5*time.Second),
		QuoteCacheSize:           envInt("INVEST_QUOTE_CACHE_SIZE", 500),
		QuoteTTL:                 envDuration("INVEST_QUOTE_TTL", 1*time.Minute),
		QuoteStaleTTL:            envDuration("INVEST_QUOTE_STALE_TTL", 5*time.Minute),
		FxCacheSize:              envInt("INVEST_FX_CACHE_SIZE", 100),
		FxTTL:                    envDuration("INVEST_FX_TTL", 5*time.Minute),
		FxStaleTTL:               envDuration("INVEST_FX_STALE_TTL", 30*time.Minute),
		NewsCacheSize:            envInt("INVEST_NEWS_CACHE_SIZE", 200),
		NewsTTL:                  envDuration("INVEST_NEWS_TTL", 10*time.Minute),
		NewsStaleTTL:             envDuration("INVEST_NEWS_STALE_TTL", 1*time.Hour),
		IndicatorCacheSize:       envInt("INVEST_INDICATOR_CACHE_SIZE", 200),
		IndicatorTTL:             envDuration("INVEST_INDICATOR_TTL", 5*time.Minute),
		IndicatorStaleTTL:        envDuration("INVEST_INDICATOR_STALE_TTL", 30*time.Minute),
		RetryMaxRetries:          envInt("INVEST_RETRY_MAX", 3),
		RetryBaseDelay:           envDuration("INVEST_RETRY_BASE_DELAY", 100*time.Millisecond),
		RetryMaxDelay:            envDuration("INVEST_RETRY_MAX_DELAY", 5*time.Second),
		BreakerFailureThreshold:  envInt("INVEST_BREAKER_FAILURES", 5),
		BreakerResetTimeout:      envDuration("INVEST_BREAKER_RESET", 30*time.Second),
		BreakerHalfOpenSuccesses: envInt("INVEST_BREAKER_HALF_OPEN_SUCCESSES", 2),
		BatchConcurrency:         envInt("INVEST_BATCH_CONCURRENCY", 5),
		RateLimitRPS:             envFloat("INVEST_RATE_LIMIT_RPS", 10),
		RateLimitBurst:           envInt("INVEST_RATE_LIMIT_BURST", 20),
		OTELEndpoint:             envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:             envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:              envStr("OTEL_SERVICE_NAME", "investd"),
		LogLevel:                 envStr("INVEST_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:      int64(envInt("INVEST_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: INVEST_PORT must be in (0, 65535]")
	}
	if c.QuoteBaseURL == "" {
		return fmt.Errorf("config: INVEST_QUOTE_BASE_URL is required")
	}
	if c.FxBaseURL == "" {
		return fmt.Errorf("config: INVEST_FX_BASE_URL is required")
	}
	if c.RetryMaxRetries < 0 {
		return fmt.Errorf("config: INVEST_RETRY_MAX must be non-negative")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("config: INVEST_BREAKER_FAILURES must be positive")
	}
	if c.BreakerHalfOpenSuccesses <= 0 {
		return fmt.Errorf("config: INVEST_BREAKER_HALF_OPEN_SUCCESSES must be positive")
	}
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("config: INVEST_BATCH_CONCURRENCY must be positive")
	}
	for _, cc := range []struct {
		name string
		size int
		ttl  time.Duration
	}{
		{"QUOTE", c.QuoteCacheSize, c.QuoteTTL},
		{"FX", c.FxCacheSize, c.FxTTL},
		{"NEWS", c.NewsCacheSize, c.NewsTTL},
		{"INDICATOR", c.IndicatorCacheSize, c.IndicatorTTL},
	} {
		if cc.size <= 0 {
			return fmt.Errorf("config: INVEST_%s_CACHE_SIZE must be positive", cc.name)
		}
		if cc.ttl <= 0 {
			return fmt.Errorf("config: INVEST_%s_TTL must be positive", cc.name)
		}
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: INVEST_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envCmd splits a command line on whitespace. An empty value yields nil.
func envCmd(key, defaultVal string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = defaultVal
	}
	return strings.Fields(v)
}
