// Package market is the service façade over the resilience substrate: every
// read composes a per-category cache with retry, timeout, and circuit
// breaking around the underlying fetch: HTTP upstreams for quotes and FX,
// tool servers for news and technical indicators.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/cache"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/model"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/resilience"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/toolserver"
)

// symbolPattern accepts plain tickers plus exchange-suffixed ones like
// "005930.KS".
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,11}$`)

// ToolCaller is the slice of the connection manager the façade uses.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// Config holds the façade's upstream endpoints and resilience parameters.
type Config struct {
	// QuoteBaseURL and FxBaseURL are the HTTP upstreams (no trailing
	// slash). Tests point these at an httptest.Server.
	QuoteBaseURL string
	FxBaseURL    string

	// FetchTimeout bounds one upstream HTTP attempt.
	FetchTimeout time.Duration

	// Retry is applied around each HTTP fetch.
	Retry resilience.RetryConfig

	// Breaker configures the per-upstream circuit breakers.
	Breaker resilience.BreakerConfig

	// BatchConcurrency caps parallel symbol lookups in GetQuotes.
	BatchConcurrency int

	// Cache TTL policy per data category.
	QuoteCache     cache.Config
	FxCache        cache.Config
	NewsCache      cache.Config
	IndicatorCache cache.Config
}

// Service composes Cache + Retry + Timeout + CircuitBreaker + the tool
// server manager per request. Construct with New and release with Close.
type Service struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	tools  ToolCaller

	quotes     *cache.Cache[model.Quote]
	fx         *cache.Cache[model.FxRate]
	news       *cache.Cache[[]model.NewsItem]
	indicators *cache.Cache[model.IndicatorReport]

	quoteBreaker *resilience.Breaker
	fxBreaker    *resilience.Breaker
}

// New creates the façade. tools is typically *toolserver.Manager.
func New(cfg Config, tools ToolCaller, logger *slog.Logger) *Service {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 5
	}

	quoteBreakerCfg := cfg.Breaker
	quoteBreakerCfg.Name = "quotes"
	fxBreakerCfg := cfg.Breaker
	fxBreakerCfg.Name = "fx"

	return &Service{
		cfg:          cfg,
		logger:       logger,
		client:       &http.Client{},
		tools:        tools,
		quotes:       cache.New[model.Quote](cfg.QuoteCache, logger),
		fx:           cache.New[model.FxRate](cfg.FxCache, logger),
		news:         cache.New[[]model.NewsItem](cfg.NewsCache, logger),
		indicators:   cache.New[model.IndicatorReport](cfg.IndicatorCache, logger),
		quoteBreaker: resilience.NewBreaker(quoteBreakerCfg),
		fxBreaker:    resilience.NewBreaker(fxBreakerCfg),
	}
}

// Close stops the cache sweep loops.
func (s *Service) Close() {
	s.quotes.Close()
	s.fx.Close()
	s.news.Close()
	s.indicators.Close()
}

// GetQuote returns the latest quote for symbol, from cache when possible.
func (s *Service) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if !symbolPattern.MatchString(symbol) {
		return model.Quote{}, faults.Validation("invalid symbol %q", symbol)
	}
	return s.quotes.GetOrSet(ctx, "quote:"+symbol, func(ctx context.Context) (model.Quote, error) {
		return fetchGuarded(ctx, s.cfg.Retry, s.quoteBreaker, s.cfg.FetchTimeout, "quote "+symbol,
			func(ctx context.Context) (model.Quote, error) {
				return s.fetchQuote(ctx, symbol)
			})
	})
}

// GetQuotes looks up many symbols with bounded concurrency. Per-symbol
// failures are reported in the result rows, not as a call failure.
func (s *Service) GetQuotes(ctx context.Context, symbols []string) ([]model.BatchQuoteResult, error) {
	if len(symbols) == 0 {
		return nil, faults.Validation("no symbols given")
	}

	results, err := resilience.FanOut(ctx, symbols,
		resilience.FanOutConfig{Concurrency: s.cfg.BatchConcurrency, ContinueOnError: true},
		func(ctx context.Context, symbol string) (model.Quote, error) {
			return s.GetQuote(ctx, symbol)
		})
	if err != nil {
		return nil, err
	}

	out := make([]model.BatchQuoteResult, len(symbols))
	for i, r := range results {
		out[i] = model.BatchQuoteResult{Symbol: symbols[i]}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			continue
		}
		q := r.Value
		out[i].Quote = &q
	}
	return out, nil
}

// GetFxRate returns the exchange rate between two ISO currency codes.
func (s *Service) GetFxRate(ctx context.Context, base, quote string) (model.FxRate, error) {
	if len(base) != 3 || len(quote) != 3 {
		return model.FxRate{}, faults.Validation("currency codes must be 3 letters, got %q/%q", base, quote)
	}
	key := fmt.Sprintf("fx:%s:%s", base, quote)
	return s.fx.GetOrSet(ctx, key, func(ctx context.Context) (model.FxRate, error) {
		return fetchGuarded(ctx, s.cfg.Retry, s.fxBreaker, s.cfg.FetchTimeout, "fx "+base+"/"+quote,
			func(ctx context.Context) (model.FxRate, error) {
				return s.fetchFxRate(ctx, base, quote)
			})
	})
}

// GetNews returns recent articles for symbol via the data provider tool
// server.
func (s *Service) GetNews(ctx context.Context, symbol string) ([]model.NewsItem, error) {
	if !symbolPattern.MatchString(symbol) {
		return nil, faults.Validation("invalid symbol %q", symbol)
	}
	return s.news.GetOrSet(ctx, "news:"+symbol, func(ctx context.Context) ([]model.NewsItem, error) {
		raw, err := s.tools.CallTool(ctx, "dataProvider", "get_news", map[string]any{
			"symbol": symbol,
		})
		if err != nil {
			return nil, err
		}
		var items []model.NewsItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, faults.Upstream("decode news payload", err)
		}
		return items, nil
	})
}

// GetIndicators returns the analyzer tool server's technical read on symbol.
func (s *Service) GetIndicators(ctx context.Context, symbol string) (model.IndicatorReport, error) {
	if !symbolPattern.MatchString(symbol) {
		return model.IndicatorReport{}, faults.Validation("invalid symbol %q", symbol)
	}
	return s.indicators.GetOrSet(ctx, "indicators:"+symbol, func(ctx context.Context) (model.IndicatorReport, error) {
		raw, err := s.tools.CallTool(ctx, "analyzer", "get_technical_indicators", map[string]any{
			"symbol": symbol,
		})
		if err != nil {
			return model.IndicatorReport{}, err
		}
		var report model.IndicatorReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			return model.IndicatorReport{}, faults.Upstream("decode indicator payload", err)
		}
		return report, nil
	})
}

// fetchGuarded wraps one upstream fetch in the standard retry → breaker →
// timeout stack. A circuit-open rejection is terminal for the retry loop,
// so an open breaker fails fast instead of burning attempts.
func fetchGuarded[T any](ctx context.Context, retry resilience.RetryConfig, breaker *resilience.Breaker, timeout time.Duration, label string, fetch func(ctx context.Context) (T, error)) (T, error) {
	return resilience.Retry(ctx, retry, func(ctx context.Context) (T, error) {
		var value T
		err := breaker.Do(ctx, func(ctx context.Context) error {
			v, err := resilience.WithTimeout(ctx, timeout, label, fetch)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		return value, err
	})
}

// CacheStats exposes per-category cache statistics for the status endpoint.
func (s *Service) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"quotes":     s.quotes.Stats(),
		"fx":         s.fx.Stats(),
		"news":       s.news.Stats(),
		"indicators": s.indicators.Stats(),
	}
}

// BreakerSnapshots exposes the circuit breaker states for the status
// endpoint.
func (s *Service) BreakerSnapshots() []resilience.BreakerSnapshot {
	return []resilience.BreakerSnapshot{
		s.quoteBreaker.Snapshot(),
		s.fxBreaker.Snapshot(),
	}
}

var _ ToolCaller = (*toolserver.Manager)(nil)
