package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/cache"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/market"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/model"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/ratelimit"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/resilience"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/toolserver"
)

// scriptedClient answers tool calls from a canned tool-name → JSON map.
type scriptedClient struct {
	responses map[string]string
}

func (c *scriptedClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (c *scriptedClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, ok := c.responses[req.Params.Name]
	if !ok {
		res := &mcp.CallToolResult{IsError: true}
		res.Content = []mcp.Content{mcp.TextContent{Type: "text", Text: "unknown tool"}}
		return res, nil
	}
	res := &mcp.CallToolResult{}
	res.Content = []mcp.Content{mcp.TextContent{Type: "text", Text: text}}
	return res, nil
}

func (c *scriptedClient) Close() error { return nil }

type testEnv struct {
	server  *Server
	manager *toolserver.Manager
	market  *market.Service
}

func quoteUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "MISSING" {
			http.Error(w, "no such symbol", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol": symbol, "price": 187.32, "change": 1.2,
			"change_percent": 0.64, "currency": "USD",
			"timestamp": time.Now().Unix(),
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func fxUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"base": r.URL.Query().Get("base"), "quote": r.URL.Query().Get("quote"),
			"rate": 1385.2, "timestamp": time.Now().Unix(),
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	news := `[{"title":"Earnings beat","url":"https://example.com/a","source":"wire","published_at":"2026-08-25T09:00:00Z"}]`
	indicators := `{"symbol":"AAPL","indicators":{"rsi":61.5,"macd":0.8},"signal":"buy","as_of":"2026-08-25T09:00:00Z"}`

	dial := func(_ context.Context, cfg toolserver.ServerConfig) (toolserver.Client, error) {
		switch cfg.Name {
		case "dataProvider":
			return &scriptedClient{responses: map[string]string{"get_news": news}}, nil
		default:
			return &scriptedClient{responses: map[string]string{"get_technical_indicators": indicators}}, nil
		}
	}

	manager := toolserver.New(toolserver.Config{
		Servers: []toolserver.ServerConfig{
			{Name: "dataProvider", Command: "unused"},
			{Name: "analyzer", Command: "unused"},
		},
		HealthInterval: time.Hour,
		Dial:           dial,
	}, logger)
	manager.Start(context.Background())
	t.Cleanup(manager.Shutdown)

	cacheCfg := cache.Config{MaxSize: 64, TTL: time.Minute, StaleTTL: time.Minute, SweepInterval: time.Hour}
	svc := market.New(market.Config{
		QuoteBaseURL:   quoteUpstream(t).URL,
		FxBaseURL:      fxUpstream(t).URL,
		FetchTimeout:   2 * time.Second,
		Retry:          resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond},
		Breaker:        resilience.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Second, HalfOpenSuccesses: 1},
		QuoteCache:     cacheCfg,
		FxCache:        cacheCfg,
		NewsCache:      cacheCfg,
		IndicatorCache: cacheCfg,
	}, manager, logger)
	t.Cleanup(svc.Close)

	srv := New(ServerConfig{
		Market:              svc,
		Manager:             manager,
		Logger:              logger,
		Limiter:             limiter,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	return &testEnv{server: srv, manager: manager, market: svc}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Data map[string]any     `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Meta.RequestID)
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestGetQuote(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/quotes/aapl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	data := decodeData(t, rec)
	assert.Equal(t, "AAPL", data["symbol"])
	assert.Equal(t, 187.32, data["price"])
}

func TestGetQuoteInvalidSymbol(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/quotes/_bad_", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := decodeError(t, rec)
	assert.Equal(t, "VALIDATION", detail.Code)
	assert.False(t, detail.CanRetry)
}

func TestGetQuoteNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/quotes/MISSING", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	detail := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", detail.Code)
	assert.False(t, detail.CanRetry)
}

func TestBatchQuotes(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/quotes:batch", `{"symbols":["AAPL","MISSING","MSFT"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	results, ok := data["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)

	first := results[0].(map[string]any)
	assert.Equal(t, "AAPL", first["symbol"])
	assert.NotNil(t, first["quote"])

	second := results[1].(map[string]any)
	assert.Equal(t, "MISSING", second["symbol"])
	assert.Nil(t, second["quote"])
	assert.NotEmpty(t, second["error"])
}

func TestBatchQuotesValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/quotes:batch", `{"symbols":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/v1/quotes:batch", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	many := make([]string, maxBatchSymbols+1)
	for i := range many {
		many[i] = fmt.Sprintf("S%d", i)
	}
	body, _ := json.Marshal(map[string]any{"symbols": many})
	rec = env.do(t, "POST", "/v1/quotes:batch", string(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFxRate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/fx/usd/krw", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "USD", data["base"])
	assert.Equal(t, "KRW", data["quote"])
	assert.Equal(t, 1385.2, data["rate"])
}

func TestGetNews(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/news/AAPL", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	items, ok := data["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "Earnings beat", items[0].(map[string]any)["title"])
}

func TestGetIndicators(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/indicators/AAPL", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "AAPL", data["symbol"])
	assert.Equal(t, "buy", data["signal"])
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "test", data["version"])

	servers, ok := data["servers"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, servers, "dataProvider")
	assert.Contains(t, servers, "analyzer")
	assert.Contains(t, data, "caches")
	assert.Contains(t, data, "breakers")
}

func TestReconnectServer(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/servers/dataProvider/reconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "dataProvider", data["server"])
	assert.Equal(t, true, data["connected"])
}

func TestReconnectUnknownServer(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/servers/nope/reconnect", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestReconnectAllServers(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/servers/reconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	results, ok := data["results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, results["dataProvider"])
	assert.Equal(t, true, results["analyzer"])
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeData(t, rec)["status"])
}

func TestRateLimitOnMarketRoutes(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, limiter)

	rec := env.do(t, "GET", "/v1/quotes/AAPL", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/v1/quotes/AAPL", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Operational routes are exempt.
	rec = env.do(t, "GET", "/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/healthz", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))

	var resp struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fixed-id", resp.Meta.RequestID)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/quotes/AAPL", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL", decodeError(t, rec).Code)
}
