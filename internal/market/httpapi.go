package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/model"
)

// quotePayload is the latest-quote upstream's JSON shape.
type quotePayload struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Currency      string  `json:"currency"`
	Timestamp     int64   `json:"timestamp"`
}

// fxPayload is the FX-rate upstream's JSON shape.
type fxPayload struct {
	Base      string  `json:"base"`
	Quote     string  `json:"quote"`
	Rate      float64 `json:"rate"`
	Timestamp int64   `json:"timestamp"`
}

func (s *Service) fetchQuote(ctx context.Context, symbol string) (model.Quote, error) {
	u := fmt.Sprintf("%s/v1/quote?symbol=%s", s.cfg.QuoteBaseURL, url.QueryEscape(symbol))

	var payload quotePayload
	if err := s.getJSON(ctx, u, "symbol "+symbol, &payload); err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		Symbol:        payload.Symbol,
		Price:         payload.Price,
		Change:        payload.Change,
		ChangePercent: payload.ChangePercent,
		Currency:      payload.Currency,
		AsOf:          time.Unix(payload.Timestamp, 0).UTC(),
	}, nil
}

func (s *Service) fetchFxRate(ctx context.Context, base, quote string) (model.FxRate, error) {
	u := fmt.Sprintf("%s/v1/rates?base=%s&quote=%s",
		s.cfg.FxBaseURL, url.QueryEscape(base), url.QueryEscape(quote))

	var payload fxPayload
	if err := s.getJSON(ctx, u, fmt.Sprintf("pair %s/%s", base, quote), &payload); err != nil {
		return model.FxRate{}, err
	}
	return model.FxRate{
		Base:  payload.Base,
		Quote: payload.Quote,
		Rate:  payload.Rate,
		AsOf:  time.Unix(payload.Timestamp, 0).UTC(),
	}, nil
}

// getJSON performs one GET and maps the response onto the error taxonomy:
// 404 is a not-found, 429 a rate limit carrying the Retry-After hint, other
// non-2xx an upstream failure.
func (s *Service) getJSON(ctx context.Context, u, subject string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return faults.Internal("build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Let the timeout wrapper report the budget, not the
			// transport noise.
			return ctx.Err()
		}
		return faults.Upstream("fetch "+subject, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return faults.NotFound(subject + " not found")
	case resp.StatusCode == http.StatusTooManyRequests:
		return faults.RateLimited("upstream throttled fetching "+subject, retryAfter(resp))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return faults.Upstream(
			fmt.Sprintf("fetch %s: upstream returned %d: %s", subject, resp.StatusCode, body), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return faults.Upstream("decode "+subject, err)
	}
	return nil
}

// retryAfter parses the Retry-After header (seconds form), defaulting to a
// minute when absent or malformed.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
