package model

import "time"

// Quote is a latest-price snapshot for one symbol.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Currency      string    `json:"currency"`
	AsOf          time.Time `json:"as_of"`
}

// FxRate is one exchange rate between two currencies.
type FxRate struct {
	Base  string    `json:"base"`
	Quote string    `json:"quote"`
	Rate  float64   `json:"rate"`
	AsOf  time.Time `json:"as_of"`
}

// NewsItem is one article returned by the data provider tool server.
type NewsItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Summary     string    `json:"summary,omitempty"`
}

// IndicatorReport is the analyzer tool server's technical read on a symbol.
// The manager treats the tool result as opaque text; this is the tagged
// shape it is decoded into at the façade boundary.
type IndicatorReport struct {
	Symbol     string             `json:"symbol"`
	Indicators map[string]float64 `json:"indicators"`
	Signal     string             `json:"signal,omitempty"`
	AsOf       time.Time          `json:"as_of"`
}

// BatchQuoteResult pairs one requested symbol with its outcome. Failed
// symbols carry the error message instead of a quote.
type BatchQuoteResult struct {
	Symbol string `json:"symbol"`
	Quote  *Quote `json:"quote,omitempty"`
	Error  string `json:"error,omitempty"`
}
