package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/market"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/toolserver"
)

// maxBatchSymbols bounds one batch quote request. Larger portfolios are
// expected to page.
const maxBatchSymbols = 50

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	market              *market.Service
	manager             *toolserver.Manager
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Market              *market.Service
	Manager             *toolserver.Manager
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		market:              d.Market,
		manager:             d.Manager,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleGetQuote handles GET /v1/quotes/{symbol}.
func (h *Handlers) HandleGetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	quote, err := h.market.GetQuote(r.Context(), symbol)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, quote)
}

type batchQuotesRequest struct {
	Symbols []string `json:"symbols"`
}

// HandleBatchQuotes handles POST /v1/quotes:batch. Per-symbol failures are
// reported inline so one bad symbol never sinks the whole portfolio refresh.
func (h *Handlers) HandleBatchQuotes(w http.ResponseWriter, r *http.Request) {
	var req batchQuotesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, faults.KindValidation.String(), "invalid request body: "+err.Error())
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, r, http.StatusBadRequest, faults.KindValidation.String(), "symbols must not be empty")
		return
	}
	if len(req.Symbols) > maxBatchSymbols {
		writeError(w, r, http.StatusBadRequest, faults.KindValidation.String(), "too many symbols in one batch")
		return
	}
	for i, s := range req.Symbols {
		req.Symbols[i] = strings.ToUpper(s)
	}

	results, err := h.market.GetQuotes(r.Context(), req.Symbols)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": results})
}

// HandleGetFxRate handles GET /v1/fx/{base}/{quote}.
func (h *Handlers) HandleGetFxRate(w http.ResponseWriter, r *http.Request) {
	base := strings.ToUpper(r.PathValue("base"))
	quote := strings.ToUpper(r.PathValue("quote"))
	rate, err := h.market.GetFxRate(r.Context(), base, quote)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rate)
}

// HandleGetNews handles GET /v1/news/{symbol}.
func (h *Handlers) HandleGetNews(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	items, err := h.market.GetNews(r.Context(), symbol)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items})
}

// HandleGetIndicators handles GET /v1/indicators/{symbol}.
func (h *Handlers) HandleGetIndicators(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	report, err := h.market.GetIndicators(r.Context(), symbol)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleStatus handles GET /v1/status. It aggregates tool server
// connectivity, cache statistics, and circuit breaker states into one
// operational snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"servers":        h.manager.Status(),
		"caches":         h.market.CacheStats(),
		"breakers":       h.market.BreakerSnapshots(),
	})
}

// HandleReconnect handles POST /v1/servers/{name}/reconnect.
func (h *Handlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := h.manager.Status()[name]; !ok {
		writeError(w, r, http.StatusNotFound, faults.KindNotFound.String(), "unknown tool server: "+name)
		return
	}

	connected := h.manager.Reconnect(r.Context(), name)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"server":    name,
		"connected": connected,
	})
}

// HandleReconnectAll handles POST /v1/servers/reconnect.
func (h *Handlers) HandleReconnectAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"results": h.manager.ReconnectAll(r.Context()),
	})
}

// HandleHealth handles GET /healthz. Liveness only: a degraded upstream is
// reported on /v1/status, not here, so orchestrators do not restart the
// process over a provider outage.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
