package market

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/resilience"
	"github.com/yoonstudio/invest-stock-app-sub000/internal/telemetry"
)

// RegisterMetrics exposes cache and circuit breaker state as observable
// gauges. Values are read on each collection, so the gauges stay current
// without per-request instrumentation overhead.
func (s *Service) RegisterMetrics() error {
	meter := telemetry.Meter("market")

	entries, err := meter.Int64ObservableGauge("market_cache_entries",
		metric.WithDescription("Entries currently held per cache"))
	if err != nil {
		return err
	}
	hitRate, err := meter.Float64ObservableGauge("market_cache_hit_rate",
		metric.WithDescription("Fresh plus stale hits over all lookups, per cache"))
	if err != nil {
		return err
	}
	evictions, err := meter.Int64ObservableGauge("market_cache_evictions_total",
		metric.WithDescription("Cumulative LRU evictions per cache"))
	if err != nil {
		return err
	}
	breakerOpen, err := meter.Int64ObservableGauge("market_breaker_open",
		metric.WithDescription("1 when the named circuit breaker is not CLOSED"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, st := range s.CacheStats() {
			attrs := metric.WithAttributes(attribute.String("cache", name))
			o.ObserveInt64(entries, int64(st.Size), attrs)
			o.ObserveFloat64(hitRate, st.HitRate, attrs)
			o.ObserveInt64(evictions, st.Evictions, attrs)
		}
		for _, snap := range s.BreakerSnapshots() {
			open := int64(0)
			if snap.State != resilience.StateClosed.String() {
				open = 1
			}
			o.ObserveInt64(breakerOpen, open,
				metric.WithAttributes(attribute.String("breaker", snap.Name)))
		}
		return nil
	}, entries, hitRate, evictions, breakerOpen)
	return err
}
