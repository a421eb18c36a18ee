package toolserver

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/telemetry"
)

// RegisterMetrics exposes per-server connectivity as an observable gauge.
func (m *Manager) RegisterMetrics() error {
	meter := telemetry.Meter("toolserver")

	connected, err := meter.Int64ObservableGauge("toolserver_connected",
		metric.WithDescription("1 when the named tool server connection is live"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, st := range m.Status() {
			v := int64(0)
			if st.Connected {
				v = 1
			}
			o.ObserveInt64(connected, v,
				metric.WithAttributes(attribute.String("server", name)))
		}
		return nil
	}, connected)
	return err
}
