package sink

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricName is the OpenTelemetry counter incremented per event.
const MetricName = "waterfall_ad_events_total"

// metricAttrs are the event attributes promoted to metric dimensions; placements are
// left out to bound cardinality.
var metricAttrs = []string{"ad_type", "reason", "ad_platform", "ad_format"}

// Metrics counts events on an OpenTelemetry Int64Counter.
type Metrics struct {
	counter metric.Int64Counter
}

// NewMetrics registers the counter on provider, or the global provider when nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	var meter metric.Meter
	if provider == nil {
		meter = otel.Meter("waterfall.sink")
	} else {
		meter = provider.Meter("waterfall.sink")
	}
	counter, err := meter.Int64Counter(MetricName,
		metric.WithDescription("Mediation events by name and ad type"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("create %s counter: %w", MetricName, err)
	}
	return &Metrics{counter: counter}, nil
}

// Log increments the counter.
func (m *Metrics) Log(name string, attrs map[string]string) {
	kvs := []attribute.KeyValue{attribute.String("event", name)}
	for _, key := range metricAttrs {
		if v, ok := attrs[key]; ok && v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	m.counter.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}
