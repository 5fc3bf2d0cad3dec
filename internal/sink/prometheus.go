package sink

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus counts events on a CounterVec labelled by event and ad type.
type Prometheus struct {
	events *prometheus.CounterVec
}

// NewPrometheus registers the collector against reg, or the default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "waterfall",
				Subsystem: "mediation",
				Name:      "events_total",
				Help:      "Total number of mediation events by name and ad type.",
			},
			[]string{"event", "ad_type"},
		),
	}
	reg.MustRegister(p.events)
	return p
}

// Log increments the counter for the event.
func (p *Prometheus) Log(name string, attrs map[string]string) {
	p.events.WithLabelValues(name, attrs["ad_type"]).Inc()
}

// Collector exposes the underlying vector, mainly for tests.
func (p *Prometheus) Collector() *prometheus.CounterVec { return p.events }
