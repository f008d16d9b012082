package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK             = "ok"
	outcomeTransportError = "transport_error"
	outcomeShapeError     = "shape_error"
)

// Metrics records the outcome and latency of flow calls.
type Metrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the flow collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowchat",
				Subsystem: "flow",
				Name:      "requests_total",
				Help:      "Total number of flow run requests by outcome.",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "flowchat",
				Subsystem: "flow",
				Name:      "request_duration_seconds",
				Help:      "Duration of flow run requests.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
	}

	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *Metrics) observe(err error, elapsed time.Duration) {
	if m == nil {
		return
	}

	outcome := outcomeOK
	if fe, ok := err.(*Error); ok {
		switch fe.Kind {
		case KindShape:
			outcome = outcomeShapeError
		default:
			outcome = outcomeTransportError
		}
	}

	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}
