package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the daemon's operational counters. With a nil registerer the
// counters still work but are not exported, which keeps tests independent
// of the default registry.
type Metrics struct {
	Polls           prometheus.Counter
	PollFailures    prometheus.Counter
	EventsIngested  prometheus.Counter
	ForwardFailures prometheus.Counter
	SessionsSkipped prometheus.Counter
}

// NewMetrics creates and, when reg is non-nil, registers the counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Polls: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracerelay_polls_total",
			Help: "Poll cycles started.",
		}),
		PollFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracerelay_poll_failures_total",
			Help: "Poll cycles that failed at the source.",
		}),
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracerelay_events_ingested_total",
			Help: "Telemetry events successfully forwarded.",
		}),
		ForwardFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracerelay_forward_failures_total",
			Help: "Individual events that failed to forward.",
		}),
		SessionsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracerelay_sessions_skipped_total",
			Help: "Sessions rejected by the ingestion policy.",
		}),
	}
}
