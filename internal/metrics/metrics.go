package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the messaging core.
type Metrics struct {
	SendsTotal       *prometheus.CounterVec
	WebhooksTotal    *prometheus.CounterVec
	EventsProcessed  *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	CyclesSkipped    prometheus.Counter
	LimiterWait      prometheus.Histogram
	OptOutsTotal     *prometheus.CounterVec
	UnmatchedEvents  prometheus.Counter
	ReconciledEvents prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_sends_total",
				Help: "Send decisions by outcome",
			},
			[]string{"outcome"},
		),
		WebhooksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_webhook_requests_total",
				Help: "Provider webhook requests by result",
			},
			[]string{"result"},
		),
		EventsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_inbound_events_processed_total",
				Help: "Inbound events processed by type and status",
			},
			[]string{"type", "status"},
		),
		CycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sms_campaign_cycle_duration_seconds",
				Help:    "Campaign cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		CyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "sms_campaign_cycles_skipped_total",
			Help: "Cycles skipped because another holder had the campaign lease",
		}),
		LimiterWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sms_outbound_limiter_wait_seconds",
			Help:    "Time spent waiting for an outbound rate limiter token",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		OptOutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_opt_outs_total",
				Help: "New opt-out registrations by source",
			},
			[]string{"source"},
		),
		UnmatchedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "sms_unmatched_events_total",
			Help: "Delivery status events that matched no send",
		}),
		ReconciledEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "sms_reconciled_events_total",
			Help: "Unmatched events later matched to a send",
		}),
	}
}

// Nop returns collectors registered on a throwaway registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
