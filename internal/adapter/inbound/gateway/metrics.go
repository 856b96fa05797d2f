package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcome labels. One per terminal pipeline outcome; resolution
// and identity failures happen before a service is known and are not
// counted here.
const (
	outcomeForwarded       = "forwarded"
	outcomeBlocked         = "blocked"
	outcomeDenied          = "denied"
	outcomeRedirectBlocked = "redirect_blocked"
	outcomeUpstreamError   = "upstream_error"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ApprovalWait    prometheus.Histogram
	ActiveGrants    prometheus.GaugeFunc
	UpstreamErrors  *prometheus.CounterVec
}

// NewMetrics registers the gateway instruments with reg. liveGrants is
// sampled at scrape time so the gauge never drifts from the coordinator.
func NewMetrics(reg prometheus.Registerer, liveGrants func() int) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clawguard",
				Name:      "requests_total",
				Help:      "Proxied requests by service and terminal outcome",
			},
			[]string{"service", "outcome"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "clawguard",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration including approval wait",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		ApprovalWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "clawguard",
				Name:      "approval_wait_seconds",
				Help:      "Time spent awaiting a human approval decision",
				// Waits run from instant grant reuse up to the deadline.
				Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		ActiveGrants: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "clawguard",
				Name:      "active_grants",
				Help:      "Live approval grants",
			},
			func() float64 { return float64(liveGrants()) },
		),
		UpstreamErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clawguard",
				Name:      "upstream_errors_total",
				Help:      "Upstream transport failures by service",
			},
			[]string{"service"},
		),
	}
}
