package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics wraps collectors tracking escrow settlement health.
type SettlementMetrics struct {
	transfers *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	disputes  prometheus.Gauge
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised metrics registry used to record
// fund, release, and refund settlement activity.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "empleadora",
				Subsystem: "settlement",
				Name:      "transfers_total",
				Help:      "Count of settlement transfers segmented by transition kind and outcome.",
			}, []string{"kind", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "empleadora",
				Subsystem: "settlement",
				Name:      "transfer_duration_seconds",
				Help:      "Latency distribution from submission to confirmed settlement.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "empleadora",
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by transition kind and reason.",
			}, []string{"kind", "reason"}),
			disputes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "empleadora",
				Subsystem: "escrow",
				Name:      "open_disputes",
				Help:      "Number of projects currently frozen by an open dispute.",
			}),
		}
		prometheus.MustRegister(
			settlementReg.transfers,
			settlementReg.latency,
			settlementReg.errors,
			settlementReg.disputes,
		)
	})
	return settlementReg
}

// Observe records the outcome of one settlement attempt. A nil error counts as
// a confirmed transfer; otherwise the error text becomes the failure reason.
func (m *SettlementMetrics) Observe(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelKind(kind)
	outcome := "confirmed"
	if err != nil {
		outcome = "failed"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(label, reason).Inc()
	}
	m.transfers.WithLabelValues(label, outcome).Inc()
	m.latency.WithLabelValues(label).Observe(duration.Seconds())
}

// SetOpenDisputes updates the open dispute gauge.
func (m *SettlementMetrics) SetOpenDisputes(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.disputes.Set(float64(count))
}

func labelKind(kind string) string {
	trimmed := strings.TrimSpace(kind)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
