package fdb

// metrics.go implements Prometheus instrumentation.

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aalhour/fdb/native"
)

// Metrics reports transaction activity to prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	started   prometheus.Counter
	committed prometheus.Counter
	failed    *prometheus.CounterVec
	retries   *prometheus.CounterVec
	live      prometheus.Gauge
	latency   prometheus.Histogram
	payload   prometheus.Histogram
}

// NewMetrics registers the client metrics with reg. It returns nil when reg
// is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		started: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fdb",
			Name:      "transactions_started_total",
			Help:      "Number of transactions created",
		}),
		committed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fdb",
			Name:      "transactions_committed_total",
			Help:      "Number of successful commits",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fdb",
			Name:      "transactions_failed_total",
			Help:      "Number of failed commits by error name",
		}, []string{"error"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fdb",
			Name:      "transaction_retries_total",
			Help:      "Number of successful OnError retries by error code",
		}, []string{"code"}),
		live: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fdb",
			Name:      "live_transactions",
			Help:      "Number of transactions not yet disposed",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fdb",
			Name:      "commit_duration_seconds",
			Help:      "Time from Commit to its completion",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		payload: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fdb",
			Name:      "commit_payload_bytes",
			Help:      "Estimated payload size of committed transactions",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
	}
}

func (m *Metrics) txStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.live.Inc()
}

func (m *Metrics) txDisposed() {
	if m == nil {
		return
	}
	m.live.Dec()
}

func (m *Metrics) commitDone(start time.Time, payload int64, err error) {
	if m == nil {
		return
	}
	m.latency.Observe(time.Since(start).Seconds())
	if err != nil {
		name := "other"
		if code := ErrorCode(err); code >= 0 {
			name = native.Describe(code)
		}
		m.failed.WithLabelValues(name).Inc()
		return
	}
	m.committed.Inc()
	m.payload.Observe(float64(payload))
}

func (m *Metrics) retried(code int) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(strconv.Itoa(code)).Inc()
}
