// Package metrics exposes Prometheus collectors for session activity.
//
// A nil *Metrics is valid and records nothing, so libraries can be used
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daviddao/threadsync/pkg/syncerr"
)

const namespace = "threadsync"

// Metrics holds the collectors. Create with New.
type Metrics struct {
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	sends         *prometheus.CounterVec
	retired       *prometheus.CounterVec
	openSessions  prometheus.Gauge
	pending       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Page fetches by operation and outcome.",
		}, []string{"op", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Page fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Completed sends by outcome.",
		}, []string{"outcome"}),
		retired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_retired_total",
			Help:      "Pending messages retired by reconciliation pass.",
		}, []string{"pass"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Thread sessions currently open.",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Pending messages per thread.",
		}, []string{"thread"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.fetchDuration, m.sends, m.retired, m.openSessions, m.pending)
	}
	return m
}

// Outcome is the label value for err: "ok" or the error kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return syncerr.KindOf(err).String()
}

// ObserveFetch records one fetch of op ("initial", "older", "refresh", "gap").
func (m *Metrics) ObserveFetch(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(op, Outcome(err)).Inc()
	m.fetchDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSend records a completed send: "sent", "failed" or "cancelled".
func (m *Metrics) ObserveSend(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

// ObserveRetired records n retirements by pass ("exact" or "fuzzy").
func (m *Metrics) ObserveRetired(pass string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.retired.WithLabelValues(pass).Add(float64(n))
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

// SessionClosed decrements the open session gauge and drops the thread's
// pending gauge.
func (m *Metrics) SessionClosed(threadID string) {
	if m == nil {
		return
	}
	m.openSessions.Dec()
	m.pending.DeleteLabelValues(threadID)
}

// SetPending records the pending count of a thread.
func (m *Metrics) SetPending(threadID string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(threadID).Set(float64(n))
}
