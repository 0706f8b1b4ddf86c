// Package metrics exposes queue and replay activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyperengineering/offsync/pkg/offsync"
)

// Replay outcomes used as the "outcome" label.
const (
	OutcomeClean  = "clean"
	OutcomeFailed = "failed"
	OutcomeEmpty  = "empty"
)

// Metrics holds the collectors for one agent process.
type Metrics struct {
	registry *prometheus.Registry

	enqueued         *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	replayRuns       *prometheus.CounterVec
	online           prometheus.Gauge
}

var _ offsync.Observer = (*Metrics)(nil)

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "entries_enqueued_total",
			Help:      "Entries appended to the sync queue.",
		}, []string{"action"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "dispatch_total",
			Help:      "Entry dispatches to the remote API by result.",
		}, []string{"action", "result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offsync",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of entry dispatches to the remote API.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		replayRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "replay_runs_total",
			Help:      "Replay runs by outcome.",
		}, []string{"outcome"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offsync",
			Name:      "remote_online",
			Help:      "1 when the last connectivity probe succeeded.",
		}),
	}
	reg.MustRegister(m.enqueued, m.dispatched, m.dispatchDuration, m.replayRuns, m.online)
	return m
}

// OnEnqueue implements offsync.Observer.
func (m *Metrics) OnEnqueue(action offsync.Action) {
	m.enqueued.WithLabelValues(string(action)).Inc()
}

// OnDispatch implements offsync.Observer.
func (m *Metrics) OnDispatch(action offsync.Action, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.dispatched.WithLabelValues(string(action), result).Inc()
	m.dispatchDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

// OnReplay implements offsync.Observer.
func (m *Metrics) OnReplay(report *offsync.ReplayReport) {
	switch {
	case report.FirstFailure != nil:
		m.replayRuns.WithLabelValues(OutcomeFailed).Inc()
	case len(report.Succeeded) == 0:
		m.replayRuns.WithLabelValues(OutcomeEmpty).Inc()
	default:
		m.replayRuns.WithLabelValues(OutcomeClean).Inc()
	}
}

// SetOnline records the latest connectivity probe result.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
