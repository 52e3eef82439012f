// Package metrics exposes the agent's Prometheus collectors on a private
// registry. Metrics implements the session, presence and visibility observer
// interfaces so the components stay free of Prometheus imports.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tsdocs/cmd/internal/presence"
	"tsdocs/cmd/internal/session"
	"tsdocs/cmd/internal/visibility"
)

const namespace = "tsdocs"

var (
	_ session.Observer    = (*Metrics)(nil)
	_ presence.Observer   = (*Metrics)(nil)
	_ visibility.Observer = (*Metrics)(nil)
)

// Metrics owns the registry and every collector.
type Metrics struct {
	reg *prometheus.Registry

	refreshTotal     *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	sessionActive    prometheus.Gauge
	presenceState    *prometheus.GaugeVec
	reconnects       prometheus.Counter
	storms           prometheus.Counter
	onlineUsers      prometheus.Gauge
	messages         *prometheus.CounterVec
	visibilityChecks *prometheus.CounterVec

	funcsOnce sync.Once
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_duration_seconds",
			Help:      "Latency of token refresh calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a session is active.",
		}),
		presenceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "state",
			Help:      "Presence channel state; the current state is 1.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "reconnects_total",
			Help:      "Scheduled presence reconnects.",
		}),
		storms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "reconnect_storms_total",
			Help:      "Times the reconnect rate crossed the storm threshold.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "Size of the last received online users list.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "messages_total",
			Help:      "Presence frames received by type.",
		}, []string{"type"}),
		visibilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "visibility",
			Name:      "checks_total",
			Help:      "Foreground expiry checks by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshTotal,
		m.refreshDuration,
		m.sessionActive,
		m.presenceState,
		m.reconnects,
		m.storms,
		m.onlineUsers,
		m.messages,
		m.visibilityChecks,
	)

	for _, o := range []session.RefreshOutcome{session.RefreshSucceeded, session.RefreshSkipped, session.RefreshFailed} {
		m.refreshTotal.WithLabelValues(string(o))
	}
	for _, s := range presence.States {
		m.presenceState.WithLabelValues(string(s))
	}
	for _, r := range visibility.Results {
		m.visibilityChecks.WithLabelValues(r)
	}
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterFuncs adds the collectors that read live values: seconds until the
// access token expires (0 without a session) and the journal drop count.
// Only the first call has an effect.
func (m *Metrics) RegisterFuncs(expiresIn func() float64, journalDropped func() float64) {
	m.funcsOnce.Do(func() {
		if expiresIn != nil {
			m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "expires_in_seconds",
				Help:      "Seconds until the access token expires.",
			}, expiresIn))
		}
		if journalDropped != nil {
			m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "journal",
				Name:      "dropped_total",
				Help:      "Journal entries dropped because the buffer was full.",
			}, journalDropped))
		}
	})
}

func (m *Metrics) RefreshObserved(outcome session.RefreshOutcome, took time.Duration) {
	m.refreshTotal.WithLabelValues(string(outcome)).Inc()
	if outcome != session.RefreshSkipped {
		m.refreshDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) SessionActive(active bool) {
	if active {
		m.sessionActive.Set(1)
		return
	}
	m.sessionActive.Set(0)
}

func (m *Metrics) PresenceState(s presence.State) {
	for _, st := range presence.States {
		v := 0.0
		if st == s {
			v = 1
		}
		m.presenceState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) PresenceReconnect() { m.reconnects.Inc() }

func (m *Metrics) PresenceStorm() { m.storms.Inc() }

func (m *Metrics) PresenceUsers(n int) { m.onlineUsers.Set(float64(n)) }

func (m *Metrics) PresenceMessage(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	m.messages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) VisibilityCheck(result string) {
	m.visibilityChecks.WithLabelValues(result).Inc()
}
