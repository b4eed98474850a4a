// Package observability holds the Prometheus metrics exported by the gateway.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	SuggestRequestsTotal *prometheus.CounterVec
	SuggestPagesTotal    prometheus.Counter
	SuggestRowsTotal     prometheus.Counter

	LoginsTotal          *prometheus.CounterVec
	DirectoryOpsTotal    *prometheus.CounterVec
	ActionsTotal         *prometheus.CounterVec
	LoginContextsEvicted prometheus.Counter
	OpenChannels         prometheus.Gauge
}

// NewMetrics creates and registers all metrics on registry. A nil registry
// gets a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		SuggestRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adlookup_suggest_requests_total",
				Help: "Suggestion requests by outcome",
			},
			[]string{"outcome"},
		),
		SuggestPagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adlookup_suggest_pages_total",
			Help: "Index pages streamed to clients",
		}),
		SuggestRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adlookup_suggest_rows_total",
			Help: "Usernames streamed to clients",
		}),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adlookup_logins_total",
				Help: "Login attempts by method and result",
			},
			[]string{"method", "result"},
		),
		DirectoryOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adlookup_directory_operations_total",
				Help: "Directory operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adlookup_actions_total",
				Help: "Inbound client actions",
			},
			[]string{"action"},
		),
		LoginContextsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adlookup_login_contexts_evicted_total",
			Help: "Login contexts removed by logout or idle expiry",
		}),
		OpenChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adlookup_open_channels",
			Help: "Currently open client channels",
		}),
	}

	registry.MustRegister(
		m.SuggestRequestsTotal,
		m.SuggestPagesTotal,
		m.SuggestRowsTotal,
		m.LoginsTotal,
		m.DirectoryOpsTotal,
		m.ActionsTotal,
		m.LoginContextsEvicted,
		m.OpenChannels,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSuggest records one coordinator invocation.
func (m *Metrics) RecordSuggest(outcome string, pages, rows int) {
	if m == nil {
		return
	}
	m.SuggestRequestsTotal.WithLabelValues(outcome).Inc()
	m.SuggestPagesTotal.Add(float64(pages))
	m.SuggestRowsTotal.Add(float64(rows))
}

// RecordLogin records a login attempt; method is "password" or "token".
func (m *Metrics) RecordLogin(method string, ok bool) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(method, result(ok)).Inc()
}

// RecordDirectoryOp records a directory search or modify.
func (m *Metrics) RecordDirectoryOp(op string, ok bool) {
	if m == nil {
		return
	}
	m.DirectoryOpsTotal.WithLabelValues(op, result(ok)).Inc()
}

// RecordAction counts an inbound action.
func (m *Metrics) RecordAction(action string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(action).Inc()
}

// RecordEviction counts a destroyed login context.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.LoginContextsEvicted.Inc()
}

// ChannelOpened and ChannelClosed track the open channel gauge.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.OpenChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.OpenChannels.Dec()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
