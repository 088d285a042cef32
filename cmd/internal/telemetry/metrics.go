// Package telemetry exposes the client's Prometheus metrics.
//
// All methods are nil-safe so components can run without metrics wired.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by the client.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpRetries  prometheus.Counter
	authFailures prometheus.Counter

	transitions   *prometheus.CounterVec
	authenticated prometheus.Gauge

	channelState *prometheus.GaugeVec
	reconnects   prometheus.Counter
	messages     *prometheus.CounterVec
}

// channelStates lists label values for the one-hot channel state gauge.
var channelStates = []string{"disconnected", "connecting", "open", "closing"}

// New builds a Metrics instance on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidwatch_http_requests_total",
			Help: "HTTP requests by outcome class.",
		}, []string{"class"}),
		httpRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidwatch_http_retries_total",
			Help: "HTTP retry attempts after transient failures.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidwatch_http_auth_failures_total",
			Help: "Responses classified as auth failures (401/403).",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidwatch_session_transitions_total",
			Help: "Session state transitions by target state and reason.",
		}, []string{"to", "reason"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bidwatch_session_authenticated",
			Help: "1 while the session is authenticated.",
		}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bidwatch_realtime_state",
			Help: "Current realtime channel state (one-hot).",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidwatch_realtime_reconnects_total",
			Help: "Scheduled realtime reconnect attempts.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidwatch_realtime_messages_total",
			Help: "Inbound realtime frames by handling result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpRetries,
		m.authFailures,
		m.transitions,
		m.authenticated,
		m.channelState,
		m.reconnects,
		m.messages,
	)
	m.SetChannelState("disconnected")
	return m
}

// Registry returns the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRequest counts one finished request by class ("ok", "auth", "transient", "client").
func (m *Metrics) ObserveRequest(class string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(class).Inc()
}

// IncRetry counts one retry attempt.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.httpRetries.Inc()
}

// IncAuthFailure counts one 401/403 response.
func (m *Metrics) IncAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// ObserveTransition records a session transition.
func (m *Metrics) ObserveTransition(to, reason string, authenticated bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, reason).Inc()
	if authenticated {
		m.authenticated.Set(1)
	} else {
		m.authenticated.Set(0)
	}
}

// SetChannelState sets the one-hot channel state gauge.
func (m *Metrics) SetChannelState(state string) {
	if m == nil {
		return
	}
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.channelState.WithLabelValues(s).Set(v)
	}
}

// IncReconnect counts one scheduled reconnect.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ObserveMessage counts one inbound frame by result ("delivered", "ignored", "malformed", "dropped").
func (m *Metrics) ObserveMessage(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}
