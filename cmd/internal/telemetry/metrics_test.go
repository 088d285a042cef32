package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveRequest("ok")
	m.IncRetry()
	m.IncAuthFailure()
	m.ObserveTransition("anonymous", "logout", false)
	m.SetChannelState("open")
	m.IncReconnect()
	m.ObserveMessage("delivered")
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have nil registry")
	}
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRequest("auth")
	m.ObserveRequest("auth")
	m.IncAuthFailure()
	m.ObserveTransition("authenticated", "login", true)
	m.SetChannelState("open")

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("auth")); got != 2 {
		t.Fatalf("auth requests=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.authenticated); got != 1 {
		t.Fatalf("authenticated=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.channelState.WithLabelValues("open")); got != 1 {
		t.Fatalf("state open=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.channelState.WithLabelValues("disconnected")); got != 0 {
		t.Fatalf("state disconnected=%v want 0", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.IncReconnect()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "bidwatch_realtime_reconnects_total 1") {
		t.Fatalf("metrics output missing reconnect counter:\n%s", body)
	}
}
