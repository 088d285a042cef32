package app

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
	}
}

func TestWithRequestLogging_RecordsStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	out := buf.String()
	for _, want := range []string{"level=ERROR", "msg=http.request", "path=/readyz", "status=503", "result=server_error"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %q", out, want)
		}
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestLoggingResponseWriter_PreservesHijacker(t *testing.T) {
	t.Parallel()

	under := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	lrw := &loggingResponseWriter{ResponseWriter: under, status: http.StatusOK}

	if _, _, err := lrw.Hijack(); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if !under.hijacked {
		t.Fatalf("hijack not forwarded")
	}

	plain := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := plain.Hijack(); err == nil {
		t.Fatalf("expected error when the underlying writer cannot hijack")
	}
}
