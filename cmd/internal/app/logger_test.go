package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

// newLogger installs slog's default, so these tests do not run in parallel.
func TestNewLogger_Formats(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var stdout, stderr bytes.Buffer
	log := newLogger("info", "json", &stdout, &stderr)
	log.Info("session.login.ok", "user_id", "u1")

	var rec map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", stdout.String(), err)
	}
	if rec["msg"] != "session.login.ok" || rec["user_id"] != "u1" {
		t.Fatalf("record=%v", rec)
	}
	if stderr.Len() != 0 {
		t.Fatalf("json logger wrote to stderr: %q", stderr.String())
	}

	stdout.Reset()
	log = newLogger("debug", "Pretty", &stdout, &stderr)
	log.Debug("realtime.state", "state", "open")
	if stdout.Len() != 0 || !strings.Contains(stderr.String(), "msg=realtime.state") {
		t.Fatalf("pretty logger stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}
