package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.WithGroup("conn").Info("realtime.state",
		"state", "open",
		"status", 401,
		"duration_ms", int64(12),
		"note", "two words",
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=realtime.state",
		"conn.state=open",
		"conn.status=401",
		`conn.note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("plain output contains ANSI codes: %q", line)
	}
}

func TestPrettyHandler_ColorsStates(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Info("session.transition", "to", "authenticated", "status", 503, "class", "auth")

	line := buf.String()
	if !strings.Contains(line, ansiGreen+"authenticated"+ansiReset) {
		t.Fatalf("state not colored: %q", line)
	}
	if !strings.Contains(line, ansiRed+"503"+ansiReset) {
		t.Fatalf("status not colored: %q", line)
	}
	if !strings.Contains(line, ansiRed+"auth"+ansiReset) {
		t.Fatalf("class not colored: %q", line)
	}
	if got := stripANSI(line); !strings.Contains(got, "to=authenticated") {
		t.Fatalf("stripped=%q", got)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("quiet")
	log.Warn("loud")

	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "msg=loud") {
		t.Fatalf("output=%q", buf.String())
	}
}
