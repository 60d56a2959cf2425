package app

import (
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandlerLine(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log := slog.New(newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.Info("http.request",
		"method", "get",
		"path", "/ws",
		"status", 101,
		"duration_ms", int64(12),
		"note", "two words",
	)

	line := sb.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=http.request",
		"method=GET",
		"path=/ws",
		"status=101",
		"duration=12ms",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color codes with color disabled: %q", line)
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	base := slog.New(newPrettyHandler(&sb, nil, false))
	log := base.With("session_id", "s1").WithGroup("db")

	log.Warn("db.slow", "query_ms", int64(1500))

	line := sb.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"session_id=s1",
		"db.query_ms=1500",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestPrettyHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log := slog.New(newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("dropped")
	if sb.Len() != 0 {
		t.Fatalf("info logged below the configured level: %q", sb.String())
	}
	log.Error("kept")
	if !strings.Contains(sb.String(), "msg=kept") {
		t.Fatalf("error line missing: %q", sb.String())
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: `""`},
		{in: "plain", want: "plain"},
		{in: "has space", want: `"has space"`},
		{in: `k=v`, want: `"k=v"`},
	}
	for _, tt := range tests {
		if got := quoteIfNeeded(tt.in); got != tt.want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", tt.in, got, tt.want)
		}
	}
}
