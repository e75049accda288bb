// ABOUTME: Tests for the CLI log handler and level parsing
// ABOUTME: Runs with color disabled so output can be matched as plain text

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(&colorHandler{out: &buf, mu: &sync.Mutex{}, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("agent_id", "a1").WithGroup("task").Info("routed", "id", "t1", "state", "sent")
	logger.Warn("slow", slog.Group("conn", "queue", 3))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	first := lines[0]
	for _, want := range []string{"INF routed", "agent_id=a1", "task.id=t1", "task.state=sent"} {
		if !strings.Contains(first, want) {
			t.Errorf("line %q missing %q", first, want)
		}
	}
	if !strings.Contains(lines[1], "WRN slow") || !strings.Contains(lines[1], "conn.queue=3") {
		t.Errorf("unexpected warn line %q", lines[1])
	}
}
