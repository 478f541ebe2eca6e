package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWritesAtLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelDebug, &buf)

	l.Debug("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected debug message in output, got %q", buf.String())
	}
}

func TestNewJSONProducesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(slog.LevelInfo, &buf)

	l.Info("hello", "key", "value")
	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected JSON output, got %q", out)
	}
}

func TestComponentAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelInfo, &buf)

	l.Component("supervisor").Info("started")
	if !strings.Contains(buf.String(), "component=supervisor") {
		t.Fatalf("expected component attribute, got %q", buf.String())
	}
}

func TestNodeAddsNodeID(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelInfo, &buf)

	l.Node("relay-0003").Info("started")
	if !strings.Contains(buf.String(), "node_id=relay-0003") {
		t.Fatalf("expected node_id attribute, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"huh":   slog.LevelInfo,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	l := NewDefault()
	ctx := WithContext(context.Background(), l)

	got := FromContext(ctx)
	if got != l {
		t.Fatalf("FromContext did not return the stored logger")
	}

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext on bare context should return a default logger, not nil")
	}
}
