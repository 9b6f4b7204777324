package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyOmitsSource(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("arena ready", "blocks", 64)

	output := buf.String()
	if !strings.Contains(output, "arena ready") || !strings.Contains(output, "blocks=64") {
		t.Fatalf("expected message and attrs, got: %s", output)
	}
	if strings.Contains(output, ".go:") {
		t.Fatalf("source location should not be printed, got: %s", output)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))

	FromContext(ctx).Info("engine ready", "ranks", 2)
	if !strings.Contains(buf.String(), `"ranks":2`) {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
}

func TestPrettyComponentInGroupStaysAttribute(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo).WithGroup("kernel").With("component", "memcpy")
	log.Info("launched")

	output := buf.String()
	if strings.Contains(output, "[memcpy]") {
		t.Fatalf("grouped component should not be lifted, got: %s", output)
	}
	if !strings.Contains(output, "kernel.component=memcpy") {
		t.Fatalf("expected kernel.component=memcpy, got: %s", output)
	}
}

func TestSetupFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"block freed"`},
		{"text", `msg="block freed"`},
		{"pretty", "block freed"},
		{"", "block freed"},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		log := Setup(&buf, "debug", tc.format)
		log.Debug("block freed", "handle", 3)
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("Setup(format=%q): expected %q in output, got: %s", tc.format, tc.want, buf.String())
		}
	}
}

func TestSetupLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Setup(&buf, "warn", "json")
	if log.Enabled(slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !log.Enabled(slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	if log.Enabled(slog.LevelError) {
		t.Fatal("discard logger should not enable any level")
	}
	log.Error("dropped")
}

func TestOrDefault(t *testing.T) {
	t.Parallel()
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
	l := Discard()
	if OrDefault(l) != l {
		t.Fatal("OrDefault should return the given logger")
	}
}

func TestPrettyComponentPrefix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo).With("component", "arena")
	log.Info("pool ready", "blocks", 64)

	output := buf.String()
	if !strings.Contains(output, "[arena] ") {
		t.Fatalf("expected component prefix, got: %s", output)
	}
	if strings.Contains(output, "component=arena") {
		t.Fatalf("component should not be repeated as an attribute, got: %s", output)
	}
	if !strings.Contains(output, "blocks=64") {
		t.Fatalf("expected blocks=64, got: %s", output)
	}
}

func TestPrettyDurationRounding(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("kernel", "elapsed", 1234567*time.Nanosecond, "short", 1234*time.Nanosecond)

	output := buf.String()
	if !strings.Contains(output, "elapsed=1ms") {
		t.Fatalf("expected elapsed=1ms, got: %s", output)
	}
	if !strings.Contains(output, "short=1µs") {
		t.Fatalf("expected short=1µs, got: %s", output)
	}
}
