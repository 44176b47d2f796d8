package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerUsesSharedKeySchema(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelInfo)).With(
		slog.String("service", "agrichaind"),
		slog.String("env", "test"),
	)
	logger.Warn("instruction rejected", "method", "escrow_confirmOrder")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["message"] != "instruction rejected" {
		t.Fatalf("unexpected message field: %v", line["message"])
	}
	if line["severity"] != "WARN" {
		t.Fatalf("unexpected severity field: %v", line["severity"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatal("timestamp field missing")
	}
	for _, renamed := range []string{"time", "level", "msg"} {
		if _, ok := line[renamed]; ok {
			t.Fatalf("default slog key %q leaked into output", renamed)
		}
	}
	if line["service"] != "agrichaind" || line["env"] != "test" {
		t.Fatalf("service/env attrs missing: %v", line)
	}
}

func TestHandlerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelWarn))
	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted below the configured level: %s", buf.String())
	}
	logger.Error("emitted")
	if buf.Len() == 0 {
		t.Fatal("error line missing")
	}
}

func TestResolveLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := resolveLevel(raw); got != want {
			t.Fatalf("resolveLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
