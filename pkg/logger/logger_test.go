package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoggerInit(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWithWriter(&buf, "json"); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = InitWithWriter(&bytes.Buffer{}, "text") }()

	Get().Info(context.Background(), "batch committed",
		String("batch_id", "b-1"),
		Int("rows", 3),
		Decimal("total", decimal.RequireFromString("1200.50")),
	)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "batch committed" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["total"] != "1200.5" {
		t.Errorf("decimal field should keep exact string form, got %v", entry["total"])
	}
	if src, _ := entry["source"].(string); !strings.Contains(src, "logger_test.go") {
		t.Errorf("source should point at the caller, got %q", src)
	}
}

func TestLoggerNamedAndWith(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWithWriter(&buf, "text"); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = InitWithWriter(&bytes.Buffer{}, "text") }()

	Named("coordinator").With(String("batch_id", "b-2")).Warn(context.Background(), "row rejected", Error(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{"row rejected", "coordinator.batch_id=b-2", "coordinator.error=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestSetLevelString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		if err := SetLevelString(in); err != nil {
			t.Fatalf("SetLevelString(%q): %v", in, err)
		}
		if levelVar.Level() != want {
			t.Errorf("SetLevelString(%q) = %v, want %v", in, levelVar.Level(), want)
		}
	}
	if err := SetLevelString("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
	_ = SetLevelString("info")
}

func TestSetFormat(t *testing.T) {
	if err := SetFormat("yaml"); err == nil {
		t.Error("expected error for unknown format")
	}
	if err := SetFormat("JSON"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	_ = SetFormat("text")
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error(context.Background(), "discarded")
	if l.Named("x") == nil {
		t.Fatal("named nop logger is nil")
	}
}
