package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"statagent/internal/config"
)

// TestColorLineWriter_HighlightsLevelAndTokens verifies level and token coloring.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_HighlightsLevelAndTokens(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `level=INFO msg="hello" peer=10.20.30.40 retries=3`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiBlue) {
		t.Fatalf("expected INFO line base color")
	}
	if !strings.Contains(rendered, ansiGreen+`"hello"`+ansiReset+ansiBlue) {
		t.Fatalf("expected quoted string token color")
	}
	if !strings.Contains(rendered, ansiCyan+`10.20.30.40`+ansiReset+ansiBlue) {
		t.Fatalf("expected IP token color")
	}
	if !strings.Contains(rendered, ansiYellow+`3`+ansiReset+ansiBlue) {
		t.Fatalf("expected number token color")
	}
	if !strings.HasSuffix(rendered, ansiReset) {
		t.Fatalf("expected trailing reset sequence")
	}
}

// TestColorLineWriter_NoLevelColor verifies passthrough for unknown levels.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_NoLevelColor(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `msg="plain" value=42`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := dst.String(); got != line {
		t.Fatalf("expected passthrough line, got %q", got)
	}
}

// TestNew_FileSinkWritesJSON verifies the file sink honors format and level.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_FileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "statagent.log")
	logger, closeFn, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "warn", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("skipped")
	logger.Warn("kept", slog.String("collector", "main"))
	closeFn()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(raw)
	if strings.Contains(content, "skipped") {
		t.Fatalf("info record written at warn level: %s", content)
	}
	if !strings.Contains(content, `"msg":"kept"`) || !strings.Contains(content, `"collector":"main"`) {
		t.Fatalf("unexpected log content: %s", content)
	}
}

// TestFanoutHandler_WritesAllSinks verifies every handler receives enabled records.
// Params: testing.T for assertions.
// Returns: none.
func TestFanoutHandler_WritesAllSinks(t *testing.T) {
	var debugSink, errorSink bytes.Buffer
	logger := slog.New(fanoutHandler{
		slog.NewTextHandler(&debugSink, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorSink, &slog.HandlerOptions{Level: slog.LevelError}),
	}).With(slog.String("component", "pool"))

	logger.Debug("tick")
	logger.Error("boom")

	if !strings.Contains(debugSink.String(), "msg=tick") || !strings.Contains(debugSink.String(), "msg=boom") {
		t.Fatalf("debug sink missing records: %s", debugSink.String())
	}
	if strings.Contains(errorSink.String(), "msg=tick") || !strings.Contains(errorSink.String(), "component=pool") {
		t.Fatalf("unexpected error sink content: %s", errorSink.String())
	}
}
