package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dskow/netcore/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"})

	l.Info("hidden")
	l.Warn("shown", "host", "example.com")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info entry must be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"host":"example.com"`) {
		t.Errorf("expected JSON warn entry, got %s", out)
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.LoggingConfig{Level: "info", Format: "text"})

	l.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello k=v") {
		t.Errorf("expected text output, got %s", buf.String())
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.LoggingConfig{Level: "info", Format: "json"})
	child := l.With("component", "client")

	child.Debug("before")
	l.SetLevel("debug")
	child.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") || !strings.Contains(out, "after") {
		t.Errorf("expected level change to reach derived loggers, got %s", out)
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcore.log")
	l, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("to file")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("expected entry in log file, got %q", data)
	}
}

func TestNew_Stdout(t *testing.T) {
	l, err := New(config.LoggingConfig{Output: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close on stdout logger: %v", err)
	}
}
