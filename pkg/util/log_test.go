package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := NewLoggerWithFile(LogOptions{File: path, MaxSizeMB: 1, MaxBackups: 1, Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Sugar().Infow("dropped_below_level")
	logger.Sugar().Warnw("ingest_halted", "err", "boom")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "dropped_below_level") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(out, `"msg":"ingest_halted"`) || !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("log file = %s", out)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	logger, err := NewLogger("error")
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn enabled at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error disabled at error level")
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
