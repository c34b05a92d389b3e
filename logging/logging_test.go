package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(Config{Component: "orders"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closer.Close()

	logger.Debug("Hidden")
	logger.Info("Consumer started", "concurrency", 4)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "Consumer started" || rec["component"] != "orders" || rec["concurrency"] != float64(4) {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := newLogger(Config{Format: "text", Level: "debug"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("Handler finished", "message_id", "1")
	if !strings.Contains(buf.String(), "message_id=1") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	var buf bytes.Buffer
	logger, closer, err := newLogger(Config{File: path}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("Consumer stopped")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "Consumer stopped") || !strings.Contains(buf.String(), "Consumer stopped") {
		t.Error("expected record in file and stdout")
	}
}

func TestNewInvalid(t *testing.T) {
	for _, cfg := range []Config{{Level: "loud"}, {Format: "xml"}} {
		if _, _, err := newLogger(cfg, &bytes.Buffer{}); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
