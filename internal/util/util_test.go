package util

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/natefinch/lumberjack.v2"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func(attempt int) error {
		attempts++
		if attempt != attempts {
			t.Errorf("attempt = %d, want %d", attempt, attempts)
		}
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func(int) error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, 5, 0, func(int) error {
		attempts++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) && attempts != 5 {
		t.Errorf("Retry = %v after %d attempts", err, attempts)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("burst of 2 not allowed")
	}
	if rl.Allow() {
		t.Error("third call allowed without refill")
	}

	if err := NewRateLimiter(6000, 1).Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("warn", "json", &buf)
	log.Info("hidden")
	log.Warn("shown", "anomaly", "end_without_start")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("logged %d lines, want 1: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["anomaly"] != "end_without_start" {
		t.Errorf("log record = %v", rec)
	}

	buf.Reset()
	NewLogger("info", "text", &buf).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text log = %q", buf.String())
	}
}

func TestLogWriter(t *testing.T) {
	if LogWriter("", 10) != os.Stdout {
		t.Error("LogWriter(\"\") is not stdout")
	}

	path := filepath.Join(t.TempDir(), "client.log")
	w := LogWriter(path, 10)
	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("LogWriter(path) = %T, want *lumberjack.Logger", w)
	}
	defer lj.Close()
	if lj.Filename != path || lj.MaxSize != 10 {
		t.Errorf("rotation = %s/%d", lj.Filename, lj.MaxSize)
	}
	if _, err := w.Write([]byte("line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}
