package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"agent authenticated\"", "server_name=lobby"}},
		{"json", []string{`"msg":"agent authenticated"`, `"server_name":"lobby"`}},
		{"JSON", []string{`"msg":"agent authenticated"`}},
		{"", []string{"msg=\"agent authenticated\""}},
	}

	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter("info", tc.format, &buf)

			logger.Info("agent authenticated", KeyServerName, "lobby")

			for _, w := range tc.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %s: %s", w, buf.String())
				}
			}
		})
	}
}

// TestLevelMatrix checks which record levels each configured level lets
// through; the string lists debug, info, warn, error in order.
func TestLevelMatrix(t *testing.T) {
	levels := []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}
	matrix := map[string]string{
		"debug":   "1111",
		"info":    "0111",
		"warn":    "0011",
		"warning": "0011",
		"error":   "0001",
		"ERROR":   "0001",
		"bogus":   "0111",
		"":        "0111",
	}

	for configured, want := range matrix {
		logger := NewLoggerWithWriter(configured, "text", io.Discard)
		for i, lvl := range levels {
			got := logger.Enabled(context.Background(), lvl)
			if got != (want[i] == '1') {
				t.Errorf("config %q: Enabled(%s) = %v", configured, lvl, got)
			}
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"Info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"trace": slog.LevelInfo,
	} {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}
	logger.Error("discarded", KeyError, "nothing")
}

func TestLoggerWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("agent registered",
		KeyServerName, "survival",
		KeyRemoteAddr, "192.168.1.1:50122",
		KeyTransport, "tcp",
	)

	output := buf.String()
	if !strings.Contains(output, "server_name=survival") {
		t.Errorf("expected server_name attribute, got: %s", output)
	}
	if !strings.Contains(output, "remote_addr=192.168.1.1:50122") {
		t.Errorf("expected remote_addr attribute, got: %s", output)
	}
	if !strings.Contains(output, "transport=tcp") {
		t.Errorf("expected transport attribute, got: %s", output)
	}
}

func TestVerbose(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		enabled      bool
		shouldAppear bool
	}{
		{"enabled at info", "info", true, true},
		{"disabled at info", "info", false, false},
		{"disabled at debug", "debug", false, true},
		{"enabled at error", "error", true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)

			Verbose(logger, tc.enabled, slog.LevelInfo, "client response", KeyRequestID, "r1")

			if got := buf.Len() > 0; got != tc.shouldAppear {
				t.Errorf("Verbose output = %v, want %v (%s)", got, tc.shouldAppear, buf.String())
			}
		})
	}
}

func TestVerbose_DemotesToDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("debug", "text", &buf)

	Verbose(logger, false, slog.LevelWarn, "banned connection")
	if !strings.Contains(buf.String(), "level=DEBUG") {
		t.Errorf("expected demoted record, got: %s", buf.String())
	}
}
