package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "test-service"},
		{name: "create logger with empty service name", serviceName: ""},
		{name: "create logger with complex service name", serviceName: "bus-relay-worker-v2.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()

			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want test-service", entry.Service)
			}
			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID should not be empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty string without trace", entry.TraceID)
			}
		})
	}
}

func TestLogger_WithFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "with string fields", fields: map[string]any{"key1": "value1", "key2": "value2"}},
		{name: "with mixed type fields", fields: map[string]any{"count": 42, "active": true}},
		{name: "with nil fields", fields: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").WithFields(tt.fields)

			if tt.fields == nil {
				if entry.Fields != nil {
					t.Error("WithFields() Fields should be nil when input is nil")
				}
				return
			}
			for k, v := range tt.fields {
				if entry.Fields[k] != v {
					t.Errorf("WithFields() Fields[%q] = %v, want %v", k, entry.Fields[k], v)
				}
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(*LogEntry) *LogEntry
		checkFn func(*testing.T, *LogEntry)
	}{
		{
			name:    "WithVenture",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithVenture("venture-1") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Venture != "venture-1" {
					t.Errorf("WithVenture() Venture = %q, want venture-1", e.Venture)
				}
			},
		},
		{
			name:    "WithEntity",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithEntity(4211) },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.EntityID != "4211" {
					t.Errorf("WithEntity() EntityID = %q, want 4211", e.EntityID)
				}
			},
		},
		{
			name: "chained methods",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithEvent("ArticleCreated").WithEntity(7).WithAttempt(3)
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.EventType != "ArticleCreated" || e.EntityID != "7" || e.Attempt != 3 {
					t.Errorf("chained entry = %+v", e)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").Plain()

			if result := tt.setupFn(entry); result != entry {
				t.Error("Fluent method should return same LogEntry instance")
			}
			tt.checkFn(t, entry)
		})
	}
}

func TestLogEntry_WithError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "with error", err: fmt.Errorf("test error message")},
		{name: "with nil error", err: nil},
		{name: "with wrapped error", err: fmt.Errorf("wrapped: %w", fmt.Errorf("original error"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").Plain().WithError(tt.err)

			if tt.err != nil && entry.Fields["error"] != tt.err.Error() {
				t.Errorf("WithError() Fields[\"error\"] = %v, want %v", entry.Fields["error"], tt.err.Error())
			}
			if tt.err == nil && entry.Fields["error"] != nil {
				t.Error("WithError() should not add error field for nil error")
			}
		})
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name          string
		setupFn       func(*LogEntry)
		expectedLevel LogLevel
		expectedMsg   string
	}{
		{name: "Debug", setupFn: func(e *LogEntry) { e.Debug("debug message") }, expectedLevel: LevelDebug, expectedMsg: "debug message"},
		{name: "Info", setupFn: func(e *LogEntry) { e.Info("info message") }, expectedLevel: LevelInfo, expectedMsg: "info message"},
		{name: "Warn", setupFn: func(e *LogEntry) { e.Warn("warn message") }, expectedLevel: LevelWarn, expectedMsg: "warn message"},
		{name: "Error", setupFn: func(e *LogEntry) { e.Error("error message") }, expectedLevel: LevelError, expectedMsg: "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New("test-service")
			logger.SetOutput(&buf)

			tt.setupFn(logger.Plain().WithField("test", "value"))

			var logged map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &logged); err != nil {
				t.Fatalf("Failed to parse JSON output %q: %v", buf.String(), err)
			}
			if logged["level"] != string(tt.expectedLevel) {
				t.Errorf("level = %v, want %q", logged["level"], tt.expectedLevel)
			}
			if logged["msg"] != tt.expectedMsg {
				t.Errorf("msg = %v, want %q", logged["msg"], tt.expectedMsg)
			}
			if logged["service"] != "test-service" {
				t.Errorf("service = %v, want test-service", logged["service"])
			}
		})
	}
}

func TestLogger_ErrorLogMirrorsWarnAndError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-error.log")
	errLog, err := OpenErrorLog(path)
	if err != nil {
		t.Fatalf("OpenErrorLog() error = %v", err)
	}
	errLog.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	logger := New("test-service")
	logger.SetOutput(&bytes.Buffer{})
	logger.AttachErrorLog(errLog)

	logger.Plain().Info("not mirrored")
	logger.Plain().WithEvent("ArticleUpdated").WithEntity(12).WithError(fmt.Errorf("boom")).Error("could not send")
	logger.Plain().Warn("token missing")

	lines, err := Tail(path, 10)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	want := []string{
		"[2025-03-04 05:06:07] ERROR: ArticleUpdated: could not send (id 12): boom",
		"[2025-03-04 05:06:07] WARN: token missing",
	}
	if len(lines) != len(want) {
		t.Fatalf("Tail() = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestTail_LimitsAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	lines, err := Tail(path, 2)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if strings.Join(lines, ",") != "c,d" {
		t.Errorf("Tail(2) = %q, want [c d]", lines)
	}

	if err := Truncate(path); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	lines, _ = Tail(path, 2)
	if len(lines) != 0 {
		t.Errorf("Tail() after Truncate = %q, want empty", lines)
	}
}

func TestLogEntry_ZeroValueUsesDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	defaultLogger.SetOutput(&buf)
	defer defaultLogger.SetOutput(os.Stdout)

	(&LogEntry{}).Info("orphan entry")
	if !strings.Contains(buf.String(), `"msg":"orphan entry"`) {
		t.Errorf("output = %q", buf.String())
	}
}
