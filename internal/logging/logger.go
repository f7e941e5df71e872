package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/bus_relay/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Venture   string         `json:"venture,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	mu       sync.Mutex
	service  string
	out      io.Writer
	errorLog *ErrorLog
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
		out:     os.Stdout,
	}
}

// SetOutput redirects JSON lines to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// AttachErrorLog mirrors warn and error entries into e.
func (l *Logger) AttachErrorLog(e *ErrorLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog = e
}

func (l *Logger) newEntry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.newEntry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	entry := l.newEntry()
	entry.Fields = fields
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.newEntry()
}

// WithVenture sets the venture (BUS node id) for the log entry
func (e *LogEntry) WithVenture(venture string) *LogEntry {
	e.Venture = venture
	return e
}

// WithEvent sets the BUS event type for the log entry
func (e *LogEntry) WithEvent(eventType string) *LogEntry {
	e.EventType = eventType
	return e
}

// WithEntity sets the content entity id for the log entry
func (e *LogEntry) WithEntity(entityID int64) *LogEntry {
	e.EntityID = strconv.FormatInt(entityID, 10)
	return e
}

func (e *LogEntry) WithAttempt(attempt int) *LogEntry {
	e.Attempt = attempt
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as one JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	l.mu.Lock()
	out, errLog := l.out, l.errorLog
	l.mu.Unlock()

	if errLog != nil && (e.Level == LevelWarn || e.Level == LevelError || e.Level == LevelFatal) {
		if err := errLog.Write(e.Level, e.summary()); err != nil {
			fmt.Fprintf(os.Stderr, "error log write failed: %v\n", err)
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}

	fmt.Fprintln(out, string(data))
}

// summary renders the entry for the plain-text error log.
func (e *LogEntry) summary() string {
	msg := e.Message
	if e.EventType != "" {
		msg = e.EventType + ": " + msg
	}
	if e.EntityID != "" {
		msg += " (id " + e.EntityID + ")"
	}
	if v, ok := e.Fields["error"]; ok {
		msg += fmt.Sprintf(": %v", v)
	}
	return msg
}

// defaultLogger backs entries built without a Logger.
var defaultLogger = New("bus-relay")
