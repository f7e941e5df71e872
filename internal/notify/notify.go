// Package notify fans operator messages out to the log and, when enabled,
// a Slack channel.
package notify

import (
	"context"
	"errors"

	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// ErrDropped is returned by a sink that discarded a message on purpose,
// e.g. because of its rate limit.
var ErrDropped = errors.New("notify: message dropped")

// Sink delivers one message.
type Sink interface {
	Name() string
	Send(ctx context.Context, level Level, msg string) error
}

// Notifier sends every message to all sinks. Sink failures are logged and
// never returned: a notification must not fail the work that produced it.
type Notifier struct {
	sinks  []Sink
	logger *logging.Logger
}

func New(logger *logging.Logger, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = logging.New("notify")
	}
	return &Notifier{sinks: sinks, logger: logger}
}

// FromConfig returns a Notifier with the log sink and, when configured, the
// Slack sink.
func FromConfig(cfg config.Slack, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.New("notify")
	}
	sinks := []Sink{NewLogSink(logger)}
	if s := NewSlack(cfg); s != nil {
		sinks = append(sinks, s)
	}
	return New(logger, sinks...)
}

func (n *Notifier) Notify(ctx context.Context, level Level, msg string) {
	if n == nil {
		return
	}
	for _, s := range n.sinks {
		err := s.Send(ctx, level, msg)
		switch {
		case err == nil:
			metrics.RecordNotification(s.Name(), "sent")
		case errors.Is(err, ErrDropped):
			metrics.RecordNotification(s.Name(), "dropped")
		default:
			metrics.RecordNotification(s.Name(), "failed")
			n.logger.WithContext(ctx).WithError(err).WithField("sink", s.Name()).Warn("notification failed")
		}
	}
}

func (n *Notifier) Info(ctx context.Context, msg string)  { n.Notify(ctx, LevelInfo, msg) }
func (n *Notifier) Error(ctx context.Context, msg string) { n.Notify(ctx, LevelError, msg) }

// Alert reports a problem that needs an operator.
func (n *Notifier) Alert(ctx context.Context, msg string) { n.Notify(ctx, LevelError, msg) }

// LogSink writes notifications through the structured logger, so they also
// land in the error log file when one is attached.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, level Level, msg string) error {
	entry := s.logger.WithContext(ctx).WithField("notification", true)
	switch level {
	case LevelError:
		entry.Error(msg)
	case LevelWarn:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}
