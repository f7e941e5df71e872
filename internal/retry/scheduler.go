package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
	"github.com/austindbirch/bus_relay/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// Alerter receives operator alerts.
type Alerter interface {
	Alert(ctx context.Context, msg string)
}

// Request describes the entity to (re)schedule.
type Request struct {
	Kind      bus.Kind
	EntityID  int64
	EventType bus.EventType
	Snapshot  []byte
	LastError string
	// Immediate marks a failure of a synchronous dispatch, which is retried
	// sooner than a failed scheduled attempt.
	Immediate bool
}

func (r Request) Key() Key { return Key{Kind: r.Kind, EntityID: r.EntityID} }

// Result is what a schedule call left behind.
type Result struct {
	Entry        Entry
	DeadLettered bool
}

// Scheduler owns the per-entity retry state machine: an entity is idle, or
// has exactly one pending entry that each reschedule replaces.
type Scheduler struct {
	store    Store
	timer    Timer
	dlq      Publisher
	dlqTopic string
	alerter  Alerter
	cfg      config.Retry
	now      func() time.Time
	logger   *logging.Logger
}

// NewScheduler returns a Scheduler over store. timer may be nil, in which
// case only the poller fires entries.
func NewScheduler(store Store, timer Timer, cfg config.Retry, logger *logging.Logger) *Scheduler {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Minute
	}
	if cfg.ImmediateRetry <= 0 {
		cfg.ImmediateRetry = time.Minute
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = time.Minute
	}
	if logger == nil {
		logger = logging.New("retry")
	}
	return &Scheduler{store: store, timer: timer, cfg: cfg, now: time.Now, logger: logger}
}

// WithDeadLetterTopic also publishes dead letters to topic.
func (s *Scheduler) WithDeadLetterTopic(p Publisher, topic string) *Scheduler {
	s.dlq = p
	s.dlqTopic = topic
	return s
}

func (s *Scheduler) WithAlerter(a Alerter) *Scheduler {
	s.alerter = a
	return s
}

// Store exposes the backing store for read-only callers such as the API.
func (s *Scheduler) Store() Store { return s.store }

// ScheduleFailure records a failed attempt and schedules the next one.
func (s *Scheduler) ScheduleFailure(ctx context.Context, req Request) (Result, error) {
	delay := s.cfg.Backoff
	reason := "backoff"
	if req.Immediate {
		delay = s.cfg.ImmediateRetry
		reason = "immediate_failure"
	}
	res, err := s.schedule(ctx, req, delay, true, reason)
	if err != nil {
		return res, err
	}
	if s.cfg.MaxAttempts > 0 && res.Entry.Attempt >= s.cfg.MaxAttempts {
		if err := s.bury(ctx, res.Entry); err != nil {
			return res, err
		}
		res.DeadLettered = true
	}
	return res, nil
}

// ScheduleConfirm schedules a confirmatory re-send without counting a
// failure.
func (s *Scheduler) ScheduleConfirm(ctx context.Context, req Request) (Result, error) {
	return s.schedule(ctx, req, s.cfg.ConfirmDelay, false, "confirm")
}

// ScheduleAt schedules req at an explicit time, used for scheduled posts
// going live.
func (s *Scheduler) ScheduleAt(ctx context.Context, req Request, at time.Time) (Result, error) {
	return s.schedule(ctx, req, at.Sub(s.now()), false, "scheduled")
}

func (s *Scheduler) schedule(ctx context.Context, req Request, delay time.Duration, failure bool, reason string) (Result, error) {
	if delay < 0 {
		delay = 0
	}
	e, err := s.store.Upsert(ctx, Upsert{
		Kind:         req.Kind,
		EntityID:     req.EntityID,
		EventType:    req.EventType,
		At:           s.now().Add(delay),
		CountFailure: failure,
		Snapshot:     req.Snapshot,
		LastError:    req.LastError,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: store %s: %v", ErrSchedule, req.Key(), err)
	}
	metrics.RecordRetry(reason)
	tracing.AddSpanEvent(ctx, "retry.scheduled",
		attribute.String("reason", reason),
		attribute.Int64("generation", e.Generation),
		attribute.String("delay", delay.String()),
	)

	if s.timer != nil && !(failure && s.cfg.MaxAttempts > 0 && e.Attempt >= s.cfg.MaxAttempts) {
		if err := s.timer.Arm(ctx, e); err != nil {
			return Result{Entry: e}, fmt.Errorf("%w: arm %s: %v", ErrSchedule, e.Key(), err)
		}
	}

	s.logger.WithContext(ctx).
		WithEvent(string(e.EventType)).
		WithEntity(e.EntityID).
		WithAttempt(e.Attempt).
		WithFields(map[string]any{
			"reason":          reason,
			"generation":      e.Generation,
			"next_attempt_at": e.NextAttemptAt.UTC().Format(time.RFC3339),
		}).Info("retry scheduled")
	return Result{Entry: e}, nil
}

// Rearm arms e again without touching the store. It is used when a wake-up
// arrives before e is due.
func (s *Scheduler) Rearm(ctx context.Context, e Entry) error {
	if s.timer == nil {
		return nil
	}
	if err := s.timer.Arm(ctx, e); err != nil {
		return fmt.Errorf("%w: arm %s: %v", ErrSchedule, e.Key(), err)
	}
	return nil
}

// bury moves e to the dead letters, publishes it when a topic is set and
// alerts.
func (s *Scheduler) bury(ctx context.Context, e Entry) error {
	reason := fmt.Sprintf("max attempts reached (%d)", e.Attempt)
	dl := NewDeadLetter(e, reason, s.now())
	if err := s.store.Bury(ctx, dl); err != nil {
		return fmt.Errorf("%w: bury %s: %v", ErrSchedule, e.Key(), err)
	}
	metrics.RecordDeadLetter(string(e.EventType))
	tracing.AddSpanEvent(ctx, "retry.dead_lettered", attribute.Int("attempt", e.Attempt))

	log := s.logger.WithContext(ctx).WithEvent(string(e.EventType)).WithEntity(e.EntityID).WithAttempt(e.Attempt)
	if s.dlq != nil && s.dlqTopic != "" {
		b, _ := json.Marshal(dl)
		if err := s.dlq.Publish(s.dlqTopic, b); err != nil {
			log.WithError(err).Error("dead letter publish failed")
			tracing.SetSpanError(ctx, err)
		} else {
			log.WithField("topic", s.dlqTopic).Info("dead letter published")
		}
	}
	log.WithField("last_error", e.LastError).Error("giving up: " + reason)
	if s.alerter != nil {
		s.alerter.Alert(ctx, fmt.Sprintf("%s: gave up on %s %d after %d attempts: %s",
			e.EventType, e.Kind, e.EntityID, e.Attempt, e.LastError))
	}
	return nil
}

// Complete removes the entry for key after a successful send. The entry is
// only removed while it still has generation; zero removes any entry.
func (s *Scheduler) Complete(ctx context.Context, key Key, generation int64) error {
	removed, err := s.store.Delete(ctx, key, generation)
	if err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	if !removed {
		s.logger.WithContext(ctx).WithEntity(key.EntityID).
			WithFields(map[string]any{"kind": string(key.Kind), "generation": generation}).
			Debug("entry was rescheduled while sending, keeping it")
	}
	return nil
}

// Current returns the entry when generation is still the live one.
func (s *Scheduler) Current(ctx context.Context, key Key, generation int64) (Entry, bool, error) {
	e, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if e.Generation != generation {
		return e, false, nil
	}
	return e, true, nil
}

// Pending returns the entry for key, if any.
func (s *Scheduler) Pending(ctx context.Context, key Key) (Entry, bool, error) {
	return s.store.Get(ctx, key)
}

// Due claims up to limit entries that are overdue by at least grace.
func (s *Scheduler) Due(ctx context.Context, limit int, grace time.Duration) ([]Entry, error) {
	now := s.now()
	lease := s.cfg.Lease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return s.store.Claim(ctx, now.Add(-grace), now.Add(lease), limit)
}
