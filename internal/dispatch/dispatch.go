// Package dispatch performs one delivery attempt of a content entity to the
// BUS and turns every failure into a scheduled retry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/content"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
	"github.com/austindbirch/bus_relay/internal/notify"
	"github.com/austindbirch/bus_relay/internal/payload"
	"github.com/austindbirch/bus_relay/internal/retry"
	"github.com/austindbirch/bus_relay/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// ErrNotConfigured means the BUS endpoint or credentials are missing. The
// dispatch is skipped and no retry is started.
var ErrNotConfigured = bus.ErrNotConfigured

// Outcome labels, also used for busrelay_dispatches_total.
const (
	OutcomeSuccess   = "success"
	OutcomeAuth      = "auth"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeSkipped   = "skipped"
	OutcomeGone      = "gone"
)

// Mode says where a dispatch came from.
type Mode string

const (
	// ModeImmediate is a synchronous dispatch right after a content change.
	ModeImmediate Mode = "immediate"
	// ModeManual is an operator-requested sync.
	ModeManual Mode = "manual"
	// ModeScheduled is a retry entry that came due.
	ModeScheduled Mode = "scheduled"
)

type Tokens interface {
	Acquire(ctx context.Context) (string, error)
	Flush(ctx context.Context) error
}

type Sender interface {
	Send(ctx context.Context, env bus.Envelope, token string) (*bus.Response, error)
}

type Request struct {
	EventType bus.EventType
	EntityID  int64
	// Snapshot is used when the entity no longer exists in the CMS.
	Snapshot []byte
	Mode     Mode
}

// Result describes what one attempt did.
type Result struct {
	EventType    bus.EventType `json:"event_type"`
	EntityID     int64         `json:"entity_id"`
	Outcome      string        `json:"outcome"`
	StatusCode   int           `json:"status_code,omitempty"`
	Retry        *retry.Entry  `json:"retry,omitempty"`
	DeadLettered bool          `json:"dead_lettered,omitempty"`
}

type Deps struct {
	Bus      config.Bus
	Loader   *content.Loader
	Builder  *payload.Builder
	Tokens   Tokens
	Sender   Sender
	Retries  *retry.Scheduler
	Notifier *notify.Notifier
	Logger   *logging.Logger
}

type Dispatcher struct {
	cfg      config.Bus
	loader   *content.Loader
	builder  *payload.Builder
	tokens   Tokens
	sender   Sender
	retries  *retry.Scheduler
	notifier *notify.Notifier
	now      func() time.Time
	logger   *logging.Logger
}

func New(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = logging.New("dispatch")
	}
	return &Dispatcher{
		cfg:      d.Bus,
		loader:   d.Loader,
		builder:  d.Builder,
		tokens:   d.Tokens,
		sender:   d.Sender,
		retries:  d.Retries,
		notifier: d.Notifier,
		now:      time.Now,
		logger:   d.Logger,
	}
}

func (d *Dispatcher) Configured() bool { return d.cfg.Configured() }

// Resolve maps a revision id to its article; other kinds pass through.
func (d *Dispatcher) Resolve(ctx context.Context, kind bus.Kind, id int64) (int64, error) {
	return d.loader.Canonical(ctx, kind, id, 0)
}

// Dispatch sends one event now. A pending retry for the same entity is
// removed on success unless it was rescheduled while sending.
//
// Delivery failures are not returned: they are scheduled as retries and
// reported in the Result. The error is non-nil only for ErrNotConfigured
// and retry.ErrSchedule.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.Mode == "" {
		req.Mode = ModeImmediate
	}
	var generation int64
	attempt := 0
	key := retry.Key{Kind: req.EventType.Kind(), EntityID: req.EntityID}
	if e, ok, err := d.retries.Pending(ctx, key); err != nil {
		d.logger.WithContext(ctx).WithEntity(req.EntityID).WithError(err).Warn("pending retry lookup failed")
	} else if ok {
		generation = e.Generation
		attempt = e.Attempt
		if req.Snapshot == nil {
			req.Snapshot = e.Snapshot
		}
	}
	return d.attempt(ctx, req, generation, attempt)
}

// RunScheduled performs the attempt for a due retry entry. It matches
// retry.RunFunc.
func (d *Dispatcher) RunScheduled(ctx context.Context, e retry.Entry) error {
	_, err := d.attempt(ctx, Request{
		EventType: e.EventType,
		EntityID:  e.EntityID,
		Snapshot:  e.Snapshot,
		Mode:      ModeScheduled,
	}, e.Generation, e.Attempt)
	return err
}

func (d *Dispatcher) attempt(ctx context.Context, req Request, generation int64, attempt int) (Result, error) {
	et := req.EventType
	ctx, span := tracing.StartSpan(ctx, "dispatch."+string(req.Mode),
		tracing.DispatchAttributes(string(et), req.EntityID, attempt)...)
	defer span.End()

	log := d.logger.WithContext(ctx).WithVenture(d.cfg.VentureID).WithEvent(string(et)).
		WithEntity(req.EntityID).WithAttempt(attempt)
	res := Result{EventType: et, EntityID: req.EntityID}

	if !d.cfg.Configured() {
		res.Outcome = OutcomeSkipped
		metrics.RecordDispatch(string(et), res.Outcome, 0)
		log.Error("BUS endpoint or credentials missing, dispatch skipped")
		d.notifier.Error(ctx, fmt.Sprintf("[%s] Missing BUS endpoint or credentials", et))
		if req.Mode == ModeScheduled {
			// keep the entry; configuration may be fixed before the next attempt
			return d.fail(ctx, req, res, "not_configured", ErrNotConfigured)
		}
		return res, ErrNotConfigured
	}

	tracing.AddSpanEvent(ctx, "content.load")
	rec, err := d.loader.Load(ctx, et.Kind(), req.EntityID, req.Snapshot)
	if errors.Is(err, content.ErrNotFound) {
		res.Outcome = OutcomeGone
		metrics.RecordDispatch(string(et), res.Outcome, 0)
		log.Warn("entity no longer exists and no snapshot was kept, dropping event")
		d.complete(ctx, req, generation)
		return res, nil
	}
	if err != nil {
		return d.fail(ctx, req, res, "cms", err)
	}

	ref, p, err := d.builder.Build(ctx, et, rec)
	if err != nil {
		return d.permanent(ctx, req, res, generation, err)
	}

	tracing.AddSpanEvent(ctx, "bus.acquire_token")
	token, err := d.tokens.Acquire(ctx)
	if err != nil {
		return d.fail(ctx, req, res, bus.ReasonOf(err), err)
	}

	env := bus.NewEnvelope(et, d.cfg.VentureID, ref, d.cfg.APIVersion, d.now(), p)
	resp, err := d.sender.Send(ctx, env, token)
	if resp != nil {
		res.StatusCode = resp.StatusCode
		span.SetAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.Int64("http.latency_ms", resp.Latency.Milliseconds()),
		)
	}
	if err != nil {
		var de *bus.DeliveryError
		if errors.As(err, &de) && !de.Retryable() {
			return d.permanent(ctx, req, res, generation, err)
		}
		return d.fail(ctx, req, res, bus.ReasonOf(err), err)
	}

	res.Outcome = OutcomeSuccess
	metrics.RecordDispatch(string(et), res.Outcome, resp.Latency)
	tracing.AddSpanEvent(ctx, "dispatch.success")
	d.complete(ctx, req, generation)

	entry := log.WithFields(map[string]any{
		"status":     resp.StatusCode,
		"latency_ms": resp.Latency.Milliseconds(),
		"mode":       string(req.Mode),
	})
	if !resp.JSON {
		entry = entry.WithField("body", string(resp.Body))
		entry.Warn("BUS accepted the event but returned a non-JSON body")
	} else {
		entry.Info("event sent to BUS")
	}
	d.notifier.Info(ctx, fmt.Sprintf("%s: pushed %s (ID: %d) to BUS [%s]", et, et.Kind(), req.EntityID, req.Mode))
	return res, nil
}

// complete removes the pending entry the attempt was made for. generation
// zero means there was none when the attempt started.
func (d *Dispatcher) complete(ctx context.Context, req Request, generation int64) {
	if generation == 0 {
		return
	}
	key := retry.Key{Kind: req.EventType.Kind(), EntityID: req.EntityID}
	if err := d.retries.Complete(ctx, key, generation); err != nil {
		d.logger.WithContext(ctx).WithEntity(req.EntityID).WithError(err).Error("could not clear retry entry")
	}
}

// fail flushes the token, schedules the next attempt and alerts.
func (d *Dispatcher) fail(ctx context.Context, req Request, res Result, reason string, cause error) (Result, error) {
	et := req.EventType
	tracing.SetSpanError(ctx, cause)
	if err := d.tokens.Flush(ctx); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("token flush failed")
	}

	res.Outcome = OutcomeTransient
	var de *bus.DeliveryError
	var ae *bus.AuthError
	switch {
	case errors.As(cause, &de) && de.Outcome == bus.OutcomeAuth, errors.As(cause, &ae):
		res.Outcome = OutcomeAuth
	case errors.Is(cause, ErrNotConfigured):
		res.Outcome = OutcomeSkipped
	}
	if res.Outcome != OutcomeSkipped {
		metrics.RecordDispatch(string(et), res.Outcome, 0)
	}

	log := d.logger.WithContext(ctx).WithVenture(d.cfg.VentureID).WithEvent(string(et)).
		WithEntity(req.EntityID).WithError(cause).WithField("reason", reason)

	sched, err := d.retries.ScheduleFailure(ctx, retry.Request{
		Kind:      et.Kind(),
		EntityID:  req.EntityID,
		EventType: et,
		Snapshot:  req.Snapshot,
		LastError: reason + ": " + cause.Error(),
		Immediate: req.Mode != ModeScheduled,
	})
	if err != nil {
		log.WithField("schedule_error", err.Error()).Error("dispatch failed and the retry could not be scheduled")
		d.notifier.Alert(ctx, fmt.Sprintf("%s: could not schedule retry for %s %d: %v", et, et.Kind(), req.EntityID, err))
		return res, err
	}
	res.Retry = &sched.Entry
	res.DeadLettered = sched.DeadLettered
	if sched.DeadLettered {
		return res, nil
	}

	log.WithAttempt(sched.Entry.Attempt).
		WithField("next_attempt_at", sched.Entry.NextAttemptAt.UTC().Format(time.RFC3339)).
		Error("dispatch failed, retry scheduled")
	d.notifier.Alert(ctx, fmt.Sprintf("%s: could not push %s (ID: %d) to BUS (%s), queued to run at %s",
		et, et.Kind(), req.EntityID, reason, sched.Entry.NextAttemptAt.UTC().Format(time.RFC3339)))
	return res, nil
}

// permanent handles attempts that cannot succeed by retrying: the entry is
// dropped and an operator is alerted.
func (d *Dispatcher) permanent(ctx context.Context, req Request, res Result, generation int64, cause error) (Result, error) {
	et := req.EventType
	tracing.SetSpanError(ctx, cause)
	res.Outcome = OutcomePermanent
	metrics.RecordDispatch(string(et), res.Outcome, 0)
	d.logger.WithContext(ctx).WithEvent(string(et)).WithEntity(req.EntityID).WithError(cause).
		Error("event rejected permanently, not retrying")
	d.complete(ctx, req, generation)
	d.notifier.Alert(ctx, fmt.Sprintf("%s: %s (ID: %d) cannot be sent: %v", et, et.Kind(), req.EntityID, cause))
	return res, nil
}
