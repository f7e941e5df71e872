package retry

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// Handler consumes deferred retry messages. Messages whose generation no
// longer matches the stored entry are dropped.
type Handler struct {
	sched        *Scheduler
	run          RunFunc
	requeueDelay time.Duration
	now          func() time.Time
	logger       *logging.Logger
}

// earlyTolerance absorbs clock skew between nsqd and the worker.
const earlyTolerance = time.Second

func NewHandler(sched *Scheduler, run RunFunc, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.New("retry-consumer")
	}
	return &Handler{sched: sched, run: run, requeueDelay: 30 * time.Second, now: time.Now, logger: logger}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var msg Message
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		h.logger.Plain().WithError(err).Error("bad retry message")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := tracing.ExtractHeaders(context.Background(), msg.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "retry.fire",
		tracing.DispatchAttributes(string(msg.EventType), msg.EntityID, msg.Attempt)...)
	defer span.End()

	e, current, err := h.sched.Current(ctx, msg.Key(), msg.Generation)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithEntity(msg.EntityID).WithError(err).Error("load retry entry failed")
		m.Requeue(h.requeueDelay)
		return nil
	}
	if !current {
		span.SetAttributes(attribute.Bool("retry.stale", true))
		h.logger.WithContext(ctx).WithEvent(string(msg.EventType)).WithEntity(msg.EntityID).
			WithField("generation", msg.Generation).Debug("stale retry message dropped")
		m.Finish()
		return nil
	}

	// deferrals are capped, so long backoffs arrive in several hops
	if wait := e.NextAttemptAt.Sub(h.now()); wait > earlyTolerance {
		if err := h.sched.Rearm(ctx, e); err != nil {
			tracing.SetSpanError(ctx, err)
			h.logger.WithContext(ctx).WithEntity(e.EntityID).WithError(err).Error("re-arm retry failed, requeueing")
			m.Requeue(h.requeueDelay)
			return nil
		}
		span.SetAttributes(attribute.Bool("retry.rearmed", true))
		h.logger.WithContext(ctx).WithEvent(string(e.EventType)).WithEntity(e.EntityID).
			WithField("wait", wait.String()).Debug("retry not due yet, re-armed")
		m.Finish()
		return nil
	}

	if err := h.run(ctx, e); err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithEvent(string(e.EventType)).WithEntity(e.EntityID).
			WithAttempt(e.Attempt).WithError(err).Error("scheduled attempt failed, requeueing")
		m.Requeue(h.requeueDelay)
		return nil
	}
	m.Finish()
	return nil
}
