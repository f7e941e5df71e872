package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/bus_relay/internal/tracing"
)

// Timer arms a wake-up for an entry at its NextAttemptAt.
type Timer interface {
	Arm(ctx context.Context, e Entry) error
}

// DeferredPublisher is the part of *nsq.Producer the NSQ timer needs.
type DeferredPublisher interface {
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// Publisher is the part of *nsq.Producer used for dead letters.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DefaultMaxDeferral matches nsqd's default --max-req-timeout.
const DefaultMaxDeferral = time.Hour

// NSQTimer arms retries as deferred messages. NSQ cannot cancel a deferred
// message, so superseded ones are recognised by generation on arrival.
// Deferrals are capped at maxDelay; a message that arrives before its entry
// is due is re-armed by the Handler.
type NSQTimer struct {
	producer DeferredPublisher
	topic    string
	maxDelay time.Duration
	now      func() time.Time
}

func NewNSQTimer(producer DeferredPublisher, topic string, maxDelay time.Duration) *NSQTimer {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDeferral
	}
	return &NSQTimer{producer: producer, topic: topic, maxDelay: maxDelay, now: time.Now}
}

func (t *NSQTimer) Arm(ctx context.Context, e Entry) error {
	now := t.now()
	delay := e.NextAttemptAt.Sub(now)
	delay = max(0, min(delay, t.maxDelay))
	body, err := json.Marshal(NewMessage(e, now, tracing.InjectHeaders(ctx)))
	if err != nil {
		return fmt.Errorf("encode retry message: %w", err)
	}
	if err := t.producer.DeferredPublish(t.topic, delay, body); err != nil {
		return fmt.Errorf("publish %s to %s: %w", e.Key(), t.topic, err)
	}
	return nil
}
