package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/config"
)

type fakeProducer struct {
	mu        sync.Mutex
	deferred  []deferredMsg
	published map[string][][]byte
	err       error
}

type deferredMsg struct {
	topic string
	delay time.Duration
	body  []byte
}

func (p *fakeProducer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.deferred = append(p.deferred, deferredMsg{topic: topic, delay: delay, body: body})
	return nil
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][][]byte)
	}
	p.published[topic] = append(p.published[topic], body)
	return nil
}

func (p *fakeProducer) last(t *testing.T) (deferredMsg, Message) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.deferred) == 0 {
		t.Fatal("no deferred message published")
	}
	d := p.deferred[len(p.deferred)-1]
	var m Message
	if err := json.Unmarshal(d.body, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return d, m
}

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAlerter) Alert(_ context.Context, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(cfg config.Retry) (*Scheduler, *MemoryStore, *fakeProducer) {
	store := NewMemoryStore()
	store.now = func() time.Time { return testNow }
	prod := &fakeProducer{}
	timer := NewNSQTimer(prod, "bus_retries", 0)
	timer.now = func() time.Time { return testNow }
	s := NewScheduler(store, timer, cfg, nil)
	s.now = func() time.Time { return testNow }
	return s, store, prod
}

func articleReq(et bus.EventType) Request {
	return Request{Kind: bus.KindArticle, EntityID: 42, EventType: et}
}

func TestScheduler_FailureDelays(t *testing.T) {
	tests := []struct {
		name      string
		immediate bool
		wantDelay time.Duration
	}{
		{name: "failed immediate dispatch", immediate: true, wantDelay: time.Minute},
		{name: "failed scheduled attempt", immediate: false, wantDelay: 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, prod := newTestScheduler(config.Retry{})
			req := articleReq(bus.ArticleUpdated)
			req.Immediate = tt.immediate

			res, err := s.ScheduleFailure(context.Background(), req)
			if err != nil {
				t.Fatalf("ScheduleFailure() error = %v", err)
			}
			if got := res.Entry.NextAttemptAt.Sub(testNow); got != tt.wantDelay {
				t.Errorf("delay = %v, want %v", got, tt.wantDelay)
			}
			d, msg := prod.last(t)
			if d.topic != "bus_retries" || d.delay != tt.wantDelay {
				t.Errorf("deferred publish = %s after %v", d.topic, d.delay)
			}
			if msg.Generation != res.Entry.Generation || msg.Attempt != 1 {
				t.Errorf("message = %+v", msg)
			}
		})
	}
}

func TestScheduler_IdempotentScheduling(t *testing.T) {
	s, store, _ := newTestScheduler(config.Retry{Backoff: 10 * time.Minute})
	ctx := context.Background()

	first, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated))
	if err != nil {
		t.Fatal(err)
	}

	if n, _ := store.Count(ctx); n != 1 {
		t.Fatalf("entries = %d, want 1 per entity", n)
	}
	if second.Entry.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", second.Entry.Attempt)
	}
	if second.Entry.Generation <= first.Entry.Generation {
		t.Errorf("Generation = %d, want > %d", second.Entry.Generation, first.Entry.Generation)
	}
	if _, ok, _ := s.Current(ctx, first.Entry.Key(), first.Entry.Generation); ok {
		t.Error("first generation should be stale after reschedule")
	}
}

func TestScheduler_ConfirmDoesNotCountFailure(t *testing.T) {
	s, _, _ := newTestScheduler(config.Retry{})
	ctx := context.Background()

	if _, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated)); err != nil {
		t.Fatal(err)
	}
	res, err := s.ScheduleConfirm(ctx, articleReq(bus.ArticleUpdated))
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1 (confirm does not count)", res.Entry.Attempt)
	}
	if got := res.Entry.NextAttemptAt.Sub(testNow); got != time.Minute {
		t.Errorf("confirm delay = %v, want 1m", got)
	}
}

func TestScheduler_EventTypeMerge(t *testing.T) {
	s, _, _ := newTestScheduler(config.Retry{})
	ctx := context.Background()

	if _, err := s.ScheduleConfirm(ctx, articleReq(bus.ArticleCreated)); err != nil {
		t.Fatal(err)
	}
	res, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated))
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.EventType != bus.ArticleCreated {
		t.Errorf("EventType = %s, want pending Created kept", res.Entry.EventType)
	}

	del := articleReq(bus.ArticleDeleted)
	del.Snapshot = []byte(`{"article":{"id":42}}`)
	res, err = s.ScheduleConfirm(ctx, del)
	if err != nil {
		t.Fatal(err)
	}
	res, err = s.ScheduleConfirm(ctx, articleReq(bus.ArticleUpdated))
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.EventType != bus.ArticleDeleted {
		t.Errorf("EventType = %s, want Deleted to win", res.Entry.EventType)
	}
	if string(res.Entry.Snapshot) != `{"article":{"id":42}}` {
		t.Errorf("Snapshot = %s, want kept from delete", res.Entry.Snapshot)
	}
}

func TestScheduler_Complete(t *testing.T) {
	s, store, _ := newTestScheduler(config.Retry{})
	ctx := context.Background()

	old, _ := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated))
	newer, _ := s.ScheduleConfirm(ctx, articleReq(bus.ArticleUpdated))

	if err := s.Complete(ctx, old.Entry.Key(), old.Entry.Generation); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Fatalf("completing a stale generation removed the newer entry")
	}
	if err := s.Complete(ctx, newer.Entry.Key(), newer.Entry.Generation); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestScheduler_MaxAttempts(t *testing.T) {
	s, store, prod := newTestScheduler(config.Retry{MaxAttempts: 2})
	alerts := &fakeAlerter{}
	s.WithDeadLetterTopic(prod, "bus_retries_dlq").WithAlerter(alerts)
	ctx := context.Background()

	req := articleReq(bus.ArticleUpdated)
	req.LastError = "http_5xx"
	res, err := s.ScheduleFailure(ctx, req)
	if err != nil || res.DeadLettered {
		t.Fatalf("first failure = %+v, %v", res, err)
	}
	armedBefore := len(prod.deferred)

	res, err = s.ScheduleFailure(ctx, req)
	if err != nil {
		t.Fatalf("ScheduleFailure() error = %v", err)
	}
	if !res.DeadLettered {
		t.Fatal("second failure should dead-letter")
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("entries = %d, want entry removed", n)
	}
	if len(prod.deferred) != armedBefore {
		t.Error("a dead-lettered entry should not be re-armed")
	}
	dls := store.DeadLetters()
	if len(dls) != 1 || dls[0].Attempt != 2 || dls[0].Type != DeadLetterType || dls[0].ID == "" {
		t.Errorf("dead letters = %+v", dls)
	}
	if len(prod.published["bus_retries_dlq"]) != 1 {
		t.Errorf("dlq topic messages = %d, want 1", len(prod.published["bus_retries_dlq"]))
	}
	if len(alerts.msgs) != 1 {
		t.Errorf("alerts = %v", alerts.msgs)
	}
}

func TestScheduler_UnlimitedAttempts(t *testing.T) {
	s, store, _ := newTestScheduler(config.Retry{})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if res, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated)); err != nil || res.DeadLettered {
			t.Fatalf("failure %d = %+v, %v", i, res, err)
		}
	}
	if e, ok, _ := store.Get(ctx, Key{Kind: bus.KindArticle, EntityID: 42}); !ok || e.Attempt != 20 {
		t.Errorf("entry = %+v", e)
	}
}

func TestScheduler_TimerErrorIsScheduleError(t *testing.T) {
	s, _, prod := newTestScheduler(config.Retry{})
	prod.err = errors.New("nsqd down")

	_, err := s.ScheduleConfirm(context.Background(), articleReq(bus.ArticleUpdated))
	if !errors.Is(err, ErrSchedule) {
		t.Errorf("error = %v, want ErrSchedule", err)
	}
}

func TestScheduler_ScheduleAt(t *testing.T) {
	s, _, prod := newTestScheduler(config.Retry{})
	res, err := s.ScheduleAt(context.Background(), articleReq(bus.ArticleCreated), testNow.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.Attempt != 0 || !res.Entry.NextAttemptAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("entry = %+v", res.Entry)
	}
	if d, _ := prod.last(t); d.delay != time.Minute {
		t.Errorf("delay = %v", d.delay)
	}
}

func TestScheduler_WithoutTimer(t *testing.T) {
	store := NewMemoryStore()
	s := NewScheduler(store, nil, config.Retry{}, nil)
	if _, err := s.ScheduleConfirm(context.Background(), articleReq(bus.ArticleUpdated)); err != nil {
		t.Fatalf("ScheduleConfirm() without timer error = %v", err)
	}
}
