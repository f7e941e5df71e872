package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/config"
)

type recordingDelegate struct {
	finished     int
	requeued     int
	requeueDelay time.Duration
}

func (d *recordingDelegate) OnFinish(*nsq.Message) { d.finished++ }
func (d *recordingDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued++
	d.requeueDelay = delay
}
func (d *recordingDelegate) OnTouch(*nsq.Message) {}

func newNSQMessage(t *testing.T, body []byte) (*nsq.Message, *recordingDelegate) {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	d := &recordingDelegate{}
	m.Delegate = d
	return m, d
}

func TestHandler_HandleMessage(t *testing.T) {
	boom := errors.New("bus unavailable")

	tests := []struct {
		name         string
		staleMessage bool
		runErr       error
		wantRuns     int
		wantFinished int
		wantRequeued int
	}{
		{name: "current generation runs", wantRuns: 1, wantFinished: 1},
		{name: "stale generation dropped", staleMessage: true, wantFinished: 1},
		{name: "run error requeues", runErr: boom, wantRuns: 1, wantRequeued: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, prod := newTestScheduler(config.Retry{})
			ctx := context.Background()

			res, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated))
			if err != nil {
				t.Fatal(err)
			}
			d, _ := prod.last(t)
			if tt.staleMessage {
				if _, err := s.ScheduleConfirm(ctx, articleReq(bus.ArticleUpdated)); err != nil {
					t.Fatal(err)
				}
			}

			var runs int
			var got Entry
			h := NewHandler(s, func(_ context.Context, e Entry) error {
				runs++
				got = e
				return tt.runErr
			}, nil)
			h.now = func() time.Time { return testNow.Add(time.Hour) }

			m, del := newNSQMessage(t, d.body)
			if err := h.HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}

			if runs != tt.wantRuns {
				t.Errorf("runs = %d, want %d", runs, tt.wantRuns)
			}
			if runs > 0 && got.Generation != res.Entry.Generation {
				t.Errorf("ran generation %d, want %d", got.Generation, res.Entry.Generation)
			}
			if del.finished != tt.wantFinished || del.requeued != tt.wantRequeued {
				t.Errorf("finished = %d requeued = %d, want %d/%d",
					del.finished, del.requeued, tt.wantFinished, tt.wantRequeued)
			}
			if tt.wantRequeued > 0 && del.requeueDelay != 30*time.Second {
				t.Errorf("requeue delay = %v", del.requeueDelay)
			}
		})
	}
}

func TestHandler_BadPayloadFinished(t *testing.T) {
	s, _, _ := newTestScheduler(config.Retry{})
	h := NewHandler(s, func(context.Context, Entry) error {
		t.Fatal("run should not be called")
		return nil
	}, nil)

	m, del := newNSQMessage(t, []byte("{not json"))
	if err := h.HandleMessage(m); err != nil {
		t.Fatal(err)
	}
	if del.finished != 1 || del.requeued != 0 {
		t.Errorf("finished = %d requeued = %d", del.finished, del.requeued)
	}
}

func TestHandler_CompletedEntryDropped(t *testing.T) {
	s, _, _ := newTestScheduler(config.Retry{})
	body, _ := json.Marshal(Message{Kind: bus.KindTopic, EntityID: 7, EventType: bus.TopicUpdated, Generation: 3})

	h := NewHandler(s, func(context.Context, Entry) error {
		t.Fatal("run should not be called")
		return nil
	}, nil)
	m, del := newNSQMessage(t, body)
	if err := h.HandleMessage(m); err != nil {
		t.Fatal(err)
	}
	if del.finished != 1 {
		t.Errorf("finished = %d, want 1", del.finished)
	}
}

func TestNSQTimer_CapsDeferral(t *testing.T) {
	tests := []struct {
		name     string
		maxDelay time.Duration
		wait     time.Duration
		want     time.Duration
	}{
		{name: "within default cap", wait: 30 * time.Minute, want: 30 * time.Minute},
		{name: "beyond default cap", wait: 90 * time.Minute, want: time.Hour},
		{name: "custom cap", maxDelay: 10 * time.Minute, wait: 90 * time.Minute, want: 10 * time.Minute},
		{name: "overdue", wait: -time.Minute, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prod := &fakeProducer{}
			timer := NewNSQTimer(prod, "bus_retries", tt.maxDelay)
			timer.now = func() time.Time { return testNow }

			e := Entry{Kind: bus.KindArticle, EntityID: 42, EventType: bus.ArticleUpdated, Generation: 1, NextAttemptAt: testNow.Add(tt.wait)}
			if err := timer.Arm(context.Background(), e); err != nil {
				t.Fatalf("Arm() error = %v", err)
			}
			if d, _ := prod.last(t); d.delay != tt.want {
				t.Errorf("delay = %v, want %v", d.delay, tt.want)
			}
		})
	}
}

func TestHandler_LongBackoffArrivesInHops(t *testing.T) {
	s, _, prod := newTestScheduler(config.Retry{Backoff: 90 * time.Minute})
	ctx := context.Background()

	res, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated))
	if err != nil {
		t.Fatalf("ScheduleFailure() error = %v", err)
	}
	first, _ := prod.last(t)
	if first.delay != time.Hour {
		t.Fatalf("first deferral = %v, want 1h", first.delay)
	}

	var runs int
	h := NewHandler(s, func(context.Context, Entry) error {
		runs++
		return nil
	}, nil)

	// first hop lands half an hour early
	clock := testNow.Add(time.Hour)
	h.now = func() time.Time { return clock }
	s.timer.(*NSQTimer).now = func() time.Time { return clock }

	m, del := newNSQMessage(t, first.body)
	if err := h.HandleMessage(m); err != nil {
		t.Fatal(err)
	}
	if runs != 0 || del.finished != 1 {
		t.Fatalf("runs = %d finished = %d, want 0/1", runs, del.finished)
	}
	second, msg := prod.last(t)
	if second.delay != 30*time.Minute || msg.Generation != res.Entry.Generation {
		t.Fatalf("re-armed after %v with generation %d", second.delay, msg.Generation)
	}

	clock = testNow.Add(90 * time.Minute)
	m, del = newNSQMessage(t, second.body)
	if err := h.HandleMessage(m); err != nil {
		t.Fatal(err)
	}
	if runs != 1 || del.finished != 1 {
		t.Errorf("runs = %d finished = %d, want 1/1", runs, del.finished)
	}
}

func TestHandler_RearmFailureRequeues(t *testing.T) {
	s, _, prod := newTestScheduler(config.Retry{})
	ctx := context.Background()
	if _, err := s.ScheduleFailure(ctx, articleReq(bus.ArticleUpdated)); err != nil {
		t.Fatal(err)
	}
	d, _ := prod.last(t)
	prod.err = errors.New("E_INVALID")

	h := NewHandler(s, func(context.Context, Entry) error {
		t.Fatal("run should not be called")
		return nil
	}, nil)
	h.now = func() time.Time { return testNow }

	m, del := newNSQMessage(t, d.body)
	if err := h.HandleMessage(m); err != nil {
		t.Fatal(err)
	}
	if del.requeued != 1 || del.finished != 0 {
		t.Errorf("finished = %d requeued = %d, want 0/1", del.finished, del.requeued)
	}
}
