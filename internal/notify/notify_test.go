package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
)

type stubSink struct {
	name string
	err  error
	got  []string
}

func (s *stubSink) Name() string { return s.name }
func (s *stubSink) Send(_ context.Context, level Level, msg string) error {
	s.got = append(s.got, string(level)+":"+msg)
	return s.err
}

func TestNotifier_FansOut(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("test")
	logger.SetOutput(&buf)

	ok := &stubSink{name: "ok-sink"}
	bad := &stubSink{name: "bad-sink", err: errors.New("unreachable")}
	dropped := &stubSink{name: "dropped-sink", err: ErrDropped}

	sentBefore := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("ok-sink", "sent"))
	failedBefore := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("bad-sink", "failed"))
	droppedBefore := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("dropped-sink", "dropped"))

	n := New(logger, ok, bad, dropped)
	n.Alert(context.Background(), "token login failed")

	if len(ok.got) != 1 || ok.got[0] != "error:token login failed" {
		t.Errorf("ok sink got %v", ok.got)
	}
	if len(bad.got) != 1 || len(dropped.got) != 1 {
		t.Error("every sink should be tried")
	}
	if got := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("ok-sink", "sent")) - sentBefore; got != 1 {
		t.Errorf("sent = %v", got)
	}
	if got := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("bad-sink", "failed")) - failedBefore; got != 1 {
		t.Errorf("failed = %v", got)
	}
	if got := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("dropped-sink", "dropped")) - droppedBefore; got != 1 {
		t.Errorf("dropped = %v", got)
	}
	if !strings.Contains(buf.String(), "notification failed") {
		t.Errorf("sink failure not logged: %s", buf.String())
	}
}

func TestNotifier_NilIsNoop(t *testing.T) {
	var n *Notifier
	n.Info(context.Background(), "ignored")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("test")
	logger.SetOutput(&buf)

	s := NewLogSink(logger)
	if err := s.Send(context.Background(), LevelWarn, "slow BUS"); err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["level"] != "warn" || entry["msg"] != "slow BUS" {
		t.Errorf("entry = %v", entry)
	}
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.Slack
		wantSinks int
	}{
		{name: "disabled", cfg: config.Slack{HookURL: "http://hook", Channel: "#bus", BotName: "bus"}, wantSinks: 1},
		{name: "missing channel", cfg: config.Slack{Enabled: true, HookURL: "http://hook", BotName: "bus"}, wantSinks: 1},
		{name: "enabled", cfg: config.Slack{Enabled: true, HookURL: "http://hook", Channel: "#bus", BotName: "bus"}, wantSinks: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := FromConfig(tt.cfg, logging.New("test"))
			if len(n.sinks) != tt.wantSinks {
				t.Errorf("sinks = %d, want %d", len(n.sinks), tt.wantSinks)
			}
		})
	}
}

type webhookBody struct {
	Channel   string `json:"channel"`
	Username  string `json:"username"`
	IconEmoji string `json:"icon_emoji"`
	Text      string `json:"text"`
}

func TestSlackSink_Send(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{name: "delivered", statuses: []int{http.StatusOK}, wantCalls: 1},
		{name: "retried after server error", statuses: []int{http.StatusInternalServerError, http.StatusOK}, wantCalls: 2},
		{name: "client error not retried", statuses: []int{http.StatusBadRequest}, wantCalls: 1, wantErr: true},
		{name: "gives up after max tries", statuses: []int{500, 500, 500, 500}, wantCalls: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			var last webhookBody
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				b, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(b, &last)
				w.WriteHeader(tt.statuses[int(n)-1])
			}))
			defer srv.Close()

			s := NewSlack(config.Slack{Enabled: true, HookURL: srv.URL, Channel: "#bus-alerts", BotName: "bus-relay", AppKey: "NTV_KE"})
			s.interval = time.Millisecond

			err := s.Send(context.Background(), LevelError, "ArticleUpdated 42 failed")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if last.Channel != "#bus-alerts" || last.Username != "bus-relay" || last.IconEmoji != ":rotating_light:" {
				t.Errorf("webhook body = %+v", last)
			}
			if last.Text != "[NTV_KE] *ERROR* ArticleUpdated 42 failed" {
				t.Errorf("text = %q", last.Text)
			}
		})
	}
}

func TestSlackSink_RateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	s := NewSlack(config.Slack{Enabled: true, HookURL: srv.URL, Channel: "#c", BotName: "b", RatePerMin: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Send(ctx, LevelInfo, "hello"); err != nil {
			t.Fatalf("Send() %d error = %v", i, err)
		}
	}
	if err := s.Send(ctx, LevelInfo, "hello"); !errors.Is(err, ErrDropped) {
		t.Errorf("third Send() error = %v, want ErrDropped", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestSlackSink_InfoFormat(t *testing.T) {
	s := &SlackSink{}
	if got := s.format(LevelInfo, "queued"); got != "queued" {
		t.Errorf("format() = %q", got)
	}
}
