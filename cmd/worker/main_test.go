package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
)

func TestNsqdHTTPAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"nsqd:4150", "nsqd:4151"},
		{"127.0.0.1:4150", "127.0.0.1:4151"},
		{"nsqd:5000", "nsqd:5000"},
		{"nsqd", "nsqd"},
	}
	for _, tt := range tests {
		if got := nsqdHTTPAddr(tt.in); got != tt.want {
			t.Errorf("nsqdHTTPAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

const statsBody = `{
  "topics": [
    {"topic_name": "bus_retries", "depth": 0, "channels": [
      {"channel_name": "workers", "depth": 7}
    ]},
    {"topic_name": "bus_dead_letters", "depth": 3, "channels": []},
    {"topic_name": "unrelated", "depth": 99, "channels": [
      {"channel_name": "other", "depth": 99}
    ]}
  ]
}`

func TestCollectBacklog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, statsBody)
	}))
	defer srv.Close()

	cfg := config.NSQ{
		NsqdTCPAddr:   srv.Listener.Addr().String(),
		RetryTopic:    "bus_retries",
		DLQTopic:      "bus_dead_letters",
		WorkerChannel: "workers",
	}
	if err := collectBacklog(context.Background(), srv.Client(), cfg); err != nil {
		t.Fatalf("collectBacklog: %v", err)
	}

	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("bus_retries", "workers")); got != 7 {
		t.Errorf("retry depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("bus_dead_letters", "")); got != 3 {
		t.Errorf("dead letter depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("unrelated", "other")); got != 0 {
		t.Errorf("unrelated topic recorded: %v", got)
	}
}

func TestCollectBacklog_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "{")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			cfg := config.NSQ{NsqdTCPAddr: srv.Listener.Addr().String(), RetryTopic: "bus_retries"}
			if err := collectBacklog(context.Background(), srv.Client(), cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStartBacklogMonitor_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.New("test")
	logger.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		startBacklogMonitor(ctx, config.NSQ{NsqdTCPAddr: "127.0.0.1:1"}, logger)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestNewMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	healthz := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mux := newMux(reg, healthz)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusTeapot},
		{"/metrics", http.StatusOK},
		{"/other", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}
