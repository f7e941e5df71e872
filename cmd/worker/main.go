package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/bus_relay/internal/app"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/health"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
	"github.com/austindbirch/bus_relay/internal/retry"
	"github.com/austindbirch/bus_relay/internal/tracing"
)

const backlogInterval = 15 * time.Second

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New(cfg.AppName + "-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, cfg.AppName+"-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Plain().WithError(err).Fatal("worker startup failed")
	}
	defer a.Close()
	if _, local := a.Store.(*retry.MemoryStore); local {
		logger.Plain().Warn("database disabled: the worker only sees retries it schedules itself")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	httpSrv := &http.Server{
		Addr:              cfg.WorkerPort,
		Handler:           newMux(reg, health.HTTPHandler(cfg.Bus.Configured(), a.HealthChecks()...)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// The poller picks up entries whose NSQ message was lost. With NSQ off
	// it is the only timer and takes entries as soon as they are due.
	grace := cfg.Retry.PollGrace
	if !cfg.NSQ.Enabled {
		grace = 0
	}
	poller := retry.NewPoller(a.Scheduler, a.Dispatcher.RunScheduled, cfg.Retry.PollInterval, cfg.Retry.PollBatch, grace, logger)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(ctx)
	}()

	var consumer *nsq.Consumer
	if cfg.NSQ.Enabled {
		consumer, err = newConsumer(cfg.NSQ, retry.NewHandler(a.Scheduler, a.Dispatcher.RunScheduled, logger))
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
		go startBacklogMonitor(ctx, cfg.NSQ, logger)
	}

	logger.Plain().Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	cancel()
	<-pollerDone
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

func newMux(reg *prometheus.Registry, healthz http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthz)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func newConsumer(cfg config.NSQ, h nsq.Handler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 50
	// attempts are retried through the store, not NSQ redelivery
	conf.MaxAttempts = 0
	consumer, err := nsq.NewConsumer(cfg.RetryTopic, cfg.WorkerChannel, conf)
	if err != nil {
		return nil, err
	}
	consumer.AddHandler(h)
	return consumer, nil
}

// nsqdHTTPAddr derives the nsqd HTTP address from its TCP address, using the
// default port pairing 4150 -> 4151.
func nsqdHTTPAddr(tcpAddr string) string {
	host, port, err := net.SplitHostPort(tcpAddr)
	if err != nil || port != "4150" {
		return tcpAddr
	}
	return net.JoinHostPort(host, "4151")
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// collectBacklog reads nsqd /stats and records the depth of every channel on
// the retry and dead letter topics.
func collectBacklog(ctx context.Context, client *http.Client, cfg config.NSQ) error {
	url := fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr(cfg.NsqdTCPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode NSQ stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if topic.Name != cfg.RetryTopic && topic.Name != cfg.DLQTopic {
			continue
		}
		if len(topic.Channels) == 0 {
			metrics.UpdateNSQTopicDepth(topic.Name, "", float64(topic.Depth))
		}
		for _, channel := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.Name, channel.Name, float64(channel.Depth))
		}
	}
	return nil
}

// startBacklogMonitor periodically updates NSQ depth metrics until ctx ends.
func startBacklogMonitor(ctx context.Context, cfg config.NSQ, logger *logging.Logger) {
	ticker := time.NewTicker(backlogInterval)
	defer ticker.Stop()
	client := &http.Client{Timeout: 5 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := collectBacklog(ctx, client, cfg); err != nil && ctx.Err() == nil {
				logger.Plain().WithError(err).Error("Failed to update NSQ backlog")
			}
		}
	}
}
