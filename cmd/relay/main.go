package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/bus_relay/internal/app"
	"github.com/austindbirch/bus_relay/internal/auth"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/health"
	"github.com/austindbirch/bus_relay/internal/ingest"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
	"github.com/austindbirch/bus_relay/internal/retry"
	"github.com/austindbirch/bus_relay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(cfg.AppName + "-relay")

	shutdown, err := tracing.InitTracing(ctx, cfg.AppName+"-relay")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Plain().WithError(err).Fatal("relay startup failed")
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	handler, err := newHandler(a, reg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth configuration invalid")
	}

	// An in-memory store is invisible to the worker, so the relay sweeps it.
	if _, local := a.Store.(*retry.MemoryStore); local {
		poller := retry.NewPoller(a.Scheduler, a.Dispatcher.RunScheduled,
			cfg.Retry.PollInterval, cfg.Retry.PollBatch, 0, logger)
		go poller.Run(ctx)
		logger.Plain().Info("in-process retry poller started")
	}

	httpSrv := newHTTPServer(cfg.HTTPPort, handler)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("relay HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("relay HTTP server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relay")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("relay stopped")
}

// newHandler assembles the API with auth, health and metrics.
func newHandler(a *app.App, reg *prometheus.Registry) (http.Handler, error) {
	validator, err := auth.NewValidator(a.Cfg.Auth)
	if err != nil {
		return nil, err
	}
	if validator == nil {
		a.Logger.Plain().Warn("no AUTH_HMAC_SECRET or AUTH_PUBLIC_KEY_PEM set, the API is unauthenticated")
	}
	srv := ingest.NewServer(ingest.Deps{
		Trigger:    a.Trigger,
		Dispatcher: a.Dispatcher,
		Retries:    a.Store,
		Tokens:     a.Tokens,
		Auth:       validator.Middleware,
		Health:     health.HTTPHandler(a.Cfg.Bus.Configured(), a.HealthChecks()...),
		Metrics:    reg,
		Logger:     a.Logger,
	})
	return srv.Routes(), nil
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
