// Package app builds the relay's object graph from configuration. The relay
// and worker binaries share it so both dispatch identically.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/cache"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/content"
	"github.com/austindbirch/bus_relay/internal/db"
	"github.com/austindbirch/bus_relay/internal/dispatch"
	"github.com/austindbirch/bus_relay/internal/health"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/notify"
	"github.com/austindbirch/bus_relay/internal/payload"
	"github.com/austindbirch/bus_relay/internal/retry"
	"github.com/austindbirch/bus_relay/internal/trigger"
	"github.com/austindbirch/bus_relay/internal/wordpress"
)

type Options struct {
	// Accessor replaces the WordPress REST client.
	Accessor content.Accessor
	// DBConnectTries bounds startup connection attempts; 0 means 10.
	DBConnectTries uint
}

type App struct {
	Cfg    config.Config
	Logger *logging.Logger

	Cache    cache.Cache
	Redis    *cache.Redis
	Pool     *pgxpool.Pool
	Store    retry.Store
	Producer *nsq.Producer

	Scheduler  *retry.Scheduler
	Tokens     *bus.TokenStore
	Notifier   *notify.Notifier
	Loader     *content.Loader
	Dispatcher *dispatch.Dispatcher
	Trigger    *trigger.Trigger

	closers []func()
}

// Build connects the configured backends and wires every component. On
// error everything opened so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *logging.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = logging.New(cfg.AppName)
	}
	a := &App{Cfg: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.ErrorLogFile != "" {
		el, err := logging.OpenErrorLog(cfg.ErrorLogFile)
		if err != nil {
			return nil, err
		}
		logger.AttachErrorLog(el)
	}

	if err := a.openCache(ctx); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx, opts); err != nil {
		return nil, err
	}

	var timer retry.Timer
	if cfg.NSQ.Enabled {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return nil, fmt.Errorf("nsq producer: %w", err)
		}
		a.Producer = prod
		a.closers = append(a.closers, prod.Stop)
		timer = retry.NewNSQTimer(prod, cfg.NSQ.RetryTopic, cfg.NSQ.MaxDeferral)
	}

	a.Notifier = notify.FromConfig(cfg.Slack, logger)
	a.Scheduler = retry.NewScheduler(a.Store, timer, cfg.Retry, logger).WithAlerter(a.Notifier)
	if cfg.Retry.PublishDLQ && a.Producer != nil {
		a.Scheduler.WithDeadLetterTopic(a.Producer, cfg.NSQ.DLQTopic)
	}

	acc := opts.Accessor
	if acc == nil {
		if cfg.WordPress.BaseURL == "" {
			return nil, errors.New("WP_BASE_URL is required")
		}
		acc = wordpress.New(cfg.WordPress, cfg.Trigger.PostTypes, nil)
	}
	a.Loader = content.NewLoader(acc, a.Cache, cfg.Payload.ImageHashTimeout, logger)
	videos := payload.NewYouTube(cfg.Payload.YouTubeAPIKey, cfg.Payload.SiteURL, a.Cache, 0, logger)
	builder := payload.NewBuilder(payload.OptionsFromConfig(cfg.Payload), videos, logger)

	a.Tokens = bus.NewTokenStore(a.Cache, cfg.Bus, nil, logger)
	a.Dispatcher = dispatch.New(dispatch.Deps{
		Bus:      cfg.Bus,
		Loader:   a.Loader,
		Builder:  builder,
		Tokens:   a.Tokens,
		Sender:   bus.NewClient(cfg.Bus, nil),
		Retries:  a.Scheduler,
		Notifier: a.Notifier,
		Logger:   logger,
	})
	a.Trigger = trigger.New(cfg.Trigger, a.Cache, a.Loader, a.Dispatcher, a.Scheduler, a.Notifier, logger)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Error("BUS relay is not fully configured, events will be skipped")
	}
	return a, nil
}

func (a *App) openCache(ctx context.Context) error {
	if !a.Cfg.Redis.Enabled {
		a.Cache = cache.NewMemory()
		a.Logger.Plain().Warn("redis disabled, using in-process cache; dedup and token are per process")
		return nil
	}
	client, err := cache.DialRedis(ctx, a.Cfg.Redis.Addr, a.Cfg.Redis.Password, a.Cfg.Redis.DB)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Redis = cache.NewRedis(client, a.Cfg.AppName+":")
	a.Cache = a.Redis
	return nil
}

func (a *App) openStore(ctx context.Context, opts Options) error {
	if !a.Cfg.DB.Enabled {
		a.Store = retry.NewMemoryStore()
		a.Logger.Plain().Warn("database disabled, retry entries are kept in memory")
		return nil
	}
	dsn := a.Cfg.DSN()
	if a.Cfg.DB.Migrate {
		if err := db.Migrate(ctx, dsn); err != nil {
			return err
		}
	}
	tries := opts.DBConnectTries
	if tries == 0 {
		tries = 10
	}
	pool, err := db.ConnectRetry(ctx, dsn, tries)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	a.Pool = pool
	a.Store = retry.NewPGStore(pool)
	return nil
}

// HealthChecks lists the backends that are switched on.
func (a *App) HealthChecks() []health.Check {
	var checks []health.Check
	if a.Pool != nil {
		checks = append(checks, health.Check{Name: "database", Pinger: a.Pool})
	}
	if a.Redis != nil {
		checks = append(checks, health.Check{Name: "redis", Pinger: a.Redis})
	}
	return checks
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
