package retry

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
)

// RunFunc performs one scheduled attempt for e. It returns an error only
// when the attempt could not be carried out or rescheduled at all.
type RunFunc func(ctx context.Context, e Entry) error

// Poller sweeps the store for overdue entries. It is the only timer when
// NSQ is disabled and a safety net for lost messages otherwise.
type Poller struct {
	sched    *Scheduler
	run      RunFunc
	interval time.Duration
	batch    int
	grace    time.Duration
	workers  int
	logger   *logging.Logger
}

func NewPoller(sched *Scheduler, run RunFunc, interval time.Duration, batch int, grace time.Duration, logger *logging.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = logging.New("retry-poller")
	}
	return &Poller{sched: sched, run: run, interval: interval, batch: batch, grace: grace, workers: 4, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithContext(ctx).WithError(err).Error("retry sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs every due entry once and returns how many were claimed.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	entries, err := p.sched.Due(ctx, p.batch, p.grace)
	if err != nil {
		return 0, err
	}
	if n, err := p.sched.store.Count(ctx); err == nil {
		metrics.UpdatePendingRetries(float64(n))
	}
	if len(entries) == 0 {
		return 0, nil
	}

	wp := pool.New().WithMaxGoroutines(p.workers)
	for _, e := range entries {
		wp.Go(func() {
			if err := p.run(ctx, e); err != nil {
				p.logger.WithContext(ctx).WithEvent(string(e.EventType)).WithEntity(e.EntityID).
					WithAttempt(e.Attempt).WithError(err).Error("scheduled attempt failed")
			}
		})
	}
	wp.Wait()
	return len(entries), nil
}
