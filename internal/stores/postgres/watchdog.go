package postgres

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

// Watchdog pings the pool and returns domain.ErrStoreLost after consecutive failures.
// It returns nil when ctx is done.
func (p *Pool) Watchdog(ctx context.Context, log logger.Logger, cfg *config.PostgresConfig) error {
	interval := cfg.WatchdogInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxFailures := cfg.WatchdogFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := p.Ping(pingCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}

			failures++
			log.Warnf("Postgres ping failed (%d/%d), error=%v", failures, maxFailures, err)
			if failures >= maxFailures {
				return fmt.Errorf("%w: %d consecutive ping failures, last error=%v", domain.ErrStoreLost, failures, err)
			}
		}
	}
}
