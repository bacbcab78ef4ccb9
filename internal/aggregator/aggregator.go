package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
	"hcfstream/internal/pubsub"
	"hcfstream/internal/retry"
	"hcfstream/internal/stores"
)

const (
	foldPageSize     = 5000
	recomputeTimeout = 30 * time.Second
)

// Aggregator maintains derived snapshots per scope.
// Committed events are routed to scopes, coalesced by the Scheduler and recomputed from the canonical store.
type Aggregator struct {
	log     logger.Logger
	events  stores.EventStore
	cache   stores.SnapshotCache
	updates *pubsub.Bus[domain.SnapshotUpdated]

	scoring  Scoring
	triggers triggerSets
	ttl      time.Duration
	volume   time.Duration
	backoff  retry.Config
	sched    *Scheduler
	health   *healthTracker
	now      func() time.Time

	// rank by address from the latest global leaderboard
	ranks atomic.Pointer[map[string]int]

	retryMu sync.Mutex
	retries map[domain.Scope]*time.Timer
}

func NewAggregator(
	log logger.Logger,
	cfg *config.AggregatorConfig,
	events stores.EventStore,
	cache stores.SnapshotCache,
	updates *pubsub.Bus[domain.SnapshotUpdated],
) (*Aggregator, error) {
	if cfg == nil {
		return nil, errors.New("aggregator config is required")
	}
	if events == nil || cache == nil || updates == nil {
		return nil, errors.New("event store, snapshot cache and update bus are required to the aggregator")
	}

	scoring, err := NewScoring(cfg)
	if err != nil {
		return nil, err
	}
	triggers, err := newTriggerSets(cfg.Triggers)
	if err != nil {
		return nil, err
	}

	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	volume := cfg.DailyVolumeWindow
	if volume <= 0 {
		volume = 24 * time.Hour
	}
	backoff := retry.Config{
		InitialDelay:  cfg.RetryBackoff,
		MaxDelay:      cfg.RetryBackoffMax,
		Multiplier:    2,
		JitterEnabled: true,
	}
	if backoff.InitialDelay <= 0 {
		backoff.InitialDelay = time.Second
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = 30 * time.Second
	}

	a := &Aggregator{
		log:      log,
		events:   events,
		cache:    cache,
		updates:  updates,
		scoring:  scoring,
		triggers: triggers,
		ttl:      ttl,
		volume:   volume,
		backoff:  backoff,
		now:      time.Now,
		retries:  make(map[domain.Scope]*time.Timer),
	}
	a.health = newHealthTracker(2*ttl, func() time.Time { return a.now() })
	a.sched = NewScheduler(log, cfg.Debounce, a.execute)

	empty := map[string]int{}
	a.ranks.Store(&empty)

	return a, nil
}

// Trigger asks for a debounced recompute of scope
func (a *Aggregator) Trigger(scope domain.Scope) {
	a.health.touch(scope)
	a.sched.Trigger(scope)
}

// Run routes commits to scopes until commits is closed or ctx is done, then flushes pending recomputes
func (a *Aggregator) Run(ctx context.Context, commits <-chan domain.Commit) error {
	a.log.Info("Aggregator started")

	defer func() {
		a.stopRetries()
		flushCtx, cancel := context.WithTimeout(context.Background(), recomputeTimeout)
		defer cancel()
		if err := a.sched.Flush(flushCtx); err != nil {
			a.log.Errorf("Failed flush pending recomputes, error=%v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-commits:
			if !ok {
				return nil
			}
			for _, scope := range a.triggers.scopes(&c.Event) {
				a.Trigger(scope)
			}
		}
	}
}

// Reconcile triggers every known scope to catch missed notifications
func (a *Aggregator) Reconcile(ctx context.Context) error {
	addrs, err := a.events.Addresses(ctx)
	if err != nil {
		return fmt.Errorf("%w: list addresses: %v", domain.ErrTransientIO, err)
	}

	a.Trigger(domain.GlobalScope())
	a.Trigger(domain.LeaderboardScope(domain.LeaderboardGlobal))
	a.Trigger(domain.LeaderboardScope(domain.LeaderboardReferral))
	for _, addr := range addrs {
		a.Trigger(domain.UserScope(addr))
	}

	if stale := a.health.stale(); len(stale) > 0 {
		a.log.Warnf("Reconcile found %d stale scopes", len(stale))
	}
	a.log.Infof("Reconcile triggered %d scopes", len(addrs)+3)
	return nil
}

// Stale returns scopes without a successful recompute for more than twice the snapshot TTL
func (a *Aggregator) Stale() []domain.Scope {
	return a.health.stale()
}

// execute is the scheduler callback: retry once immediately, then back off through a new trigger
func (a *Aggregator) execute(base context.Context, scope domain.Scope) {
	ctx, cancel := context.WithTimeout(base, recomputeTimeout)
	defer cancel()

	err := a.Recompute(ctx, scope)
	if err != nil && !errors.Is(err, domain.ErrStaleScope) {
		a.log.Warnf("Recompute of %s failed, retry now, error=%v", scope, err)
		err = a.Recompute(ctx, scope)
	}

	switch {
	case err == nil, errors.Is(err, domain.ErrStaleScope):
		a.health.succeeded(scope)
		a.clearRetry(scope)
	default:
		attempt := a.health.failed(scope)
		delay := retry.Delay(a.backoff, attempt)
		a.log.Errorf("Recompute of %s failed %d times, retry in %s, error=%v", scope, attempt, delay, err)
		a.scheduleRetry(scope, delay)
	}
}

func (a *Aggregator) scheduleRetry(scope domain.Scope, delay time.Duration) {
	a.retryMu.Lock()
	defer a.retryMu.Unlock()

	if t, ok := a.retries[scope]; ok {
		t.Stop()
	}
	a.retries[scope] = time.AfterFunc(delay, func() {
		a.sched.Trigger(scope)
	})
}

func (a *Aggregator) clearRetry(scope domain.Scope) {
	a.retryMu.Lock()
	if t, ok := a.retries[scope]; ok {
		t.Stop()
		delete(a.retries, scope)
	}
	a.retryMu.Unlock()
}

func (a *Aggregator) stopRetries() {
	a.retryMu.Lock()
	for scope, t := range a.retries {
		t.Stop()
		delete(a.retries, scope)
	}
	a.retryMu.Unlock()
}

// Recompute folds scope from the canonical store, writes the snapshot and announces it.
// A result older than the cached one is discarded with domain.ErrStaleScope.
func (a *Aggregator) Recompute(ctx context.Context, scope domain.Scope) error {
	started := time.Now()
	label := string(scope.Kind)
	defer func() {
		metrics.RecomputeDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())
	}()

	snap, err := a.compute(ctx, scope)
	if err != nil {
		metrics.Recomputes.WithLabelValues(label, "error").Inc()
		return err
	}

	if err = a.cache.Put(ctx, snap, a.ttl); err != nil {
		if errors.Is(err, domain.ErrStaleScope) {
			metrics.Recomputes.WithLabelValues(label, "stale").Inc()
			a.log.Debugf("Discard stale snapshot of %s, version=%d", scope, snap.SourceVersion)
			return err
		}
		metrics.Recomputes.WithLabelValues(label, "error").Inc()
		return fmt.Errorf("put snapshot %s: %w", scope, err)
	}

	metrics.Recomputes.WithLabelValues(label, "ok").Inc()

	if err = a.updates.Publish(ctx, domain.SnapshotUpdated{Snapshot: *snap}); err != nil {
		// cached already, readers still see it
		a.log.Errorf("Failed publish snapshot update of %s, error=%v", scope, err)
	}
	return nil
}

func (a *Aggregator) compute(ctx context.Context, scope domain.Scope) (*domain.Snapshot, error) {
	now := a.now().UTC()
	snap := &domain.Snapshot{Scope: scope, ComputedAt: now}

	switch scope.Kind {
	case domain.ScopeUser:
		events, err := a.events.ByAddress(ctx, scope.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: events of %s: %v", domain.ErrTransientIO, scope.Key, err)
		}

		fold := newLedgerFold()
		for i := range events {
			fold.apply(&events[i], now.Add(-a.volume))
		}

		acct, ok := fold.accounts[scope.Key]
		if !ok {
			acct = &account{addr: scope.Key}
		}
		us := a.scoring.score(acct)
		us.Rank = (*a.ranks.Load())[scope.Key]

		snap.User = &us
		snap.SourceVersion = fold.version
		return snap, nil

	case domain.ScopeGlobal, domain.ScopeLeaderboard:
		fold, err := a.foldAll(ctx, now)
		if err != nil {
			return nil, err
		}
		snap.SourceVersion = fold.version

		if scope.Kind == domain.ScopeGlobal {
			snap.Global = fold.global()
			return snap, nil
		}

		board := fold.leaderboard(scope.Key, a.scoring, func(addr string) bool {
			return a.health.isStale(domain.UserScope(addr))
		})
		if scope.Key == domain.LeaderboardGlobal {
			ranks := make(map[string]int, len(board.Entries))
			for _, e := range board.Entries {
				ranks[e.Address] = e.Rank
			}
			a.ranks.Store(&ranks)
		}
		snap.Leaderboard = board
		return snap, nil

	default:
		return nil, fmt.Errorf("%w: scope %s", domain.ErrInvalidInput, scope)
	}
}

// foldAll reads the full event history page by page
func (a *Aggregator) foldAll(ctx context.Context, now time.Time) (*ledgerFold, error) {
	fold := newLedgerFold()
	volumeSince := now.Add(-a.volume)

	var after uint64
	for {
		page, err := a.events.Since(ctx, after, foldPageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: events since %d: %v", domain.ErrTransientIO, after, err)
		}
		for i := range page {
			fold.apply(&page[i], volumeSince)
			after = page[i].Seq
		}
		if len(page) < foldPageSize {
			return fold, nil
		}
	}
}
