package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/dedupe"
	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
	"hcfstream/internal/pubsub"
	"hcfstream/internal/stores"
)

const (
	defaultCooldown = time.Hour
	evalGateTTL     = 15 * time.Minute
	alarmQueueSize  = 64
)

// Engine evaluates rules, suppresses repeats through the dedup window and creates alert records
type Engine struct {
	log        logger.Logger
	rules      []Rule
	window     dedupe.Window
	evalGate   dedupe.Window
	store      stores.AlertStore
	bus        *pubsub.Bus[domain.AlertCreated]
	dispatcher *Dispatcher
	cooldown   time.Duration
	states     *stateTable
	alarms     chan domain.DecodeAlarm
	now        func() time.Time

	mu         sync.Mutex
	blocks     []domain.BlockSample
	maxBlocks  int
	lastGlobal *domain.GlobalMetrics
}

type EngineDeps struct {
	Rules      []Rule
	Window     dedupe.Window // cool-down suppression, shared across instances
	EvalGate   dedupe.Window // per-process guard against re-evaluating one event; nil disables
	Store      stores.AlertStore
	Bus        *pubsub.Bus[domain.AlertCreated]
	Dispatcher *Dispatcher
}

func NewEngine(log logger.Logger, cfg *config.AlertsConfig, deps EngineDeps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("alerts config is required")
	}
	if deps.Window == nil || deps.Store == nil || deps.Bus == nil {
		return nil, errors.New("dedup window, alert store and alert bus are required to the engine")
	}

	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	maxBlocks := 0
	for _, r := range deps.Rules {
		if fr, ok := r.(*FailureRateRule); ok && fr.Blocks() > maxBlocks {
			maxBlocks = fr.Blocks()
		}
	}

	return &Engine{
		log:        log,
		rules:      deps.Rules,
		window:     deps.Window,
		evalGate:   deps.EvalGate,
		store:      deps.Store,
		bus:        deps.Bus,
		dispatcher: deps.Dispatcher,
		cooldown:   cooldown,
		states:     newStateTable(),
		alarms:     make(chan domain.DecodeAlarm, alarmQueueSize),
		now:        time.Now,
		maxBlocks:  maxBlocks,
	}, nil
}

// WithClock replaces the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run evaluates committed events, global snapshots and queued decode alarms
// until ctx is done or both channels are closed
func (e *Engine) Run(ctx context.Context, commits <-chan domain.Commit, snapshots <-chan domain.SnapshotUpdated) error {
	e.log.Info("Alerting engine started")

	for commits != nil || snapshots != nil {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-commits:
			if !ok {
				commits = nil
				continue
			}
			e.OnEvent(ctx, &c.Event)
		case s, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			e.OnSnapshot(ctx, &s.Snapshot)
		case a := <-e.alarms:
			e.OnDecodeAlarm(ctx, a)
		}
	}
	return nil
}

// QueueDecodeAlarm hands an alarm over to Run without waiting; false means the queue was full
func (e *Engine) QueueDecodeAlarm(alarm domain.DecodeAlarm) bool {
	select {
	case e.alarms <- alarm:
		return true
	default:
		e.log.Warnf("Decode alarm queue full, dropped alarm for %s (%d failures)", alarm.Kind, alarm.Failures)
		return false
	}
}

// OnEvent evaluates event rules; an event key is evaluated at most once per process
func (e *Engine) OnEvent(ctx context.Context, ev *domain.LedgerEvent) []domain.AlertRecord {
	if ev == nil {
		return nil
	}
	if e.evalGate != nil && ev.Key != "" {
		claimed, err := e.evalGate.Claim(ctx, "eval:"+ev.Key, evalGateTTL)
		if err == nil && !claimed {
			return nil
		}
	}
	return e.evaluate(ctx, Input{Event: ev, At: e.now()})
}

func (e *Engine) OnMarket(ctx context.Context, view *domain.MarketView) []domain.AlertRecord {
	if view == nil {
		return nil
	}
	return e.evaluate(ctx, Input{Market: view, At: e.now()})
}

// OnBlocks appends new block samples to the failure-rate window and evaluates it
func (e *Engine) OnBlocks(ctx context.Context, samples []domain.BlockSample) []domain.AlertRecord {
	if len(samples) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, s := range samples {
		if n := len(e.blocks); n > 0 && s.Number <= e.blocks[n-1].Number {
			continue
		}
		e.blocks = append(e.blocks, s)
	}
	if e.maxBlocks > 0 && len(e.blocks) > e.maxBlocks {
		e.blocks = append(e.blocks[:0], e.blocks[len(e.blocks)-e.maxBlocks:]...)
	}
	window := make([]domain.BlockSample, len(e.blocks))
	copy(window, e.blocks)
	e.mu.Unlock()

	return e.evaluate(ctx, Input{Blocks: window, At: e.now()})
}

func (e *Engine) OnSystem(ctx context.Context, sample domain.SystemSample) []domain.AlertRecord {
	return e.evaluate(ctx, Input{System: &sample, At: e.now()})
}

// OnSnapshot compares consecutive global snapshots; other scopes are ignored
func (e *Engine) OnSnapshot(ctx context.Context, snap *domain.Snapshot) []domain.AlertRecord {
	if snap == nil || snap.Global == nil {
		return nil
	}

	cur := *snap.Global
	e.mu.Lock()
	prev := e.lastGlobal
	e.lastGlobal = &cur
	e.mu.Unlock()

	if prev == nil {
		return nil
	}
	return e.evaluate(ctx, Input{Global: &GlobalPair{Previous: prev, Current: &cur}, At: e.now()})
}

func (e *Engine) OnDecodeAlarm(ctx context.Context, alarm domain.DecodeAlarm) []domain.AlertRecord {
	return e.evaluate(ctx, Input{Decode: &alarm, At: e.now()})
}

func (e *Engine) evaluate(ctx context.Context, in Input) []domain.AlertRecord {
	var created []domain.AlertRecord
	for _, r := range e.rules {
		cand, err := e.safeEvaluate(r, in)
		if err != nil {
			metrics.RuleErrors.WithLabelValues(r.ID()).Inc()
			e.log.Errorf("Rule evaluation failed, error=%v", err)
			continue
		}
		if cand == nil {
			continue
		}

		rec, err := e.raise(ctx, cand, in.At, false)
		if err != nil {
			e.log.Errorf("Failed raise alert %s for %q, error=%v", cand.RuleID, cand.Subject, err)
			continue
		}
		if rec != nil {
			created = append(created, *rec)
		}
	}
	return created
}

func (e *Engine) safeEvaluate(r Rule, in Input) (cand *Candidate, err error) {
	defer func() {
		if p := recover(); p != nil {
			cand, err = nil, &domain.RuleError{RuleID: r.ID(), Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	cand, err = r.Evaluate(in)
	if err != nil {
		return nil, &domain.RuleError{RuleID: r.ID(), Err: err}
	}
	return cand, nil
}

// raise returns nil record when the candidate is suppressed
func (e *Engine) raise(ctx context.Context, cand *Candidate, at time.Time, bypass bool) (*domain.AlertRecord, error) {
	key := cand.DedupKey()
	id := uuid.NewString()

	if !bypass {
		claimed, err := e.window.ClaimAs(ctx, key, id, e.cooldown)
		if err != nil {
			// fail open
			e.log.Warnf("Dedup window unavailable for %s, raise anyway, error=%v", key, err)
			claimed = true
		}
		if !claimed {
			metrics.AlertsSuppressed.WithLabelValues(cand.RuleID).Inc()
			e.states.suppressed(cand.RuleID, cand.Subject, at, e.cooldown)
			e.log.Debugf("Alert %s suppressed", key)
			return nil, nil
		}
	}

	rec := &domain.AlertRecord{
		ID:          id,
		RuleID:      cand.RuleID,
		Severity:    cand.Severity,
		Subject:     cand.Subject,
		Message:     cand.Message,
		Evidence:    cand.Evidence,
		DedupKey:    key,
		FirstSeenAt: at.UTC(),
	}
	if rec.Evidence == nil {
		rec.Evidence = map[string]any{}
	}

	if err := e.store.Create(ctx, rec); err != nil {
		if !bypass {
			if rerr := e.window.Release(ctx, key, id); rerr != nil {
				e.log.Warnf("Failed release dedup key %s, error=%v", key, rerr)
			}
		}
		return nil, fmt.Errorf("create alert record: %w", err)
	}

	e.states.triggered(cand.RuleID, cand.Subject, rec.ID, at, e.cooldown)
	metrics.AlertsCreated.WithLabelValues(rec.RuleID, string(rec.Severity)).Inc()
	e.log.Infof("Alert %s created: rule=%s, severity=%s, subject=%q", rec.ID, rec.RuleID, rec.Severity, rec.Subject)

	if err := e.bus.Publish(ctx, domain.AlertCreated{Record: *rec}); err != nil {
		e.log.Errorf("Failed publish alert %s, error=%v", rec.ID, err)
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(rec)
	}
	return rec, nil
}

// Resolve closes an alert and frees its dedup key so the next occurrence alerts again.
// A key already claimed by a newer alert of the same pair stays held.
func (e *Engine) Resolve(ctx context.Context, id, actionTaken, operator string) (*domain.AlertRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty alert id", domain.ErrInvalidInput)
	}

	rec, err := e.store.Resolve(ctx, id, actionTaken, operator, e.now().UTC())
	if err != nil {
		return nil, err
	}

	if err = e.window.Release(ctx, rec.DedupKey, rec.ID); err != nil {
		e.log.Warnf("Failed release dedup key %s, error=%v", rec.DedupKey, err)
	}
	e.states.resolved(rec.RuleID, rec.Subject, rec.ID, e.now())
	e.log.Infof("Alert %s resolved by %q: %s", rec.ID, operator, actionTaken)
	return rec, nil
}

// CreateTestAlert raises TEST_<KIND> through the normal path but without suppression
func (e *Engine) CreateTestAlert(ctx context.Context, kind, severity, title, message string) (*domain.AlertRecord, error) {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	if kind == "" {
		return nil, fmt.Errorf("%w: test alert kind is required", domain.ErrInvalidInput)
	}
	sev, err := domain.ParseSeverity(severity)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(message)
	if title = strings.TrimSpace(title); title != "" {
		text = title + ": " + text
	}

	cand := &Candidate{
		RuleID:   testRulePrefix + kind,
		Severity: sev,
		Message:  text,
		Evidence: map[string]any{"test": true, "title": title},
	}
	return e.raise(ctx, cand, e.now(), true)
}

func (e *Engine) List(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.AlertRecord, error) {
	return e.store.List(ctx, stores.AlertFilter{UnresolvedOnly: unresolvedOnly, Limit: limit})
}

func (e *Engine) State(ruleID, subject string) RuleState {
	return e.states.get(ruleID, subject, e.now())
}
