package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/dedupe"
	"hcfstream/internal/domain"
	"hcfstream/internal/pubsub"
	"hcfstream/internal/stores"
	"hcfstream/internal/stores/memory"
)

const (
	alice = "0x000000000000000000000000000000000000a11c"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

func newTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type engineFixture struct {
	engine *Engine
	store  *memory.AlertStore
	window *dedupe.MemoryWindow
	alerts <-chan domain.AlertCreated
	clock  *testClock
}

type fixtureOpts struct {
	rules      []Rule
	window     dedupe.Window
	evalGate   dedupe.Window
	dispatcher *Dispatcher
}

func newEngineFixture(t *testing.T, opts fixtureOpts) *engineFixture {
	t.Helper()

	log := newTestLogger()
	clock := newTestClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	mw := dedupe.NewMemoryWindow(log, time.Hour, 0).WithClock(clock.Now)
	t.Cleanup(mw.Close)

	if opts.rules == nil {
		rules, err := BuildRules(&config.AlertsConfig{})
		require.NoError(t, err)
		opts.rules = rules
	}
	window := opts.window
	if window == nil {
		window = mw
	}

	store := memory.NewAlertStore()
	bus := pubsub.NewBus[domain.AlertCreated](64)
	t.Cleanup(bus.Close)

	eng, err := NewEngine(log, &config.AlertsConfig{Cooldown: time.Hour}, EngineDeps{
		Rules:      opts.rules,
		Window:     window,
		EvalGate:   opts.evalGate,
		Store:      store,
		Bus:        bus,
		Dispatcher: opts.dispatcher,
	})
	require.NoError(t, err)
	eng.WithClock(clock.Now)

	return &engineFixture{
		engine: eng,
		store:  store,
		window: mw,
		alerts: bus.Subscribe("test"),
		clock:  clock,
	}
}

func (f *engineFixture) list(t *testing.T) []domain.AlertRecord {
	t.Helper()
	recs, err := f.store.List(context.Background(), stores.AlertFilter{})
	require.NoError(t, err)
	return recs
}

func transfer(tx string, subject string, amount int64) *domain.LedgerEvent {
	ev := &domain.LedgerEvent{
		Kind:        domain.KindTransfer,
		Subject:     subject,
		Amount:      decimal.NewFromInt(amount),
		TxHash:      tx,
		BlockNumber: 100,
	}
	ev.Normalize()
	return ev
}

// errWindow fails every call
type errWindow struct{}

func (errWindow) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (errWindow) ClaimAs(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (errWindow) Release(context.Context, string, string) error { return errors.New("redis down") }

type panicRule struct{}

func (panicRule) ID() string { return "PANIC" }

func (panicRule) Evaluate(Input) (*Candidate, error) { panic("nil map") }

// recordingSink keeps every payload it receives
type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []domain.SinkPayload
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, p domain.SinkPayload) error {
	s.mu.Lock()
	s.got = append(s.got, p)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) payloads() []domain.SinkPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SinkPayload(nil), s.got...)
}
