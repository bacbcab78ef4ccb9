package window

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

/*
	Rolling price windows (30m/1h/24h by default) on top of minute buckets per market.
	Fed by the reserve sampler, read by the price and liquidity rules.
*/

type PriceEngine interface {
	Apply(ctx context.Context, s domain.MarketSample) (*domain.MarketView, error)
	View(market string) (*domain.MarketView, bool)
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, data []byte) error
	Tick(now time.Time)
}

var (
	// reading older than current watermark(don't apply)
	ErrTooLate = errors.New("sample older than watermark")
)

var _ PriceEngine = (*Window)(nil)

type Window struct {
	Log         logger.Logger
	Grace       time.Duration   // example, 2m for delayed readings and window coverage
	Buckets     int             // minute buckets kept per market, at least the longest window
	CoerceToUTC bool            // if need cast sample time to UTC
	Windows     []time.Duration // change windows reported in views, ascending

	mw        sync.RWMutex
	state     map[string]*marketState
	watermark *Watermark
}

func NewWindowEngine(log logger.Logger, cfg *config.WindowConfig, windows []time.Duration) (*Window, error) {
	if cfg == nil {
		return nil, errors.New("config is required to the window engine")
	}

	ws := make([]time.Duration, 0, len(windows))
	for _, w := range windows {
		if w > 0 {
			ws = append(ws, w)
		}
	}
	if len(ws) == 0 {
		ws = []time.Duration{30 * time.Minute, time.Hour, 24 * time.Hour}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })

	buckets := cfg.BucketsPerDay
	if buckets <= 0 {
		buckets = 1440 // by default 24 hours * 60 minutes
	}
	// the reference of the longest window must still be in the ring
	if need := int(ws[len(ws)-1]/time.Minute) + 1; buckets < need {
		buckets = need
	}

	grace := cfg.Grace
	if grace <= 0 {
		grace = 2 * time.Minute // by default 2 minutes grace period
	}

	return &Window{
		Log:         log,
		Grace:       grace,
		Buckets:     buckets,
		CoerceToUTC: cfg.CoerceToUTC,
		Windows:     ws,
		state:       make(map[string]*marketState, 16),
		watermark:   newWatermark(grace),
	}, nil
}

// Apply stores the reading and returns the market view the rules evaluate
func (w *Window) Apply(_ context.Context, s domain.MarketSample) (*domain.MarketView, error) {
	if s.Market == "" {
		return nil, fmt.Errorf("%w: market sample without market", domain.ErrInvalidInput)
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	if w.CoerceToUTC {
		s.At = s.At.UTC()
	}

	w.mw.Lock()
	defer w.mw.Unlock()

	if w.watermark.IsLate(s.At) {
		w.Log.Debugf("Sample of %s is too late (ts=%s, watermark=%s)", s.Market, s.At, w.watermark.current)
		return nil, ErrTooLate
	}

	ms, exists := w.state[s.Market]
	if !exists {
		ms = newMarketState(s.Market, w.Buckets)
		w.state[s.Market] = ms
	}

	ms.apply(s, time.Now().UTC())
	return ms.view(w.Windows, w.Grace), nil
}

// View returns the current view of a market; use for http handler and tests
func (w *Window) View(market string) (*domain.MarketView, bool) {
	w.mw.RLock()
	defer w.mw.RUnlock()

	ms, exists := w.state[market]
	if !exists {
		return nil, false
	}

	v := ms.view(w.Windows, w.Grace)
	return v, v != nil
}

// Serialize current state of all markets for save to Redis; Use for "warm start" after restart service
func (w *Window) Snapshot(ctx context.Context) ([]byte, error) {
	w.mw.RLock()
	defer w.mw.RUnlock()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context canceled: %w", ctx.Err())
	default:
	}

	data, err := marshalSnapshot(w.state, w.watermark.Current(), w.Grace)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	w.Log.Infof("Created window snapshot: %d markets, %d bytes", len(w.state), len(data))
	return data, nil
}

// Restore state from snapshot (from Redis); Run when start service for quick recovery
func (w *Window) Restore(_ context.Context, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot data")
	}

	state, wm, err := unmarshalSnapshot(data, w.Buckets)
	if err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	w.mw.Lock()
	defer w.mw.Unlock()

	w.state = state
	w.watermark.restore(wm)

	w.Log.Infof("Restored window snapshot: %d markets, watermark=%s", len(state), wm)
	return nil
}

// Promotes watermark and clears slots that fell out of the ring
func (w *Window) Tick(now time.Time) {
	now = now.UTC()

	w.mw.Lock()
	defer w.mw.Unlock()

	w.watermark.Advance(now)

	for _, ms := range w.state {
		ms.evict(now)
	}

	w.Log.Debugf("Tick: watermark=%s, markets=%d", w.watermark.current, len(w.state))
}
