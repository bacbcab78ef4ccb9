package window

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
	rdb "hcfstream/internal/stores/redis"
)

func newTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
}

func newEngine(t *testing.T) *Window {
	t.Helper()
	w, err := NewWindowEngine(newTestLogger(), &config.WindowConfig{CoerceToUTC: true}, nil)
	require.NoError(t, err)
	return w
}

func sample(price string, at time.Time) domain.MarketSample {
	return domain.MarketSample{
		Market:       "HCF-USDT",
		Price:        decimal.RequireFromString(price),
		ReserveBase:  decimal.NewFromInt(1_000_000),
		ReserveQuote: decimal.RequireFromString(price).Mul(decimal.NewFromInt(1_000_000)),
		At:           at,
	}
}

func TestNewWindowEngine_Defaults(t *testing.T) {
	w := newEngine(t)
	assert.Equal(t, []time.Duration{30 * time.Minute, time.Hour, 24 * time.Hour}, w.Windows)
	assert.Equal(t, 1441, w.Buckets)
	assert.Equal(t, 2*time.Minute, w.Grace)

	_, err := NewWindowEngine(newTestLogger(), nil, nil)
	assert.Error(t, err)
}

// 1.0 at t-24h and 0.88 at t: the 24h window reports -12%, shorter windows lack history.
func TestApply_DayWindowChange(t *testing.T) {
	w := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Minute)

	v, err := w.Apply(ctx, sample("1.0", now.Add(-24*time.Hour)))
	require.NoError(t, err)
	assert.Nil(t, v.Previous)

	v, err = w.Apply(ctx, sample("0.88", now))
	require.NoError(t, err)
	require.NotNil(t, v.Previous)
	assert.True(t, v.Previous.Price.Equal(decimal.RequireFromString("1.0")))

	day, ok := v.Change(24 * time.Hour)
	require.True(t, ok)
	assert.InDelta(t, -12.0, day.Percent, 1e-9)
	assert.Equal(t, now.Add(-24*time.Hour), day.FromAt)

	_, ok = v.Change(time.Hour)
	assert.False(t, ok)
}

func TestApply_EarliestReferenceInsideWindow(t *testing.T) {
	w := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Minute)

	for _, s := range []domain.MarketSample{
		sample("2.2", now.Add(-61*time.Minute)), // outside 1h
		sample("2.0", now.Add(-59*time.Minute)),
		sample("3.0", now.Add(-31*time.Minute)), // outside 30m
		sample("1.0", now.Add(-29*time.Minute)),
		sample("1.2", now.Add(-10*time.Minute)),
	} {
		_, err := w.Apply(ctx, s)
		require.NoError(t, err)
	}
	v, err := w.Apply(ctx, sample("1.1", now))
	require.NoError(t, err)

	c30, ok := v.Change(30 * time.Minute)
	require.True(t, ok)
	assert.InDelta(t, 10.0, c30.Percent, 1e-9)

	c1h, ok := v.Change(time.Hour)
	require.True(t, ok)
	assert.InDelta(t, -45.0, c1h.Percent, 1e-9)

	_, ok = v.Change(24 * time.Hour)
	assert.False(t, ok)
}

// 20 minutes of history must not produce 30m, 1h or 24h changes.
func TestApply_PartialHistoryReportsNoChange(t *testing.T) {
	w := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Minute)

	_, err := w.Apply(ctx, sample("1.0", now.Add(-20*time.Minute)))
	require.NoError(t, err)
	v, err := w.Apply(ctx, sample("0.9", now))
	require.NoError(t, err)

	assert.Empty(t, v.Changes)
	for _, win := range w.Windows {
		_, ok := v.Change(win)
		assert.False(t, ok, "window %s", win)
	}

	// a reading just inside the grace of the window start is accepted
	w2 := newEngine(t)
	_, err = w2.Apply(ctx, sample("1.0", now.Add(-29*time.Minute)))
	require.NoError(t, err)
	v, err = w2.Apply(ctx, sample("0.9", now))
	require.NoError(t, err)
	c30, ok := v.Change(30 * time.Minute)
	require.True(t, ok)
	assert.InDelta(t, -10.0, c30.Percent, 1e-9)
}

func TestApply_OutOfOrderKeepsLatest(t *testing.T) {
	w := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := w.Apply(ctx, sample("1.0", now))
	require.NoError(t, err)
	v, err := w.Apply(ctx, sample("0.5", now.Add(-30*time.Minute)))
	require.NoError(t, err)

	assert.True(t, v.Current.Price.Equal(decimal.NewFromInt(1)))
	c, ok := v.Change(30 * time.Minute)
	require.True(t, ok)
	assert.InDelta(t, 100.0, c.Percent, 1e-9)
}

func TestApply_Validation(t *testing.T) {
	w := newEngine(t)
	_, err := w.Apply(context.Background(), domain.MarketSample{Price: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, ok := w.View("missing")
	assert.False(t, ok)
}

func TestTick_WatermarkRejectsLateSamples(t *testing.T) {
	w := newEngine(t)
	now := time.Now().UTC()
	w.Tick(now)

	_, err := w.Apply(context.Background(), sample("1.0", now.Add(-10*time.Minute)))
	assert.ErrorIs(t, err, ErrTooLate)

	_, err = w.Apply(context.Background(), sample("1.0", now.Add(-time.Minute)))
	assert.NoError(t, err)
}

func TestTick_EvictsOldSlots(t *testing.T) {
	w := newEngine(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-30 * time.Hour)

	_, err := w.Apply(ctx, sample("1.0", base))
	require.NoError(t, err)
	_, err = w.Apply(ctx, sample("1.5", base.Add(26*time.Hour)))
	require.NoError(t, err)

	w.Tick(base.Add(26 * time.Hour))

	v, ok := w.View("HCF-USDT")
	require.True(t, ok)
	assert.True(t, v.Current.Price.Equal(decimal.RequireFromString("1.5")))
	_, ok = v.Change(24 * time.Hour)
	assert.False(t, ok)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	src := newEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Minute)

	_, err := src.Apply(ctx, sample("1.0", now.Add(-24*time.Hour)))
	require.NoError(t, err)
	_, err = src.Apply(ctx, sample("0.88", now))
	require.NoError(t, err)
	src.Tick(now)

	data, err := src.Snapshot(ctx)
	require.NoError(t, err)

	dst := newEngine(t)
	require.NoError(t, dst.Restore(ctx, data))

	v, ok := dst.View("HCF-USDT")
	require.True(t, ok)
	c, ok := v.Change(24 * time.Hour)
	require.True(t, ok)
	assert.InDelta(t, -12.0, c.Percent, 1e-9)
	assert.True(t, src.watermark.Current().Equal(dst.watermark.Current()))

	assert.Error(t, dst.Restore(ctx, nil))
	assert.Error(t, dst.Restore(ctx, []byte("garbage")))
}

func TestPersister_SaveLoad(t *testing.T) {
	mr := miniredis.RunT(t)
	client := &rdb.Client{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})}
	defer client.Close()

	ctx := context.Background()
	src := newEngine(t)
	_, err := src.Apply(ctx, sample("1.0", time.Now().UTC()))
	require.NoError(t, err)

	p, err := NewPersister(newTestLogger(), client, "test:window", src)
	require.NoError(t, err)
	require.NoError(t, p.Save(ctx))
	assert.True(t, mr.Exists("test:window"))

	dst := newEngine(t)
	p2, err := NewPersister(newTestLogger(), client, "test:window", dst)
	require.NoError(t, err)
	loaded, err := p2.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded)

	_, ok := dst.View("HCF-USDT")
	assert.True(t, ok)

	p3, err := NewPersister(newTestLogger(), client, "test:missing", dst)
	require.NoError(t, err)
	loaded, err = p3.Load(ctx)
	require.NoError(t, err)
	assert.False(t, loaded)
}
