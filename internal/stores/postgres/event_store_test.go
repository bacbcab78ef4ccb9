package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcfstream/internal/domain"
)

func newEvent(tx string, kind domain.EventKind, subject string, amount string) *domain.LedgerEvent {
	return &domain.LedgerEvent{
		Kind:        kind,
		Contract:    "0xC0",
		TxHash:      tx,
		Subject:     subject,
		Amount:      decimal.RequireFromString(amount),
		BlockNumber: 120,
		ObservedAt:  time.Now().UTC().Truncate(time.Microsecond),
		Payload:     map[string]string{domain.PayloadTier: "2"},
	}
}

func TestEventStore_UpsertIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEventStore(pool)

	seq, inserted, err := store.Upsert(ctx, newEvent("0xT1", domain.KindStaked, "0xAAA", "500"))
	require.NoError(t, err)
	assert.True(t, inserted)

	seq2, inserted, err := store.Upsert(ctx, newEvent("0xT1", domain.KindStaked, "0xAAA", "500"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, seq, seq2)

	latest, err := store.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq, latest)

	evs, err := store.ByAddress(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "2", evs[0].Payload[domain.PayloadTier])
	assert.Equal(t, "0xt1:Staked:0xaaa", evs[0].Key)
}

func TestEventStore_SinceAndAddresses(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEventStore(pool)

	mined := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	staked := newEvent("0x1", domain.KindStaked, "0xaaa", "1")
	staked.BlockTime = mined
	_, _, err := store.Upsert(ctx, staked)
	require.NoError(t, err)
	ref := newEvent("0x2", domain.KindReferralBound, "0xbbb", "0")
	ref.Counterparty = "0xccc"
	_, _, err = store.Upsert(ctx, ref)
	require.NoError(t, err)

	evs, err := store.Since(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, mined, evs[0].BlockTime)
	assert.True(t, evs[1].BlockTime.IsZero())

	evs, err = store.Since(ctx, evs[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.KindReferralBound, evs[0].Kind)

	addrs, err := store.Addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xaaa", "0xbbb", "0xccc"}, addrs)
}

func TestEventStore_StreamDeliversCommits(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewEventStore(pool)

	got := make(chan domain.Commit, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.Stream(ctx, func(c domain.Commit) { got <- c })
	}()

	// LISTEN must be in place before the insert
	time.Sleep(300 * time.Millisecond)

	_, _, err := store.Upsert(ctx, newEvent("0xfeed", domain.KindBurned, "0xaaa", "42"))
	require.NoError(t, err)

	select {
	case c := <-got:
		assert.Equal(t, domain.KindBurned, c.Event.Kind)
		assert.True(t, c.Event.Amount.Equal(decimal.NewFromInt(42)))
	case <-time.After(5 * time.Second):
		t.Fatal("no commit notification")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatermarkStore_Upsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewWatermarkStore(pool)

	_, err := store.Get(ctx, "0xc0:Staked")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Set(ctx, "0xc0:Staked", 120))
	require.NoError(t, store.Set(ctx, "0xc0:Staked", 90))

	b, err := store.Get(ctx, "0xc0:Staked")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), b)
}
