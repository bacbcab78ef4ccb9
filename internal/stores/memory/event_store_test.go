package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcfstream/internal/domain"
)

func staked(tx, subject string, amount int64) *domain.LedgerEvent {
	return &domain.LedgerEvent{
		Kind:        domain.KindStaked,
		TxHash:      tx,
		Subject:     subject,
		Amount:      decimal.NewFromInt(amount),
		BlockNumber: 100,
	}
}

func TestEventStore_UpsertIsIdempotent(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	seq, inserted, err := store.Upsert(ctx, staked("0xT1", "0xAAA", 500))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, uint64(1), seq)

	seq2, inserted, err := store.Upsert(ctx, staked("0xt1", "0xaaa", 500))
	require.NoError(t, err)
	assert.False(t, inserted, "same (tx, kind, subject) must be a no-op")
	assert.Equal(t, seq, seq2)

	latest, err := store.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)
}

func TestEventStore_ConcurrentDuplicates(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	insertedCount := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, inserted, err := store.Upsert(ctx, staked("0xdup", "0xaaa", 1))
			assert.NoError(t, err)
			if inserted {
				mu.Lock()
				insertedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, insertedCount)
}

func TestEventStore_ByAddressIncludesCounterparty(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	_, _, err := store.Upsert(ctx, &domain.LedgerEvent{
		Kind: domain.KindReferralBound, TxHash: "0xr1", Subject: "0xBBB", Counterparty: "0xAAA",
	})
	require.NoError(t, err)
	_, _, err = store.Upsert(ctx, staked("0xs1", "0xaaa", 10))
	require.NoError(t, err)

	evs, err := store.ByAddress(ctx, "0xAAA")
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	addrs, err := store.Addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, addrs)
}

func TestEventStore_Since(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	for _, tx := range []string{"0x1", "0x2", "0x3"} {
		_, _, err := store.Upsert(ctx, staked(tx, "0xaaa", 1))
		require.NoError(t, err)
	}

	evs, err := store.Since(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[0].Seq)

	evs, err = store.Since(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	evs, err = store.Since(ctx, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestEventStore_InvalidInput(t *testing.T) {
	_, _, err := NewEventStore().Upsert(context.Background(), &domain.LedgerEvent{Kind: domain.KindStaked})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEventStore_FeedDeliversOnlyNewEvents(t *testing.T) {
	store := NewEventStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := store.Subscribe(ctx)
	require.NoError(t, err)

	_, _, err = store.Upsert(ctx, staked("0xf1", "0xaaa", 1))
	require.NoError(t, err)
	_, _, err = store.Upsert(ctx, staked("0xf1", "0xaaa", 1))
	require.NoError(t, err)

	select {
	case c := <-feed:
		assert.Equal(t, uint64(1), c.Event.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected commit notification")
	}

	select {
	case c := <-feed:
		t.Fatalf("duplicate must not notify, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatermarkStore_NeverMovesBackwards(t *testing.T) {
	store := NewWatermarkStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "s")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Set(ctx, "s", 120))
	require.NoError(t, store.Set(ctx, "s", 100))

	b, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), b)
}
