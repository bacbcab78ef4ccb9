package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcfstream/internal/domain"
	"hcfstream/internal/stores"
)

func TestAlertStore_ResolveLifecycle(t *testing.T) {
	store := NewAlertStore()
	ctx := context.Background()

	rec := &domain.AlertRecord{ID: "a1", RuleID: "PRICE_DROP_24H", Severity: domain.SeverityCritical, FirstSeenAt: time.Now()}
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, rec), domain.ErrDuplicateKey)

	resolved, err := store.Resolve(ctx, "a1", "paused pool", "ops@hcf", time.Now())
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "ops@hcf", resolved.ResolvedBy)
	assert.Equal(t, "paused pool", resolved.ActionTaken)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = store.Resolve(ctx, "a1", "again", "ops@hcf", time.Now())
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	_, err = store.Resolve(ctx, "missing", "x", "ops", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAlertStore_ListFiltersAndOrders(t *testing.T) {
	store := NewAlertStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(ctx, &domain.AlertRecord{ID: id, FirstSeenAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	_, err := store.Resolve(ctx, "c", "done", "ops", base)
	require.NoError(t, err)

	all, err := store.List(ctx, stores.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	open, err := store.List(ctx, stores.AlertFilter{UnresolvedOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].ID)
}
