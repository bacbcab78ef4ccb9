package memory

import (
	"context"
	"sync"
	"time"

	"hcfstream/internal/domain"
)

type cacheEntry struct {
	snap     domain.Snapshot
	expireAt time.Time
}

// SnapshotCache is the single-instance counterpart of the redis snapshot cache
type SnapshotCache struct {
	mu    sync.Mutex
	items map[string]cacheEntry
	now   func() time.Time
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		items: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

func (c *SnapshotCache) Put(_ context.Context, snap *domain.Snapshot, ttl time.Duration) error {
	if snap == nil {
		return domain.ErrInvalidInput
	}
	key := snap.Scope.String()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.items[key]; ok && cur.expireAt.After(now) && cur.snap.SourceVersion > snap.SourceVersion {
		return domain.ErrStaleScope
	}

	c.items[key] = cacheEntry{snap: *snap, expireAt: now.Add(ttl)}
	return nil
}

func (c *SnapshotCache) Get(_ context.Context, scope domain.Scope) (*domain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[scope.String()]
	if !ok || !e.expireAt.After(c.now()) {
		return nil, domain.ErrNotFound
	}
	snap := e.snap
	return &snap, nil
}
