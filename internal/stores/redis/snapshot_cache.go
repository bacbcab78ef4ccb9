package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"hcfstream/internal/domain"
)

// Atomic compare-and-set on the stored source version.
// The snapshot body lives at KEYS[1] as plain JSON so other readers can GET it directly.
var luaVersionedSet = goredis.NewScript(`
-- KEYS[1] = data key, KEYS[2] = version key
-- ARGV[1] = version, ARGV[2] = json, ARGV[3] = ttl_ms
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
return 1
`)

type SnapshotCache struct {
	rdb    *Client
	prefix string
}

// prefix example "hcf:snapshot:"
func NewSnapshotCache(rdb *Client, prefix string) (*SnapshotCache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required to the snapshot cache")
	}
	if prefix == "" {
		prefix = "snapshot:"
	}
	return &SnapshotCache{rdb: rdb, prefix: prefix}, nil
}

func (c *SnapshotCache) keys(scope domain.Scope) (string, string) {
	k := c.prefix + scope.String()
	return k, k + ":ver"
}

func (c *SnapshotCache) Put(ctx context.Context, snap *domain.Snapshot, ttl time.Duration) error {
	if snap == nil {
		return domain.ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed marshal snapshot %s, error=%w", snap.Scope, err)
	}

	dataKey, verKey := c.keys(snap.Scope)
	res, err := luaVersionedSet.Run(ctx, c.rdb, []string{dataKey, verKey},
		snap.SourceVersion,
		body,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis versioned set %s, error=%v", domain.ErrTransientIO, snap.Scope, err)
	}
	if res == 0 {
		return domain.ErrStaleScope
	}
	return nil
}

func (c *SnapshotCache) Get(ctx context.Context, scope domain.Scope) (*domain.Snapshot, error) {
	dataKey, _ := c.keys(scope)

	b, err := c.rdb.Get(ctx, dataKey).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: redis get %s, error=%v", domain.ErrTransientIO, scope, err)
	}

	var snap domain.Snapshot
	if err = json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("failed unmarshal snapshot %s, error=%w", scope, err)
	}
	return &snap, nil
}
