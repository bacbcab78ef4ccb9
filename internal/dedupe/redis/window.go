package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/dedupe"
	"hcfstream/internal/domain"
	rdb "hcfstream/internal/stores/redis"
)

var _ dedupe.Window = (*Window)(nil)

// unowned claims hold this value
const anyOwner = "1"

var luaReleaseOwned = goredis.NewScript(`
-- KEYS[1] = suppression key, ARGV[1] = owner
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Window is a cluster suppression window on Redis SETNX + TTL
type Window struct {
	log    logger.Logger
	rdb    *rdb.Client
	ttl    time.Duration
	prefix string
}

// prefix example "hcf:suppress:"
func NewWindow(log logger.Logger, cfg *config.DedupeConfig, rdb *rdb.Client) (*Window, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required to the redis suppression window")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required to the redis suppression window")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "suppress:"
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Window{
		log:    log,
		rdb:    rdb,
		ttl:    ttl,
		prefix: prefix,
	}, nil
}

func (w *Window) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return w.ClaimAs(ctx, key, "", ttl)
}

func (w *Window) ClaimAs(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = w.ttl
	}
	if owner == "" {
		owner = anyOwner
	}

	// ok=true -> key was free and is now held; ok=false -> suppressed
	ok, err := w.rdb.SetNX(ctx, w.prefix+key, owner, ttl).Result()
	if err != nil {
		w.log.Errorf("Redis SetNX error=%v", err)
		return false, fmt.Errorf("%w: redis SetNX: %v", domain.ErrTransientIO, err)
	}

	return ok, nil
}

func (w *Window) Release(ctx context.Context, key, owner string) error {
	if owner == "" {
		if err := w.rdb.Del(ctx, w.prefix+key).Err(); err != nil {
			return fmt.Errorf("%w: redis Del: %v", domain.ErrTransientIO, err)
		}
		return nil
	}

	released, err := luaReleaseOwned.Run(ctx, w.rdb, []string{w.prefix + key}, owner).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis release %s: %v", domain.ErrTransientIO, key, err)
	}
	if released == 0 {
		w.log.Debugf("Suppression key=%s is held by another owner, kept", key)
	}
	return nil
}
