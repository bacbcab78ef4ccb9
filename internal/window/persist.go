package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gitlab.com/nevasik7/alerting/logger"

	rdb "hcfstream/internal/stores/redis"
)

// Persister keeps the engine snapshot under one Redis key
type Persister struct {
	log    logger.Logger
	rdb    *rdb.Client
	key    string
	ttl    time.Duration
	engine PriceEngine
}

func NewPersister(log logger.Logger, client *rdb.Client, key string, engine PriceEngine) (*Persister, error) {
	if client == nil || engine == nil {
		return nil, errors.New("redis client and engine are required to the window persister")
	}
	if key == "" {
		key = "window:snapshot"
	}
	return &Persister{
		log:    log,
		rdb:    client,
		key:    key,
		ttl:    48 * time.Hour,
		engine: engine,
	}, nil
}

func (p *Persister) Save(ctx context.Context) error {
	data, err := p.engine.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err = p.rdb.Set(ctx, p.key, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed save window snapshot to %s: %w", p.key, err)
	}
	return nil
}

// Load restores the engine; a missing key is not an error (cold start)
func (p *Persister) Load(ctx context.Context) (bool, error) {
	data, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		p.log.Info("Window snapshot not found, cold start")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed load window snapshot from %s: %w", p.key, err)
	}
	if err = p.engine.Restore(ctx, data); err != nil {
		return false, err
	}
	return true, nil
}
