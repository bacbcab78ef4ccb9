package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	rdb "hcfstream/internal/stores/redis"
)

func createTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
}

// setupTestRedisForWindow returns a miniredis instance and a client bound to it; both close with t
func setupTestRedisForWindow(t *testing.T) (*miniredis.Miniredis, *rdb.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	return mr, &rdb.Client{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})}
}

func createTestDedupeConfig(prefix string, ttl time.Duration) *config.DedupeConfig {
	return &config.DedupeConfig{Prefix: prefix, TTL: ttl}
}
