package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Security   SecurityConfig   `yaml:"security"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Window     WindowConfig     `yaml:"window"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Stores     StoresConfig     `yaml:"stores"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type AppConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// Telegram bot used as an alert sink; empty token disables it
type AlertingConfig struct {
	AppName string  `yaml:"app_name"`
	Token   string  `yaml:"token"`
	ChatID  string  `yaml:"chat_id"`
	APIURL  string  `yaml:"api_url"`
	PerSec  float64 `yaml:"per_sec"`
}

type JWTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Alg            string        `yaml:"alg"` // RS256
	PublicKeyPath  string        `yaml:"public_key_path"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Audience       string        `yaml:"audience"`
	Issuer         string        `yaml:"issuer"`
	Leeway         time.Duration `yaml:"leeway"`
}

type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

type RateBucket struct {
	RefillPerSec int           `yaml:"refill_per_sec"`
	Burst        int           `yaml:"burst"`
	TTL          time.Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	Enabled            bool       `yaml:"enabled"`
	ByJWT              RateBucket `yaml:"by_jwt"`
	ByIP               RateBucket `yaml:"by_ip"`
	TrustedProxiesList []string   `yaml:"trusted_proxies"`
}

type ContractConfig struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	Kinds   []string `yaml:"kinds"`
}

type MarketConfig struct {
	Name          string `yaml:"name"`
	PairAddress   string `yaml:"pair_address"`
	BaseIsToken0  bool   `yaml:"base_is_token0"`
	BaseDecimals  int32  `yaml:"base_decimals"`
	QuoteDecimals int32  `yaml:"quote_decimals"`
	SampleSpec    string `yaml:"sample_spec"` // cron spec, e.g. "@every 1m"
}

type BlockProbeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProbeSpec string `yaml:"probe_spec"`
}

type LedgerConfig struct {
	RPCURL                 string           `yaml:"rpc_url"`
	StartBlock             uint64           `yaml:"start_block"`
	BackfillChunk          uint64           `yaml:"backfill_chunk"`
	ReconnectMin           time.Duration    `yaml:"reconnect_min"`
	ReconnectMax           time.Duration    `yaml:"reconnect_max"`
	DecodeFailureThreshold int              `yaml:"decode_failure_threshold"`
	DecodeFailureWindow    time.Duration    `yaml:"decode_failure_window"`
	Contracts              []ContractConfig `yaml:"contracts"`
	Market                 MarketConfig     `yaml:"market"`
	BlockProbe             BlockProbeConfig `yaml:"block_probe"`
}

type AggregatorConfig struct {
	Debounce           time.Duration  `yaml:"debounce"`
	SnapshotTTL        time.Duration  `yaml:"snapshot_ttl"`
	ReconcileSpec      string         `yaml:"reconcile_spec"`
	TopN               int            `yaml:"top_n"`
	MinStake           string         `yaml:"min_stake"`
	MinReferrals       int            `yaml:"min_referrals"`
	LPMultiplier       string         `yaml:"lp_multiplier"`
	ReferralMultiplier string         `yaml:"referral_multiplier"`
	NodeScores         map[int]int    `yaml:"node_scores"`
	RetryBackoff       time.Duration  `yaml:"retry_backoff"`
	RetryBackoffMax    time.Duration  `yaml:"retry_backoff_max"`
	DailyVolumeWindow  time.Duration  `yaml:"daily_volume_window"`
	Triggers           TriggersConfig `yaml:"triggers"`
}

// Event kinds that invalidate each scope kind; empty lists fall back to built-in sets
type TriggersConfig struct {
	User        []string `yaml:"user"`
	Global      []string `yaml:"global"`
	Leaderboard []string `yaml:"leaderboard"`
}

type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

type PriceWindowConfig struct {
	Window     time.Duration `yaml:"window"`
	Thresholds `yaml:",inline"`
}

type LargeTransferConfig struct {
	Threshold string `yaml:"threshold"`
	Whale     string `yaml:"whale"`
}

type FailureRateConfig struct {
	Blocks     int `yaml:"blocks"`
	MinTx      int `yaml:"min_tx"`
	Thresholds `yaml:",inline"`
}

type SystemRuleConfig struct {
	SampleSpec     string        `yaml:"sample_spec"`
	CPUCeiling     float64       `yaml:"cpu_ceiling"`
	MemoryCeiling  float64       `yaml:"memory_ceiling"`
	LatencyCeiling time.Duration `yaml:"latency_ceiling"`
}

type WebhookConfig struct {
	URLs []string `yaml:"urls"`
}

type KafkaSinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AlertsConfig struct {
	Cooldown        time.Duration       `yaml:"cooldown"`
	DispatchTimeout time.Duration       `yaml:"dispatch_timeout"`
	Workers         int                 `yaml:"workers"`
	QueueSize       int                 `yaml:"queue_size"`
	PriceWindows    []PriceWindowConfig `yaml:"price_windows"`
	LargeTransfer   LargeTransferConfig `yaml:"large_transfer"`
	FailureRate     FailureRateConfig   `yaml:"failure_rate"`
	Liquidity       Thresholds          `yaml:"liquidity"`
	TVL             Thresholds          `yaml:"tvl"`
	System          SystemRuleConfig    `yaml:"system"`
	Webhook         WebhookConfig       `yaml:"webhook"`
	Kafka           KafkaSinkConfig     `yaml:"kafka"`
}

type WindowConfig struct {
	BucketsPerDay int           `yaml:"buckets_per_day"`
	Grace         time.Duration `yaml:"grace"`
	CoerceToUTC   bool          `yaml:"coerce_to_utc"`
	SnapshotKey   string        `yaml:"snapshot_key"`
	SnapshotSpec  string        `yaml:"snapshot_spec"`
}

type DedupeConfig struct {
	Backend      string        `yaml:"backend"` // redis|memory
	Prefix       string        `yaml:"prefix"`
	TTL          time.Duration `yaml:"ttl"`
	JanitorEvery time.Duration `yaml:"janitor_every"`
}

type PostgresConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	WatchdogFailures int           `yaml:"watchdog_failures"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ClickHouseWriterConfig struct {
	BatchMaxRows     int           `yaml:"batch_max_rows"`
	BatchMaxInterval time.Duration `yaml:"batch_max_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

type ClickHouseConfig struct {
	Enabled bool                   `yaml:"enabled"`
	DSN     string                 `yaml:"dsn"`
	Writer  ClickHouseWriterConfig `yaml:"writer"`
}

type StoresConfig struct {
	Backend      string           `yaml:"backend"`       // postgres|memory
	CacheBackend string           `yaml:"cache_backend"` // redis|memory
	Postgres     PostgresConfig   `yaml:"postgres"`
	Redis        RedisConfig      `yaml:"redis"`
	ClickHouse   ClickHouseConfig `yaml:"clickhouse"`
}

type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	BroadcastPrefix string `yaml:"broadcast_prefix"`
}

type PubSubConfig struct {
	BusBuffer int        `yaml:"bus_buffer"`
	NATS      NATSConfig `yaml:"nats"`
}

type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
	Headers []string `yaml:"headers"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORS         CORSConfig    `yaml:"cors"`
}

type WSConfig struct {
	SendBuffer        int           `yaml:"send_buffer"`
	MaxConn           int           `yaml:"max_conn"`
	ReadLimitBytes    int64         `yaml:"read_limit_bytes"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PongWait          time.Duration `yaml:"pong_wait"`
}

type APIConfig struct {
	HTTP HTTPConfig `yaml:"http"`
	WS   WSConfig   `yaml:"ws"`
}

type PyroscopeConfig struct {
	Enabled    bool              `yaml:"enabled"`
	AppName    string            `yaml:"app_name"`
	ServerAddr string            `yaml:"server_addr"`
	AuthToken  string            `yaml:"auth_token"`
	Tags       map[string]string `yaml:"tags"`
}

type MetricsConfig struct {
	Prometheus string          `yaml:"prometheus"`
	Pyroscope  PyroscopeConfig `yaml:"pyroscope"`
}

// Load reads the YAML file, expands ${ENV} references and applies defaults
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s, error=%w", path, err)
	}

	cfg.ApplyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.App.ShutdownTimeout <= 0 {
		c.App.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Stores.Backend == "" {
		c.Stores.Backend = "postgres"
	}
	if c.Stores.CacheBackend == "" {
		c.Stores.CacheBackend = "redis"
	}
	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = c.Stores.CacheBackend
	}
	if c.Aggregator.ReconcileSpec == "" {
		c.Aggregator.ReconcileSpec = "@every 5m"
	}
	if c.Window.SnapshotSpec == "" {
		c.Window.SnapshotSpec = "@every 1m"
	}
	if c.Window.SnapshotKey == "" {
		c.Window.SnapshotKey = "hcf:window:snapshot"
	}
	if c.Ledger.Market.SampleSpec == "" {
		c.Ledger.Market.SampleSpec = "@every 1m"
	}
	if c.Ledger.BlockProbe.ProbeSpec == "" {
		c.Ledger.BlockProbe.ProbeSpec = "@every 15s"
	}
	if c.Alerts.System.SampleSpec == "" {
		c.Alerts.System.SampleSpec = "@every 30s"
	}
	if c.API.HTTP.Addr == "" {
		c.API.HTTP.Addr = ":8080"
	}
	if c.PubSub.BusBuffer <= 0 {
		c.PubSub.BusBuffer = 4096
	}
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Stores.Backend {
	case "postgres":
		if c.Stores.Postgres.DSN == "" {
			errs = append(errs, errors.New("stores.postgres.dsn is required for postgres backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown stores.backend %q", c.Stores.Backend))
	}

	for _, b := range []string{c.Stores.CacheBackend, c.Dedupe.Backend} {
		if b != "redis" && b != "memory" {
			errs = append(errs, fmt.Errorf("unknown cache backend %q", b))
		}
	}

	if (c.Stores.CacheBackend == "redis" || c.Dedupe.Backend == "redis" || c.RateLimit.Enabled) && c.Stores.Redis.Addr == "" {
		errs = append(errs, errors.New("stores.redis.addr is required for redis backends and rate limiting"))
	}

	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required"))
	}

	for i, ct := range c.Ledger.Contracts {
		if ct.Address == "" || len(ct.Kinds) == 0 {
			errs = append(errs, fmt.Errorf("ledger.contracts[%d] needs address and kinds", i))
		}
	}

	if c.PubSub.NATS.Enabled && c.PubSub.NATS.URL == "" {
		errs = append(errs, errors.New("pubsub.nats.url is required when nats is enabled"))
	}

	return errors.Join(errs...)
}
