package clickhouse

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"hcfstream/internal/config"
)

const archiveDDL = `
CREATE TABLE IF NOT EXISTS ledger_events_archive (
	observed_at   DateTime64(3, 'UTC'),
	seq           UInt64,
	event_key     String,
	kind          LowCardinality(String),
	contract      String,
	subject       String,
	counterparty  String,
	amount        Decimal(76, 18),
	tx_hash       String,
	log_index     UInt32,
	block_number  UInt64,
	block_time    DateTime64(3, 'UTC'),
	payload       String
)
ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(observed_at)
ORDER BY (kind, event_key)`

// tables created before block_time was archived
const archiveBlockTimeDDL = `ALTER TABLE ledger_events_archive ADD COLUMN IF NOT EXISTS block_time DateTime64(3, 'UTC') AFTER block_number`

type Conn struct {
	Native ch.Conn
}

func New(ctx context.Context, cfg *config.ClickHouseConfig) (*Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("clickhouse config cannot be nil")
	}
	opts, err := ch.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed parse DSN ch, error=%w", err)
	}

	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	if opts.Compression == nil {
		opts.Compression = &ch.Compression{Method: ch.CompressionLZ4}
	}

	opts.ClientInfo = ch.ClientInfo{
		Products: []struct{ Name, Version string }{
			{
				Name:    "hcfstream",
				Version: "0.1.0",
			},
		},
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed Open ch, error=%w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err = conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed ping ch, error=%w", err)
	}

	if err = conn.Exec(ctx, archiveDDL); err != nil {
		return nil, fmt.Errorf("failed create archive table, error=%w", err)
	}
	if err = conn.Exec(ctx, archiveBlockTimeDDL); err != nil {
		return nil, fmt.Errorf("failed migrate archive table, error=%w", err)
	}

	return &Conn{Native: conn}, nil
}

func (c *Conn) Health(ctx context.Context) error {
	return c.Native.Ping(ctx)
}

func (c *Conn) Close() error {
	return c.Native.Close()
}
