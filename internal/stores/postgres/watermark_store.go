package postgres

import (
	"context"
	"fmt"

	"hcfstream/internal/domain"
)

// WatermarkStore persists lastProcessedBlock per listener stream
type WatermarkStore struct {
	pool *Pool
}

func NewWatermarkStore(pool *Pool) *WatermarkStore {
	return &WatermarkStore{pool: pool}
}

func (s *WatermarkStore) Get(ctx context.Context, stream string) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM stream_watermarks WHERE stream = $1`, stream).Scan(&block)
	if err != nil {
		if isNotFoundError(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("%w: watermark %s: %v", domain.ErrTransientIO, stream, err)
	}
	return uint64(block), nil
}

// Set upserts the watermark and never moves it backwards
func (s *WatermarkStore) Set(ctx context.Context, stream string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_watermarks (stream, block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream) DO UPDATE
		SET block = GREATEST(stream_watermarks.block, EXCLUDED.block),
		    updated_at = NOW()
	`, stream, int64(block))
	if err != nil {
		return fmt.Errorf("%w: set watermark %s: %v", domain.ErrTransientIO, stream, err)
	}
	return nil
}
