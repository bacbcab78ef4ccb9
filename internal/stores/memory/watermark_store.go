package memory

import (
	"context"
	"sync"

	"hcfstream/internal/domain"
)

type WatermarkStore struct {
	mu     sync.RWMutex
	blocks map[string]uint64
}

func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{blocks: make(map[string]uint64)}
}

func (s *WatermarkStore) Get(_ context.Context, stream string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[stream]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return b, nil
}

// Set never moves a watermark backwards
func (s *WatermarkStore) Set(_ context.Context, stream string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.blocks[stream]; ok && cur > block {
		return nil
	}
	s.blocks[stream] = block
	return nil
}
