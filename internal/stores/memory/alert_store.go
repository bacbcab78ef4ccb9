package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"hcfstream/internal/domain"
	"hcfstream/internal/stores"
)

type AlertStore struct {
	mu      sync.RWMutex
	records map[string]*domain.AlertRecord
}

func NewAlertStore() *AlertStore {
	return &AlertStore{records: make(map[string]*domain.AlertRecord)}
}

func (s *AlertStore) Create(_ context.Context, rec *domain.AlertRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return domain.ErrDuplicateKey
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *AlertStore) Get(_ context.Context, id string) (*domain.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *AlertStore) Resolve(_ context.Context, id, actionTaken, operator string, at time.Time) (*domain.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if rec.Resolved {
		return nil, domain.ErrAlreadyResolved
	}

	resolvedAt := at.UTC()
	rec.Resolved = true
	rec.ResolvedBy = operator
	rec.ResolvedAt = &resolvedAt
	rec.ActionTaken = actionTaken

	cp := *rec
	return &cp, nil
}

// List returns newest first
func (s *AlertStore) List(_ context.Context, f stores.AlertFilter) ([]domain.AlertRecord, error) {
	s.mu.RLock()
	out := make([]domain.AlertRecord, 0, len(s.records))
	for _, rec := range s.records {
		if f.UnresolvedOnly && rec.Resolved {
			continue
		}
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeenAt.After(out[j].FirstSeenAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
