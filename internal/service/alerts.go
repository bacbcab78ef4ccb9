package service

import (
	"context"
	"fmt"
	"strings"

	"hcfstream/internal/domain"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500

	anonymousOperator = "anonymous"
)

func (s *OperatorService) ResolveAlert(ctx context.Context, id, actionTaken, operator string) (*domain.AlertRecord, error) {
	actionTaken = strings.TrimSpace(actionTaken)
	if actionTaken == "" {
		return nil, fmt.Errorf("%w: actionTaken is required", domain.ErrInvalidInput)
	}
	if operator = strings.TrimSpace(operator); operator == "" {
		operator = anonymousOperator
	}

	return s.alerts.Resolve(ctx, strings.TrimSpace(id), actionTaken, operator)
}

func (s *OperatorService) CreateTestAlert(ctx context.Context, kind, severity, title, message string) (*domain.AlertRecord, error) {
	if strings.TrimSpace(message) == "" && strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title or message is required", domain.ErrInvalidInput)
	}
	return s.alerts.CreateTestAlert(ctx, kind, severity, title, message)
}

// ListAlerts returns newest first; limit is clamped to [1, 500] and defaults to 50
func (s *OperatorService) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.AlertRecord, error) {
	switch {
	case limit <= 0:
		limit = defaultAlertLimit
	case limit > maxAlertLimit:
		limit = maxAlertLimit
	}

	recs, err := s.alerts.List(ctx, unresolvedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	if recs == nil {
		recs = []domain.AlertRecord{}
	}
	return recs, nil
}
