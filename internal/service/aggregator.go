package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
	"hcfstream/internal/stores"
)

// HealthChecker is any dependency that can report readiness
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Dependency struct {
	Name  string
	Check HealthChecker
}

// Recomputer is the aggregator side of a snapshot pull
type Recomputer interface {
	Trigger(scope domain.Scope)
	Stale() []domain.Scope
}

// Alerts is the alerting engine surface exposed to operators
type Alerts interface {
	Resolve(ctx context.Context, id, actionTaken, operator string) (*domain.AlertRecord, error)
	CreateTestAlert(ctx context.Context, kind, severity, title, message string) (*domain.AlertRecord, error)
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.AlertRecord, error)
}

// OperatorService is the single entry point for HTTP and websocket pulls:
// snapshot reads, alert operations and dependency readiness
type OperatorService struct {
	log       logger.Logger
	cache     stores.SnapshotCache
	recompute Recomputer
	alerts    Alerts
	deps      []Dependency
}

func NewOperatorService(
	log logger.Logger,
	cache stores.SnapshotCache,
	recompute Recomputer,
	alerts Alerts,
	deps ...Dependency,
) (*OperatorService, error) {
	if cache == nil || alerts == nil {
		return nil, errors.New("snapshot cache and alerts are required to the operator service")
	}

	filtered := make([]Dependency, 0, len(deps))
	for _, d := range deps {
		if d.Check != nil {
			filtered = append(filtered, d)
		}
	}

	return &OperatorService{
		log:       log,
		cache:     cache,
		recompute: recompute,
		alerts:    alerts,
		deps:      filtered,
	}, nil
}

// Snapshot reads the cached view of scope. A miss asks the aggregator to recompute
// and returns domain.ErrNotFound; the caller retries or waits for the broadcast.
func (s *OperatorService) Snapshot(ctx context.Context, scope domain.Scope) (*domain.Snapshot, error) {
	snap, err := s.cache.Get(ctx, scope)
	if err == nil {
		return snap, nil
	}

	if errors.Is(err, domain.ErrNotFound) {
		if s.recompute != nil {
			s.recompute.Trigger(scope)
		}
		s.log.Debugf("Snapshot %s missing, recompute requested", scope)
		return nil, err
	}

	return nil, fmt.Errorf("read snapshot %s: %w", scope, err)
}

// CheckDependency fails when any dependency is unhealthy
func (s *OperatorService) CheckDependency(ctx context.Context) error {
	errDependency := make([]string, 0, len(s.deps))

	for _, d := range s.deps {
		if err := d.Check.Health(ctx); err != nil {
			errDependency = append(errDependency, fmt.Sprintf("%s: %v", d.Name, err))
		}
	}

	if len(errDependency) > 0 {
		return fmt.Errorf("dependency check failed: %v", strings.Join(errDependency, "; "))
	}

	s.log.Debugf("All dependency check passed")
	return nil
}

// StaleScopes lists scopes whose snapshot was not refreshed for twice the TTL
func (s *OperatorService) StaleScopes() []string {
	if s.recompute == nil {
		return nil
	}
	stale := s.recompute.Stale()
	out := make([]string, 0, len(stale))
	for _, sc := range stale {
		out = append(out, sc.String())
	}
	return out
}
