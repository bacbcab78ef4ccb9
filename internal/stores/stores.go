package stores

import (
	"context"
	"time"

	"hcfstream/internal/domain"
)

// EventStore is the canonical append-only ledger event store.
// Upsert is idempotent on the event key: a repeated key returns inserted=false and no error.
type EventStore interface {
	Upsert(ctx context.Context, ev *domain.LedgerEvent) (seq uint64, inserted bool, err error)
	LatestSeq(ctx context.Context) (uint64, error)
	ByAddress(ctx context.Context, addr string) ([]domain.LedgerEvent, error)
	// Since returns events with seq > afterSeq ordered by seq; limit <= 0 means no limit
	Since(ctx context.Context, afterSeq uint64, limit int) ([]domain.LedgerEvent, error)
	Addresses(ctx context.Context) ([]string, error)
	Health(ctx context.Context) error
}

// Feed delivers committed events, including those written by other instances.
// Stream blocks until ctx is done (nil) or the feed connection is lost (domain.ErrStoreLost).
type Feed interface {
	Stream(ctx context.Context, fn func(domain.Commit)) error
}

type WatermarkStore interface {
	// Get returns 0, domain.ErrNotFound for an unknown stream
	Get(ctx context.Context, stream string) (uint64, error)
	Set(ctx context.Context, stream string, block uint64) error
}

type AlertFilter struct {
	UnresolvedOnly bool
	Limit          int
}

type AlertStore interface {
	Create(ctx context.Context, rec *domain.AlertRecord) error
	Get(ctx context.Context, id string) (*domain.AlertRecord, error)
	// Resolve returns domain.ErrNotFound or domain.ErrAlreadyResolved
	Resolve(ctx context.Context, id, actionTaken, operator string, at time.Time) (*domain.AlertRecord, error)
	List(ctx context.Context, f AlertFilter) ([]domain.AlertRecord, error)
}

// SnapshotCache holds the latest snapshot per scope with a TTL.
// Put is version-guarded: a snapshot older than the cached one returns domain.ErrStaleScope.
type SnapshotCache interface {
	Put(ctx context.Context, snap *domain.Snapshot, ttl time.Duration) error
	Get(ctx context.Context, scope domain.Scope) (*domain.Snapshot, error)
}
