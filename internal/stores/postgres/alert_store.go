package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hcfstream/internal/domain"
	"hcfstream/internal/stores"
)

var _ stores.AlertStore = (*AlertStore)(nil)

const alertColumns = `id::text, rule_id, severity, subject, message, evidence, dedup_key,
	first_seen_at, resolved, resolved_by, resolved_at, action_taken`

type AlertStore struct {
	pool *Pool
}

func NewAlertStore(pool *Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

func (s *AlertStore) Create(ctx context.Context, rec *domain.AlertRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidInput
	}

	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return fmt.Errorf("%w: evidence: %v", domain.ErrInvalidInput, err)
	}
	if rec.Evidence == nil {
		evidence = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_records (id, rule_id, severity, subject, message, evidence, dedup_key, first_seen_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb, $7, $8)
	`, rec.ID, rec.RuleID, string(rec.Severity), rec.Subject, rec.Message, string(evidence), rec.DedupKey, rec.FirstSeenAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateKey
		}
		return fmt.Errorf("%w: insert alert %s: %v", domain.ErrTransientIO, rec.ID, err)
	}
	return nil
}

func (s *AlertStore) Get(ctx context.Context, id string) (*domain.AlertRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+alertColumns+` FROM alert_records WHERE id::text = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get alert %s: %v", domain.ErrTransientIO, id, err)
	}
	recs, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrNotFound
	}
	return &recs[0], nil
}

// Resolve flips an open record in one statement; a miss is disambiguated afterwards
func (s *AlertStore) Resolve(ctx context.Context, id, actionTaken, operator string, at time.Time) (*domain.AlertRecord, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE alert_records
		SET resolved = TRUE, resolved_by = $2, resolved_at = $3, action_taken = $4
		WHERE id::text = $1 AND resolved = FALSE
		RETURNING `+alertColumns, id, operator, at.UTC(), actionTaken)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve alert %s: %v", domain.ErrTransientIO, id, err)
	}
	recs, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 1 {
		return &recs[0], nil
	}

	if _, err = s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, domain.ErrAlreadyResolved
}

func (s *AlertStore) List(ctx context.Context, f stores.AlertFilter) ([]domain.AlertRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alert_records
		WHERE ($1 = FALSE OR resolved = FALSE)
		ORDER BY first_seen_at DESC
		LIMIT $2
	`, f.UnresolvedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list alerts: %v", domain.ErrTransientIO, err)
	}
	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]domain.AlertRecord, error) {
	defer rows.Close()

	var out []domain.AlertRecord
	for rows.Next() {
		var (
			rec        domain.AlertRecord
			severity   string
			evidence   []byte
			resolvedAt *time.Time
		)
		if err := rows.Scan(
			&rec.ID, &rec.RuleID, &severity, &rec.Subject, &rec.Message, &evidence, &rec.DedupKey,
			&rec.FirstSeenAt, &rec.Resolved, &rec.ResolvedBy, &resolvedAt, &rec.ActionTaken,
		); err != nil {
			return nil, err
		}
		rec.Severity = domain.Severity(severity)
		rec.FirstSeenAt = rec.FirstSeenAt.UTC()
		if resolvedAt != nil {
			t := resolvedAt.UTC()
			rec.ResolvedAt = &t
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
				return nil, fmt.Errorf("parse evidence of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
