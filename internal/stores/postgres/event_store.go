package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"hcfstream/internal/domain"
	"hcfstream/internal/stores"
)

var (
	_ stores.EventStore = (*EventStore)(nil)
	_ stores.Feed       = (*EventStore)(nil)
)

const notifyChannel = "ledger_events"

const eventColumns = `seq, event_key, kind, contract_address, subject_address, counterparty_address,
	amount::text, tx_hash, log_index, block_number, block_time, observed_at, payload`

// EventStore is the canonical ledger event store.
// The unique index on event_key makes Upsert idempotent; an insert trigger feeds LISTEN subscribers.
type EventStore struct {
	pool *Pool
}

func NewEventStore(pool *Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (s *EventStore) Upsert(ctx context.Context, ev *domain.LedgerEvent) (uint64, bool, error) {
	if ev == nil || ev.Kind == "" || ev.TxHash == "" || ev.Subject == "" {
		return 0, false, domain.ErrInvalidInput
	}
	ev.Normalize()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("%w: payload of %s: %v", domain.ErrInvalidInput, ev.Key, err)
	}
	if ev.Payload == nil {
		payload = []byte("{}")
	}

	var seq int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO ledger_events (
			event_key, kind, contract_address, subject_address, counterparty_address,
			amount, tx_hash, log_index, block_number, block_time, observed_at, payload
		)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12::jsonb)
		ON CONFLICT (event_key) DO NOTHING
		RETURNING seq
	`,
		ev.Key, string(ev.Kind), ev.Contract, ev.Subject, ev.Counterparty,
		ev.Amount.String(), ev.TxHash, int32(ev.LogIndex), int64(ev.BlockNumber), nullTime(ev.BlockTime), ev.ObservedAt, string(payload),
	).Scan(&seq)

	switch {
	case err == nil:
		ev.Seq = uint64(seq)
		return ev.Seq, true, nil
	case isNotFoundError(err):
		// conflict: the event already exists
		if err = s.pool.QueryRow(ctx, `SELECT seq FROM ledger_events WHERE event_key = $1`, ev.Key).Scan(&seq); err != nil {
			return 0, false, fmt.Errorf("%w: lookup duplicate %s: %v", domain.ErrTransientIO, ev.Key, err)
		}
		ev.Seq = uint64(seq)
		return ev.Seq, false, nil
	case isDuplicateKeyError(err):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("%w: insert %s: %v", domain.ErrTransientIO, ev.Key, err)
	}
}

func (s *EventStore) LatestSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: latest seq: %v", domain.ErrTransientIO, err)
	}
	return uint64(seq), nil
}

func (s *EventStore) ByAddress(ctx context.Context, addr string) ([]domain.LedgerEvent, error) {
	addr = domain.NormalizeAddress(addr)
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM ledger_events
		WHERE subject_address = $1 OR counterparty_address = $1
		ORDER BY seq
	`, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: events of %s: %v", domain.ErrTransientIO, addr, err)
	}
	return scanEvents(rows)
}

func (s *EventStore) Since(ctx context.Context, afterSeq uint64, limit int) ([]domain.LedgerEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM ledger_events WHERE seq > $1 ORDER BY seq`
	args := []any{int64(afterSeq)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: events since %d: %v", domain.ErrTransientIO, afterSeq, err)
	}
	return scanEvents(rows)
}

func (s *EventStore) Addresses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_address FROM ledger_events
		UNION
		SELECT counterparty_address FROM ledger_events WHERE counterparty_address <> ''
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: addresses: %v", domain.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err = rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *EventStore) Health(ctx context.Context) error {
	return s.pool.Health(ctx)
}

func (s *EventStore) bySeq(ctx context.Context, seq uint64) (*domain.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM ledger_events WHERE seq = $1`, int64(seq))
	if err != nil {
		return nil, err
	}
	evs, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, domain.ErrNotFound
	}
	return &evs[0], nil
}

// Stream holds one dedicated connection in LISTEN mode.
// Losing it is reported as domain.ErrStoreLost.
func (s *EventStore) Stream(ctx context.Context, fn func(domain.Commit)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire listen conn: %v", domain.ErrStoreLost, err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("%w: listen: %v", domain.ErrStoreLost, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: wait notification: %v", domain.ErrStoreLost, err)
		}

		var seq uint64
		if _, err = fmt.Sscanf(n.Payload, "%d", &seq); err != nil {
			continue
		}

		ev, err := s.bySeq(ctx, seq)
		if err != nil {
			continue
		}
		fn(domain.Commit{Event: *ev})
	}
}

func scanEvents(rows pgx.Rows) ([]domain.LedgerEvent, error) {
	defer rows.Close()

	var out []domain.LedgerEvent
	for rows.Next() {
		var (
			ev       domain.LedgerEvent
			seq      int64
			kind     string
			amount   string
			logIndex int32
			block    int64
			mined    *time.Time
			observed time.Time
			payload  []byte
		)
		if err := rows.Scan(
			&seq, &ev.Key, &kind, &ev.Contract, &ev.Subject, &ev.Counterparty,
			&amount, &ev.TxHash, &logIndex, &block, &mined, &observed, &payload,
		); err != nil {
			return nil, err
		}

		ev.Seq = uint64(seq)
		ev.Kind = domain.EventKind(kind)
		ev.LogIndex = uint32(logIndex)
		ev.BlockNumber = uint64(block)
		ev.ObservedAt = observed.UTC()
		if mined != nil {
			ev.BlockTime = mined.UTC()
		}

		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount of %s: %w", ev.Key, err)
		}
		ev.Amount = amt

		if len(payload) > 0 {
			if err = json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("parse payload of %s: %w", ev.Key, err)
			}
			if len(ev.Payload) == 0 {
				ev.Payload = nil
			}
		}

		out = append(out, ev)
	}
	return out, rows.Err()
}

// nullTime stores the zero time as NULL
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
