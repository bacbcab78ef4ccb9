package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
	"hcfstream/internal/retry"
)

var ErrWriterClosed = errors.New("clickhouse writer closed")

// LedgerEventRow is the analytics copy of a committed ledger event
type LedgerEventRow struct {
	ObservedAt   time.Time
	Seq          uint64
	EventKey     string
	Kind         string
	Contract     string
	Subject      string
	Counterparty string
	Amount       string // Decimal(76,18), sent as string
	TxHash       string
	LogIndex     uint32
	BlockNumber  uint64
	BlockTime    time.Time // ingestion time when the block time is unknown
	Payload      string
}

func RowFromEvent(ev *domain.LedgerEvent) LedgerEventRow {
	payload := "{}"
	if len(ev.Payload) > 0 {
		if b, err := json.Marshal(ev.Payload); err == nil {
			payload = string(b)
		}
	}
	return LedgerEventRow{
		ObservedAt:   ev.ObservedAt.UTC(),
		Seq:          ev.Seq,
		EventKey:     ev.Key,
		Kind:         string(ev.Kind),
		Contract:     ev.Contract,
		Subject:      ev.Subject,
		Counterparty: ev.Counterparty,
		Amount:       ev.Amount.String(),
		TxHash:       ev.TxHash,
		LogIndex:     ev.LogIndex,
		BlockNumber:  ev.BlockNumber,
		BlockTime:    ev.OccurredAt().UTC(),
		Payload:      payload,
	}
}

// Writer batches committed events into the archive table.
// It is off the critical path: failed batches are logged and dropped.
type Writer struct {
	log logger.Logger

	conn ch.Conn
	cfg  config.ClickHouseConfig

	inCh      chan LedgerEventRow
	closedCh  chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	wg        sync.WaitGroup

	onFlush func(rows int, err error)
}

func NewWriter(log logger.Logger, conn ch.Conn, cfg config.ClickHouseConfig) *Writer {
	// sane defaults
	if cfg.Writer.BatchMaxRows <= 0 {
		cfg.Writer.BatchMaxRows = 1000
	}
	if cfg.Writer.BatchMaxInterval <= 0 {
		cfg.Writer.BatchMaxInterval = 200 * time.Millisecond
	}
	if cfg.Writer.MaxRetries < 0 {
		cfg.Writer.MaxRetries = 0
	}
	if cfg.Writer.RetryBackoff <= 0 {
		cfg.Writer.RetryBackoff = 200 * time.Millisecond
	}

	w := &Writer{
		log:      log,
		conn:     conn,
		cfg:      cfg,
		inCh:     make(chan LedgerEventRow, 8192),
		closedCh: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w
}

// OnFlush registers a hook called after every batch attempt, used for metrics
func (w *Writer) OnFlush(fn func(rows int, err error)) {
	w.onFlush = fn
}

// Archive implements the commit hook of the ingest path
func (w *Writer) Archive(c domain.Commit) {
	if err := w.Enqueue(RowFromEvent(&c.Event)); err != nil {
		w.log.Debugf("Skip archiving %s, error=%v", c.Event.Key, err)
	}
}

func (w *Writer) Enqueue(row LedgerEventRow) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	select {
	case <-w.closedCh:
		return ErrWriterClosed
	default:
	}

	select {
	case w.inCh <- row:
		return nil
	case <-w.closedCh:
		return ErrWriterClosed
	}
}

func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		close(w.closedCh)
		// wait for in-flight Enqueue calls before closing the input
		w.mu.Lock()
		close(w.inCh)
		w.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	batch := make([]LedgerEventRow, 0, w.cfg.Writer.BatchMaxRows)
	ticker := time.NewTicker(w.cfg.Writer.BatchMaxInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		err := w.insertBatch(context.Background(), batch)
		if err != nil {
			w.log.Errorf("Failed insert [%d] rows by batch to clickhouse, error=%v", len(batch), err)
		}
		if w.onFlush != nil {
			w.onFlush(len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case row, ok := <-w.inCh:
			if !ok {
				flush()
				return
			}

			batch = append(batch, row)
			if len(batch) >= w.cfg.Writer.BatchMaxRows {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) insertBatch(ctx context.Context, rows []LedgerEventRow) error {
	if len(rows) == 0 {
		return nil
	}

	policy := retry.Config{
		MaxRetries:   w.cfg.Writer.MaxRetries + 1,
		InitialDelay: w.cfg.Writer.RetryBackoff,
		MaxDelay:     w.cfg.Writer.RetryBackoff * 16,
		Multiplier:   2,
	}
	return retry.WithBackoff(ctx, policy, w.log, "clickhouse archive insert", func() error {
		return w.sendOnce(ctx, rows)
	})
}

func (w *Writer) sendOnce(ctx context.Context, rows []LedgerEventRow) error {
	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO ledger_events_archive (
			observed_at,
			seq,
			event_key,
			kind,
			contract,
			subject,
			counterparty,
			amount,
			tx_hash,
			log_index,
			block_number,
			block_time,
			payload
		)
	`)
	if err != nil {
		return err
	}

	for i := range rows {
		r := &rows[i]
		if err = batch.Append(
			r.ObservedAt,
			r.Seq,
			r.EventKey,
			r.Kind,
			r.Contract,
			r.Subject,
			r.Counterparty,
			r.Amount,
			r.TxHash,
			r.LogIndex,
			r.BlockNumber,
			r.BlockTime,
			r.Payload,
		); err != nil {
			_ = batch.Abort()
			return err
		}
	}

	return batch.Send()
}
