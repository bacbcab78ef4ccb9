package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gitlab.com/nevasik7/alerting/logger"
	"golang.org/x/sync/errgroup"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
	"hcfstream/internal/retry"
	"hcfstream/internal/stores"
)

const liveBatchMax = 256

var errSubscriptionClosed = errors.New("log subscription closed")

// Stream is one long-lived subscription: one contract, one event kind, one watermark
type Stream struct {
	ID       string
	Name     string
	Contract common.Address
	Kind     domain.EventKind
	topic    common.Hash
}

func (s Stream) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{s.Contract},
		Topics:    [][]common.Hash{{s.topic}},
	}
}

func StreamID(contract string, kind domain.EventKind) string {
	return strings.ToLower(contract) + ":" + string(kind)
}

// Listener ingests ledger logs into the canonical store.
// Each stream resumes from its watermark (inclusive), backfills to head and then follows the push feed.
type Listener struct {
	log       logger.Logger
	cfg       config.LedgerConfig
	src       Source
	decoder   *Decoder
	events    stores.EventStore
	marks     stores.WatermarkStore
	publisher *CommitPublisher
	failures  *failureTracker
	streams   []Stream
	backoff   retry.Config
	now       func() time.Time

	onAlarm  func(domain.DecodeAlarm)
	onCommit []func(domain.Commit)
}

func NewListener(
	log logger.Logger,
	cfg *config.LedgerConfig,
	src Source,
	decoder *Decoder,
	events stores.EventStore,
	marks stores.WatermarkStore,
	publisher *CommitPublisher,
) (*Listener, error) {
	if cfg == nil {
		return nil, errors.New("ledger config is required to the listener")
	}
	if src == nil || decoder == nil || events == nil || marks == nil || publisher == nil {
		return nil, errors.New("source, decoder, stores and publisher are required to the listener")
	}

	c := *cfg
	// sane defaults
	if c.BackfillChunk == 0 {
		c.BackfillChunk = 2000
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}

	streams := make([]Stream, 0, len(c.Contracts)*4)
	seen := make(map[string]struct{})
	for _, ct := range c.Contracts {
		if !common.IsHexAddress(ct.Address) {
			return nil, fmt.Errorf("%w: contract %s has invalid address %q", domain.ErrInvalidInput, ct.Name, ct.Address)
		}
		for _, k := range ct.Kinds {
			kind := domain.EventKind(k)
			topic, err := decoder.Topic(kind)
			if err != nil {
				return nil, fmt.Errorf("contract %s: %w", ct.Name, err)
			}

			id := StreamID(ct.Address, kind)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			streams = append(streams, Stream{
				ID:       id,
				Name:     ct.Name,
				Contract: common.HexToAddress(ct.Address),
				Kind:     kind,
				topic:    topic,
			})
		}
	}

	return &Listener{
		log:       log,
		cfg:       c,
		src:       src,
		decoder:   decoder,
		events:    events,
		marks:     marks,
		publisher: publisher,
		failures:  newFailureTracker(c.DecodeFailureThreshold, c.DecodeFailureWindow),
		streams:   streams,
		backoff: retry.Config{
			InitialDelay:  c.ReconnectMin,
			MaxDelay:      c.ReconnectMax,
			Multiplier:    2,
			JitterEnabled: true,
		},
		now: time.Now,
	}, nil
}

// OnDecodeAlarm registers the receiver of repeated decode failure alarms
func (l *Listener) OnDecodeAlarm(fn func(domain.DecodeAlarm)) {
	l.onAlarm = fn
}

// OnCommit registers a hook called for every newly inserted event (archive, metrics)
func (l *Listener) OnCommit(fn func(domain.Commit)) {
	l.onCommit = append(l.onCommit, fn)
}

func (l *Listener) Streams() []Stream {
	out := make([]Stream, len(l.streams))
	copy(out, l.streams)
	return out
}

// Run blocks until ctx is done; it returns early only when the canonical store is lost
func (l *Listener) Run(ctx context.Context) error {
	if len(l.streams) == 0 {
		l.log.Warn("Ledger listener has no streams configured")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range l.streams {
		st := st
		g.Go(func() error {
			return l.runStream(gctx, st)
		})
	}

	l.log.Infof("Ledger listener started with %d streams", len(l.streams))
	return g.Wait()
}

func (l *Listener) runStream(ctx context.Context, st Stream) error {
	attempt := 0
	for {
		live, err := l.session(ctx, st)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, domain.ErrStoreLost) {
			return err
		}

		if live {
			attempt = 0
		}
		attempt++

		delay := retry.Delay(l.backoff, attempt)
		metrics.StreamReconnects.WithLabelValues(st.ID).Inc()
		l.log.Warnf("Stream %s interrupted, reconnect in %s, error=%v", st.ID, delay, err)

		if err = retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one subscription; live reports whether it reached the push phase
func (l *Listener) session(ctx context.Context, st Stream) (live bool, err error) {
	// subscribe before backfill so nothing between head and the first pushed log is lost
	ch := make(chan types.Log, 1024)
	sub, err := l.src.SubscribeLogs(ctx, st.query(nil, nil), ch)
	if err != nil {
		return false, fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransientIO, st.ID, err)
	}
	defer sub.Unsubscribe()

	head, err := l.src.HeadBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: head block: %v", domain.ErrTransientIO, err)
	}

	from, err := l.resumeBlock(ctx, st, head)
	if err != nil {
		return false, err
	}

	if err = l.backfill(ctx, st, from, head); err != nil {
		return false, err
	}

	l.log.Debugf("Stream %s is live from block %d", st.ID, head)

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err = <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return true, fmt.Errorf("%w: subscription %s: %v", domain.ErrTransientIO, st.ID, err)
		case lg := <-ch:
			batch := make([]types.Log, 0, 16)
			batch = append(batch, lg)
		drain:
			for len(batch) < liveBatchMax {
				select {
				case next := <-ch:
					batch = append(batch, next)
				default:
					break drain
				}
			}

			if err = l.commitBatch(ctx, st, batch); err != nil {
				return true, err
			}
		}
	}
}

// resumeBlock is inclusive: the watermark block is read again and its duplicates are no-ops
func (l *Listener) resumeBlock(ctx context.Context, st Stream, head uint64) (uint64, error) {
	mark, err := l.marks.Get(ctx, st.ID)
	switch {
	case err == nil:
		return mark, nil
	case errors.Is(err, domain.ErrNotFound):
		if l.cfg.StartBlock > 0 {
			return l.cfg.StartBlock, nil
		}
		return head, nil
	default:
		return 0, fmt.Errorf("%w: watermark %s: %v", domain.ErrTransientIO, st.ID, err)
	}
}

func (l *Listener) backfill(ctx context.Context, st Stream, from, head uint64) error {
	for start := from; start <= head; {
		end := start + l.cfg.BackfillChunk - 1
		if end > head || end < start {
			end = head
		}

		logs, err := l.src.FetchLogs(ctx, st.query(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end)))
		if err != nil {
			return fmt.Errorf("%w: fetch logs %s [%d,%d]: %v", domain.ErrTransientIO, st.ID, start, end, err)
		}

		if err = l.processLogs(ctx, st, logs); err != nil {
			return err
		}
		if err = l.setWatermark(ctx, st, end); err != nil {
			return err
		}

		if len(logs) > 0 {
			l.log.Infof("Stream %s backfilled blocks [%d,%d], logs=%d", st.ID, start, end, len(logs))
		}
		if end == head {
			break
		}
		start = end + 1
	}
	return nil
}

func (l *Listener) commitBatch(ctx context.Context, st Stream, batch []types.Log) error {
	if err := l.processLogs(ctx, st, batch); err != nil {
		return err
	}

	var top uint64
	for _, lg := range batch {
		if lg.BlockNumber > top {
			top = lg.BlockNumber
		}
	}
	return l.setWatermark(ctx, st, top)
}

func (l *Listener) processLogs(ctx context.Context, st Stream, logs []types.Log) error {
	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		// re-org: the canonical store is append-only, reverted logs are skipped
		if lg.Removed {
			metrics.EventsIngested.WithLabelValues(string(st.Kind), "removed").Inc()
			l.log.Warnf("Skip removed log tx=%s index=%d on stream %s", lg.TxHash.Hex(), lg.Index, st.ID)
			continue
		}

		ev, err := l.decoder.Decode(st.Kind, lg, l.now())
		if err != nil {
			l.decodeFailed(st, err)
			continue
		}
		l.failures.success(st.Kind)
		ev.BlockTime = l.blockTime(ctx, lg.BlockNumber, blockTimes)

		if err = l.commit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// blockTime resolves the header time once per block; a zero time leaves the event on ingestion time
func (l *Listener) blockTime(ctx context.Context, number uint64, cache map[uint64]time.Time) time.Time {
	if at, ok := cache[number]; ok {
		return at
	}
	at, err := l.src.BlockTime(ctx, number)
	if err != nil {
		l.log.Warnf("Failed read time of block %d, fall back to ingestion time, error=%v", number, err)
		at = time.Time{}
	}
	cache[number] = at
	return at
}

func (l *Listener) commit(ctx context.Context, ev *domain.LedgerEvent) error {
	_, inserted, err := l.events.Upsert(ctx, ev)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", ev.Key, err)
	}

	if !inserted {
		metrics.EventsIngested.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		l.log.Debugf("Duplicate event ignored: %s", ev.Key)
		return nil
	}

	metrics.EventsIngested.WithLabelValues(string(ev.Kind), "inserted").Inc()

	c := domain.Commit{Event: *ev}
	if _, err = l.publisher.Publish(ctx, c); err != nil {
		// the event is durable; reconciliation picks it up
		l.log.Errorf("Failed publish commit of %s, error=%v", ev.Key, err)
	}
	for _, fn := range l.onCommit {
		fn(c)
	}
	return nil
}

func (l *Listener) decodeFailed(st Stream, err error) {
	metrics.DecodeErrors.WithLabelValues(string(st.Kind)).Inc()
	l.log.Warnf("Failed decode log on stream %s, error=%v", st.ID, err)

	if alarm, ok := l.failures.fail(st.Kind, err, l.now()); ok && l.onAlarm != nil {
		l.onAlarm(alarm)
	}
}

func (l *Listener) setWatermark(ctx context.Context, st Stream, block uint64) error {
	if err := l.marks.Set(ctx, st.ID, block); err != nil {
		return fmt.Errorf("%w: set watermark %s: %v", domain.ErrTransientIO, st.ID, err)
	}
	metrics.StreamWatermark.WithLabelValues(st.ID).Set(float64(block))
	return nil
}
