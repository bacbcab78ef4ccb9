package memory

import (
	"context"
	"sort"
	"sync"

	"hcfstream/internal/domain"
	"hcfstream/internal/stores"
)

var (
	_ stores.EventStore = (*EventStore)(nil)
	_ stores.Feed       = (*EventStore)(nil)
)

// EventStore is an in-memory implementation of stores.EventStore and stores.Feed (single instance, dev and tests)
type EventStore struct {
	mu     sync.RWMutex
	data   []domain.LedgerEvent
	keys   map[string]uint64
	byAddr map[string][]int

	subMu sync.Mutex
	subs  map[chan domain.Commit]struct{}
}

func NewEventStore() *EventStore {
	return &EventStore{
		data:   make([]domain.LedgerEvent, 0, 1024),
		keys:   make(map[string]uint64, 1024),
		byAddr: make(map[string][]int, 256),
		subs:   make(map[chan domain.Commit]struct{}),
	}
}

func (s *EventStore) Upsert(_ context.Context, ev *domain.LedgerEvent) (uint64, bool, error) {
	if ev == nil || ev.Kind == "" || ev.TxHash == "" || ev.Subject == "" {
		return 0, false, domain.ErrInvalidInput
	}
	ev.Normalize()

	s.mu.Lock()
	if seq, ok := s.keys[ev.Key]; ok {
		s.mu.Unlock()
		return seq, false, nil
	}

	stored := *ev
	stored.Seq = uint64(len(s.data) + 1)
	stored.Payload = copyPayload(ev.Payload)

	idx := len(s.data)
	s.data = append(s.data, stored)
	s.keys[stored.Key] = stored.Seq
	s.byAddr[stored.Subject] = append(s.byAddr[stored.Subject], idx)
	if stored.Counterparty != "" && stored.Counterparty != stored.Subject {
		s.byAddr[stored.Counterparty] = append(s.byAddr[stored.Counterparty], idx)
	}
	s.mu.Unlock()

	ev.Seq = stored.Seq
	s.notify(domain.Commit{Event: stored})

	return stored.Seq, true, nil
}

func (s *EventStore) LatestSeq(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.data)), nil
}

func (s *EventStore) ByAddress(_ context.Context, addr string) ([]domain.LedgerEvent, error) {
	addr = domain.NormalizeAddress(addr)

	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byAddr[addr]
	out := make([]domain.LedgerEvent, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.data[i])
	}
	return out, nil
}

func (s *EventStore) Since(_ context.Context, afterSeq uint64, limit int) ([]domain.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterSeq >= uint64(len(s.data)) {
		return nil, nil
	}

	rest := s.data[afterSeq:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}

	out := make([]domain.LedgerEvent, len(rest))
	copy(out, rest)
	return out, nil
}

func (s *EventStore) Addresses(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byAddr))
	for a := range s.byAddr {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (s *EventStore) Health(_ context.Context) error { return nil }

// Subscribe registers a commit listener until ctx is done
func (s *EventStore) Subscribe(ctx context.Context) (<-chan domain.Commit, error) {
	ch := make(chan domain.Commit, 1024)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch, nil
}

func (s *EventStore) Stream(ctx context.Context, fn func(domain.Commit)) error {
	ch, err := s.Subscribe(ctx)
	if err != nil {
		return err
	}
	for c := range ch {
		fn(c)
	}
	return nil
}

func (s *EventStore) notify(c domain.Commit) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- c:
		default: // slow subscriber; reconciliation covers the gap
		}
	}
}

func copyPayload(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
