package dedupe

import (
	"context"
	"sync"
	"time"

	"gitlab.com/nevasik7/alerting/logger"
)

var _ Window = (*MemoryWindow)(nil)

type memEntry struct {
	owner    string
	expireAt int64 // unix nano
}

type MemoryWindow struct {
	log     logger.Logger
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	items   map[string]memEntry
	stopCh  chan struct{}
	stopped bool
}

// for dev(one instance) and per-process evaluation guards;
// ttl-default hold time of a claimed key;
// janitorEvery-how long clear expired key; 0-> don't run collector
func NewMemoryWindow(log logger.Logger, ttl, janitorEvery time.Duration) *MemoryWindow {
	if ttl <= 0 {
		ttl = time.Hour
	}

	m := &MemoryWindow{
		log:    log,
		ttl:    ttl,
		now:    time.Now,
		items:  make(map[string]memEntry, 1024),
		stopCh: make(chan struct{}),
	}

	if janitorEvery > 0 {
		go m.janitor(janitorEvery)
	}

	return m
}

// WithClock replaces the time source, used by cool-down tests
func (m *MemoryWindow) WithClock(now func() time.Time) *MemoryWindow {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryWindow) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.ClaimAs(ctx, key, "", ttl)
}

func (m *MemoryWindow) ClaimAs(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()

	// if exists and not expired
	if e, ok := m.items[key]; ok && e.expireAt > now {
		return false, nil
	}

	m.items[key] = memEntry{
		owner:    owner,
		expireAt: now + ttl.Nanoseconds(),
	}

	m.log.Debugf("Claimed suppression key=%s for %s", key, ttl)

	return true, nil
}

func (m *MemoryWindow) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok && (owner == "" || e.owner == owner) {
		delete(m.items, key)
	}
	return nil
}

// Len returns the number of tracked keys, expired ones included until the janitor runs
func (m *MemoryWindow) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryWindow) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	for k, e := range m.items {
		if e.expireAt <= now {
			m.log.Debugf("Removing expired item: %s", k)
			delete(m.items, k)
		}
	}
}

func (m *MemoryWindow) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// Close garbage collector(if running)
func (m *MemoryWindow) Close() {
	m.mu.Lock()
	if !m.stopped {
		close(m.stopCh)
		m.stopped = true
	}
	m.mu.Unlock()
}
