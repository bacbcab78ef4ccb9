package aggregator

import (
	"sync"
	"time"

	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
)

type scopeHealth struct {
	since       time.Time // first trigger, counts as the reference until a success
	lastSuccess time.Time
	failures    int
}

// healthTracker flags scopes without a successful recompute for longer than staleAfter
type healthTracker struct {
	mu         sync.Mutex
	staleAfter time.Duration
	now        func() time.Time
	scopes     map[domain.Scope]*scopeHealth
}

func newHealthTracker(staleAfter time.Duration, now func() time.Time) *healthTracker {
	return &healthTracker{
		staleAfter: staleAfter,
		now:        now,
		scopes:     make(map[domain.Scope]*scopeHealth),
	}
}

func (h *healthTracker) get(scope domain.Scope) *scopeHealth {
	sh, ok := h.scopes[scope]
	if !ok {
		sh = &scopeHealth{since: h.now()}
		h.scopes[scope] = sh
	}
	return sh
}

func (h *healthTracker) touch(scope domain.Scope) {
	h.mu.Lock()
	h.get(scope)
	h.mu.Unlock()
}

func (h *healthTracker) succeeded(scope domain.Scope) {
	h.mu.Lock()
	sh := h.get(scope)
	sh.lastSuccess = h.now()
	sh.failures = 0
	h.mu.Unlock()
}

// failed returns the consecutive failure count of scope
func (h *healthTracker) failed(scope domain.Scope) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.get(scope)
	sh.failures++
	return sh.failures
}

func (h *healthTracker) isStale(scope domain.Scope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh, ok := h.scopes[scope]
	if !ok {
		return false
	}
	return h.staleLocked(sh, h.now())
}

func (h *healthTracker) staleLocked(sh *scopeHealth, now time.Time) bool {
	ref := sh.lastSuccess
	if ref.IsZero() {
		ref = sh.since
	}
	return now.Sub(ref) > h.staleAfter
}

// stale lists stale scopes and refreshes the gauge
func (h *healthTracker) stale() []domain.Scope {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	var out []domain.Scope
	for scope, sh := range h.scopes {
		if h.staleLocked(sh, now) {
			out = append(out, scope)
		}
	}
	metrics.StaleScopes.Set(float64(len(out)))
	return out
}
