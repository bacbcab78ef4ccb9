package aggregator

import (
	"context"
	"sync"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
)

// RunFunc executes one recomputation of scope
type RunFunc func(ctx context.Context, scope domain.Scope)

type slot struct {
	timer   *time.Timer
	running bool
	dirty   bool
}

// Scheduler coalesces triggers per scope.
// The first trigger arms a timer of one debounce window, later triggers inside the window are absorbed.
// A scope never runs twice at once: triggers during a run mark it dirty and cause one trailing run.
type Scheduler struct {
	log      logger.Logger
	debounce time.Duration
	run      RunFunc
	base     context.Context

	mu     sync.Mutex
	slots  map[domain.Scope]*slot
	closed bool
	wg     sync.WaitGroup
}

func NewScheduler(log logger.Logger, debounce time.Duration, run RunFunc) *Scheduler {
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	return &Scheduler{
		log:      log,
		debounce: debounce,
		run:      run,
		// in-flight recomputes finish even when shutdown starts
		base:  context.Background(),
		slots: make(map[domain.Scope]*slot),
	}
}

func (s *Scheduler) Trigger(scope domain.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	sl, ok := s.slots[scope]
	if !ok {
		sl = &slot{}
		s.slots[scope] = sl
	}

	switch {
	case sl.timer != nil:
		metrics.TriggersCoalesced.WithLabelValues(string(scope.Kind)).Inc()
	case sl.running:
		sl.dirty = true
		metrics.TriggersCoalesced.WithLabelValues(string(scope.Kind)).Inc()
	default:
		s.arm(scope, sl)
	}
}

// arm must be called with s.mu held
func (s *Scheduler) arm(scope domain.Scope, sl *slot) {
	s.wg.Add(1)
	sl.timer = time.AfterFunc(s.debounce, func() {
		defer s.wg.Done()
		s.fire(scope)
	})
}

func (s *Scheduler) fire(scope domain.Scope) {
	s.mu.Lock()
	sl := s.slots[scope]
	if sl == nil || sl.timer == nil {
		s.mu.Unlock()
		return
	}
	sl.timer = nil
	sl.running = true
	s.mu.Unlock()

	s.execute(scope)

	s.mu.Lock()
	sl.running = false
	if sl.dirty && !s.closed {
		sl.dirty = false
		s.arm(scope, sl)
	} else if !sl.dirty {
		delete(s.slots, scope)
	}
	s.mu.Unlock()
}

func (s *Scheduler) execute(scope domain.Scope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("Recovered panic in recompute of %s: %v", scope, r)
		}
	}()
	s.run(s.base, scope)
}

// Pending reports scopes that wait for their timer or run right now
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Flush stops accepting triggers, runs every armed scope immediately and waits for in-flight runs
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true

	armed := make([]domain.Scope, 0, len(s.slots))
	for scope, sl := range s.slots {
		if sl.timer != nil && sl.timer.Stop() {
			sl.timer = nil
			s.wg.Done()
			armed = append(armed, scope)
		}
		if sl.dirty && sl.running {
			// the trailing run happens here instead of after the window
			sl.dirty = false
			armed = append(armed, scope)
		}
	}
	s.mu.Unlock()

	if len(armed) > 0 {
		s.log.Infof("Flushing %d pending recomputes", len(armed))
	}

	done := make(chan struct{})
	go func() {
		// running scopes finish first so a flushed trailing run never overlaps them
		s.wg.Wait()
		for _, scope := range armed {
			s.execute(scope)
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
