package ledger

import (
	"sync"
	"time"

	"hcfstream/internal/domain"
)

type failureStreak struct {
	count int
	first time.Time
}

// failureTracker counts consecutive decode failures per kind inside a time window
type failureTracker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	streaks   map[domain.EventKind]*failureStreak
}

func newFailureTracker(threshold int, window time.Duration) *failureTracker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &failureTracker{
		threshold: threshold,
		window:    window,
		streaks:   make(map[domain.EventKind]*failureStreak),
	}
}

// fail records one failure and returns an alarm every threshold failures of a streak
func (t *failureTracker) fail(kind domain.EventKind, err error, now time.Time) (domain.DecodeAlarm, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streaks[kind]
	if !ok {
		s = &failureStreak{}
		t.streaks[kind] = s
	}
	if s.count == 0 || now.Sub(s.first) > t.window {
		s.count = 0
		s.first = now
	}
	s.count++

	if s.count%t.threshold != 0 {
		return domain.DecodeAlarm{}, false
	}

	return domain.DecodeAlarm{
		Kind:      kind,
		Failures:  s.count,
		LastError: err.Error(),
		At:        now,
	}, true
}

func (t *failureTracker) success(kind domain.EventKind) {
	t.mu.Lock()
	if s, ok := t.streaks[kind]; ok {
		s.count = 0
	}
	t.mu.Unlock()
}
