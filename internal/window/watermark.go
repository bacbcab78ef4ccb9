package window

import "time"

// Watermark trails the newest tick by grace; readings older than it are rejected
type Watermark struct {
	grace   time.Duration
	current time.Time
	initted bool
}

func newWatermark(grace time.Duration) *Watermark {
	return &Watermark{grace: grace}
}

// Advance never moves the watermark backwards
func (w *Watermark) Advance(now time.Time) {
	floor := now.UTC().Add(-w.grace)
	if !w.initted || floor.After(w.current) {
		w.current = floor
		w.initted = true
	}
}

func (w *Watermark) IsLate(t time.Time) bool {
	if !w.initted {
		return false
	}
	return t.UTC().Before(w.current)
}

// Current returns the zero time before the first Advance
func (w *Watermark) Current() time.Time {
	if !w.initted {
		return time.Time{}
	}
	return w.current
}

func (w *Watermark) restore(t time.Time) {
	if t.IsZero() {
		return
	}
	w.current = t.UTC()
	w.initted = true
}
