package window

import (
	"time"

	"github.com/shopspring/decimal"

	"hcfstream/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// One minute of readings: the first one anchors window references, the last one is the minute close
type priceSlot struct {
	minute int64 // unix minute, identifies which lap of the ring the slot belongs to
	first  domain.MarketSample
	last   domain.MarketSample
	set    bool
}

// Ring buffer of minute slots for one market plus the two most recent readings
type marketState struct {
	market string

	slots    []priceSlot
	latest   *domain.MarketSample
	previous *domain.MarketSample

	lastUpdated time.Time
}

func newMarketState(market string, buckets int) *marketState {
	return &marketState{
		market:      market,
		slots:       make([]priceSlot, buckets),
		lastUpdated: time.Now().UTC(),
	}
}

func unixMinute(t time.Time) int64 {
	return t.Unix() / 60
}

func (ms *marketState) slotIndex(minute int64) int {
	n := int64(len(ms.slots))
	return int(((minute % n) + n) % n)
}

func (ms *marketState) apply(s domain.MarketSample, now time.Time) {
	m := unixMinute(s.At)
	slot := &ms.slots[ms.slotIndex(m)]

	if !slot.set || slot.minute != m {
		*slot = priceSlot{minute: m, first: s, last: s, set: true}
	} else {
		if s.At.Before(slot.first.At) {
			slot.first = s
		}
		if !s.At.Before(slot.last.At) {
			slot.last = s
		}
	}

	// out-of-order readings fill the ring but never replace the current one
	if ms.latest == nil || !s.At.Before(ms.latest.At) {
		if ms.latest != nil {
			prev := *ms.latest
			ms.previous = &prev
		}
		cur := s
		ms.latest = &cur
	}

	ms.lastUpdated = now
}

// reference returns the earliest reading with At in [cutoff, anchor]
func (ms *marketState) reference(cutoff, anchor time.Time) (domain.MarketSample, bool) {
	lo, hi := unixMinute(cutoff), unixMinute(anchor)

	var (
		best  domain.MarketSample
		found bool
	)
	consider := func(s domain.MarketSample) {
		if s.At.Before(cutoff) || s.At.After(anchor) {
			return
		}
		if !found || s.At.Before(best.At) {
			best, found = s, true
		}
	}

	for i := range ms.slots {
		slot := &ms.slots[i]
		if !slot.set || slot.minute < lo || slot.minute > hi {
			continue
		}
		consider(slot.first)
		consider(slot.last)
	}
	return best, found
}

// view reports a window change only when the history reaches back to the window start,
// give or take grace; a shorter history leaves the window out.
func (ms *marketState) view(windows []time.Duration, grace time.Duration) *domain.MarketView {
	if ms.latest == nil {
		return nil
	}

	cur := *ms.latest
	v := &domain.MarketView{
		Market:  ms.market,
		Current: cur,
		Changes: make([]domain.PriceChange, 0, len(windows)),
	}
	if ms.previous != nil {
		prev := *ms.previous
		v.Previous = &prev
	}

	for _, w := range windows {
		cutoff := cur.At.Add(-w)
		ref, ok := ms.reference(cutoff, cur.At)
		if !ok || ref.Price.IsZero() || ref.At.After(cutoff.Add(grace)) {
			continue
		}
		v.Changes = append(v.Changes, domain.PriceChange{
			Window:  w,
			From:    ref.Price,
			To:      cur.Price,
			FromAt:  ref.At,
			Percent: cur.Price.Sub(ref.Price).Div(ref.Price).Mul(hundred).InexactFloat64(),
		})
	}
	return v
}

// evict drops slots older than the ring span relative to now
func (ms *marketState) evict(now time.Time) {
	oldest := unixMinute(now) - int64(len(ms.slots)) + 1
	for i := range ms.slots {
		if ms.slots[i].set && ms.slots[i].minute < oldest {
			ms.slots[i] = priceSlot{}
		}
	}
}
