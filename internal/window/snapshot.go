package window

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"hcfstream/internal/domain"
)

const snapshotVersion = 2

// Represents a serializable snapshot of all markets to be saved in Redis
// This allows you to do a "warm start" after a service restart without losing the 24h reference
type Snapshot struct {
	Version int
	TakenAt time.Time
	GraceMs int64
	WM      time.Time
	Markets map[string]snapshotMarket
}

type snapshotMarket struct {
	Market      string
	Slots       []snapshotSlot // only filled minutes
	Latest      *domain.MarketSample
	Previous    *domain.MarketSample
	LastUpdated time.Time
}

type snapshotSlot struct {
	Minute int64
	First  domain.MarketSample
	Last   domain.MarketSample
}

// Use gob encoding for effective serialize struct
func marshalSnapshot(state map[string]*marketState, watermark time.Time, grace time.Duration) ([]byte, error) {
	snap := Snapshot{
		Version: snapshotVersion,
		TakenAt: time.Now().UTC(),
		GraceMs: grace.Milliseconds(),
		WM:      watermark,
		Markets: make(map[string]snapshotMarket, len(state)),
	}

	for key, ms := range state {
		if ms == nil {
			continue
		}

		slots := make([]snapshotSlot, 0, 64)
		for _, slot := range ms.slots {
			if !slot.set {
				continue
			}
			slots = append(slots, snapshotSlot{Minute: slot.minute, First: slot.first, Last: slot.last})
		}

		snap.Markets[key] = snapshotMarket{
			Market:      ms.market,
			Slots:       slots,
			Latest:      ms.latest,
			Previous:    ms.previous,
			LastUpdated: ms.lastUpdated,
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return buf.Bytes(), nil
}

// Deserializes bytes from Redis back to market state
func unmarshalSnapshot(data []byte, buckets int) (map[string]*marketState, time.Time, error) {
	if len(data) == 0 {
		return nil, time.Time{}, errors.New("empty snapshot data")
	}

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if snap.Version != snapshotVersion {
		return nil, time.Time{}, fmt.Errorf("unsupported snapshot version: %d", snap.Version)
	}

	state := make(map[string]*marketState, len(snap.Markets))

	for key, sm := range snap.Markets {
		ms := newMarketState(sm.Market, buckets)
		ms.lastUpdated = sm.LastUpdated
		ms.latest = sm.Latest
		ms.previous = sm.Previous

		for _, s := range sm.Slots {
			idx := ms.slotIndex(s.Minute)
			// a smaller ring keeps the newest lap
			if ms.slots[idx].set && ms.slots[idx].minute > s.Minute {
				continue
			}
			ms.slots[idx] = priceSlot{minute: s.Minute, first: s.First, last: s.Last, set: true}
		}

		ms.evict(snap.TakenAt)
		state[key] = ms
	}

	return state, snap.WM, nil
}
