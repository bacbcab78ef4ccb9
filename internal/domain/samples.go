package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSample is one reading of a liquidity pair
type MarketSample struct {
	Market       string          `json:"market"`
	Price        decimal.Decimal `json:"price"`
	ReserveBase  decimal.Decimal `json:"reserveBase"`
	ReserveQuote decimal.Decimal `json:"reserveQuote"`
	At           time.Time       `json:"at"`
}

// BlockSample counts watched transactions in one block
type BlockSample struct {
	Number uint64    `json:"number"`
	Total  int       `json:"total"`
	Failed int       `json:"failed"`
	At     time.Time `json:"at"`
}

type SystemSample struct {
	CPUPercent    float64       `json:"cpuPercent"`
	MemoryPercent float64       `json:"memoryPercent"`
	APILatency    time.Duration `json:"apiLatency"`
	At            time.Time     `json:"at"`
}

// DecodeAlarm is raised by the listener when one event kind keeps failing to decode
type DecodeAlarm struct {
	Kind      EventKind `json:"kind"`
	Failures  int       `json:"failures"`
	LastError string    `json:"lastError"`
	At        time.Time `json:"at"`
}

// PriceChange compares the latest price with the earliest reading inside Window
type PriceChange struct {
	Window  time.Duration   `json:"window"`
	From    decimal.Decimal `json:"from"`
	To      decimal.Decimal `json:"to"`
	FromAt  time.Time       `json:"fromAt"`
	Percent float64         `json:"percent"`
}

// MarketView is what price and liquidity rules see after a sample was applied
type MarketView struct {
	Market   string        `json:"market"`
	Current  MarketSample  `json:"current"`
	Previous *MarketSample `json:"previous,omitempty"` // nil on the first reading
	Changes  []PriceChange `json:"changes"`
}

func (v *MarketView) Change(window time.Duration) (PriceChange, bool) {
	for _, c := range v.Changes {
		if c.Window == window {
			return c, true
		}
	}
	return PriceChange{}, false
}
