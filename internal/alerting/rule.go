package alerting

import (
	"time"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

// GlobalPair holds two consecutive global metric snapshots
type GlobalPair struct {
	Previous *domain.GlobalMetrics
	Current  *domain.GlobalMetrics
}

// Input is everything a rule may look at; rules ignore inputs they do not need
type Input struct {
	Event  *domain.LedgerEvent
	Market *domain.MarketView
	Global *GlobalPair
	Blocks []domain.BlockSample // newest last
	System *domain.SystemSample
	Decode *domain.DecodeAlarm
	At     time.Time
}

// Candidate is a rule hit before dedup and persistence
type Candidate struct {
	RuleID   string
	Severity domain.Severity
	Subject  string
	Message  string
	Evidence map[string]any
}

// DedupKey rounds evidence down to the severity band: the same band inside the cool-down is one alert,
// an escalation to a higher band is a new one.
func (c *Candidate) DedupKey() string {
	return c.RuleID + "|" + c.Subject + "|" + string(c.Severity)
}

// Rule is a pure function over Input; nil candidate means quiet
type Rule interface {
	ID() string
	Evaluate(in Input) (*Candidate, error)
}

// band maps a non-negative magnitude onto thresholds; "" means below warning
func band(v float64, t config.Thresholds) domain.Severity {
	switch {
	case t.Critical > 0 && v >= t.Critical:
		return domain.SeverityCritical
	case t.High > 0 && v >= t.High:
		return domain.SeverityHigh
	case t.Warning > 0 && v >= t.Warning:
		return domain.SeverityWarning
	default:
		return ""
	}
}

func withDefaults(t, def config.Thresholds) config.Thresholds {
	if t.Warning <= 0 && t.High <= 0 && t.Critical <= 0 {
		return def
	}
	return t
}
