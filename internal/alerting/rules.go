package alerting

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

const (
	RuleDecodeFailures = "DECODE_FAILURES"
	RuleLargeTransfer  = "LARGE_TRANSFER"
	RuleTxFailureRate  = "TX_FAILURE_RATE"
	RuleLiquidity      = "LIQUIDITY_RESERVE_CHANGE"
	RuleTVLDrop        = "TVL_DROP"
	RuleSystemCPU      = "SYSTEM_CPU"
	RuleSystemMemory   = "SYSTEM_MEMORY"
	RuleAPILatency     = "API_LATENCY"
	testRulePrefix     = "TEST_"
)

var defaultPriceWindows = []config.PriceWindowConfig{
	{Window: 30 * time.Minute, Thresholds: config.Thresholds{Warning: 3, High: 5, Critical: 8}},
	{Window: time.Hour, Thresholds: config.Thresholds{Warning: 5, High: 8, Critical: 12}},
	{Window: 24 * time.Hour, Thresholds: config.Thresholds{Warning: 5, High: 8, Critical: 10}},
}

// windowLabel renders 30m, 1H, 24H the way rule ids spell them
func windowLabel(w time.Duration) string {
	if w%time.Hour == 0 {
		return fmt.Sprintf("%dH", int(w/time.Hour))
	}
	return fmt.Sprintf("%dM", int(w/time.Minute))
}

// PriceRule watches one window in one direction
type PriceRule struct {
	id         string
	window     time.Duration
	drop       bool
	thresholds config.Thresholds
}

func NewPriceRule(window time.Duration, drop bool, t config.Thresholds) *PriceRule {
	dir := "PUMP"
	if drop {
		dir = "DROP"
	}
	return &PriceRule{
		id:         fmt.Sprintf("PRICE_%s_%s", dir, windowLabel(window)),
		window:     window,
		drop:       drop,
		thresholds: t,
	}
}

func (r *PriceRule) ID() string { return r.id }

func (r *PriceRule) Evaluate(in Input) (*Candidate, error) {
	if in.Market == nil {
		return nil, nil
	}
	ch, ok := in.Market.Change(r.window)
	if !ok {
		return nil, nil
	}
	if math.IsNaN(ch.Percent) || math.IsInf(ch.Percent, 0) {
		return nil, errors.New("price change is not a number")
	}

	magnitude := ch.Percent
	if r.drop {
		magnitude = -ch.Percent
	}
	sev := band(magnitude, r.thresholds)
	if sev == "" {
		return nil, nil
	}

	verb := "rose"
	if r.drop {
		verb = "dropped"
	}
	return &Candidate{
		RuleID:   r.id,
		Severity: sev,
		Subject:  in.Market.Market,
		Message:  fmt.Sprintf("%s price %s %.2f%% over %s (%s -> %s)", in.Market.Market, verb, math.Abs(ch.Percent), r.window, ch.From, ch.To),
		Evidence: map[string]any{
			"market":  in.Market.Market,
			"window":  r.window.String(),
			"from":    ch.From.String(),
			"to":      ch.To.String(),
			"fromAt":  ch.FromAt,
			"percent": round2(ch.Percent),
		},
	}, nil
}

// LargeTransferRule flags single transfers and swaps over an absolute amount; whales are critical
type LargeTransferRule struct {
	threshold decimal.Decimal
	whale     decimal.Decimal
}

func NewLargeTransferRule(cfg config.LargeTransferConfig) (*LargeTransferRule, error) {
	r := &LargeTransferRule{
		threshold: decimal.NewFromInt(100_000),
		whale:     decimal.NewFromInt(1_000_000),
	}
	if cfg.Threshold != "" {
		v, err := decimal.NewFromString(cfg.Threshold)
		if err != nil {
			return nil, fmt.Errorf("%w: large_transfer.threshold %q", domain.ErrInvalidInput, cfg.Threshold)
		}
		r.threshold = v
	}
	if cfg.Whale != "" {
		v, err := decimal.NewFromString(cfg.Whale)
		if err != nil {
			return nil, fmt.Errorf("%w: large_transfer.whale %q", domain.ErrInvalidInput, cfg.Whale)
		}
		r.whale = v
	}
	if r.whale.LessThan(r.threshold) {
		r.whale = r.threshold
	}
	return r, nil
}

func (r *LargeTransferRule) ID() string { return RuleLargeTransfer }

func (r *LargeTransferRule) Evaluate(in Input) (*Candidate, error) {
	ev := in.Event
	if ev == nil || (ev.Kind != domain.KindTransfer && ev.Kind != domain.KindSwapped) {
		return nil, nil
	}
	if ev.Amount.LessThan(r.threshold) {
		return nil, nil
	}

	sev := domain.SeverityHigh
	if ev.Amount.GreaterThanOrEqual(r.whale) {
		sev = domain.SeverityCritical
	}

	evidence := map[string]any{
		"kind":   string(ev.Kind),
		"amount": ev.Amount.String(),
		"txHash": ev.TxHash,
		"block":  ev.BlockNumber,
	}
	if ev.Counterparty != "" {
		evidence["counterparty"] = ev.Counterparty
	}
	return &Candidate{
		RuleID:   RuleLargeTransfer,
		Severity: sev,
		Subject:  ev.Subject,
		Message:  fmt.Sprintf("%s of %s by %s in tx %s", ev.Kind, ev.Amount, ev.Subject, ev.TxHash),
		Evidence: evidence,
	}, nil
}

// FailureRateRule rates failed transactions to watched contracts over the last N blocks
type FailureRateRule struct {
	blocks     int
	minTx      int
	thresholds config.Thresholds
}

func NewFailureRateRule(cfg config.FailureRateConfig) *FailureRateRule {
	r := &FailureRateRule{
		blocks:     cfg.Blocks,
		minTx:      cfg.MinTx,
		thresholds: withDefaults(cfg.Thresholds, config.Thresholds{Warning: 10, High: 25, Critical: 50}),
	}
	if r.blocks <= 0 {
		r.blocks = 100
	}
	if r.minTx <= 0 {
		r.minTx = 20
	}
	return r
}

func (r *FailureRateRule) ID() string { return RuleTxFailureRate }

// Blocks is the window length the engine keeps for this rule
func (r *FailureRateRule) Blocks() int { return r.blocks }

func (r *FailureRateRule) Evaluate(in Input) (*Candidate, error) {
	if len(in.Blocks) == 0 {
		return nil, nil
	}
	window := in.Blocks
	if len(window) > r.blocks {
		window = window[len(window)-r.blocks:]
	}

	var total, failed int
	for _, b := range window {
		total += b.Total
		failed += b.Failed
	}
	if total < r.minTx {
		return nil, nil
	}

	rate := float64(failed) / float64(total) * 100
	sev := band(rate, r.thresholds)
	if sev == "" {
		return nil, nil
	}
	return &Candidate{
		RuleID:   RuleTxFailureRate,
		Severity: sev,
		Message:  fmt.Sprintf("%.1f%% of %d transactions failed over the last %d blocks", rate, total, len(window)),
		Evidence: map[string]any{
			"failed":    failed,
			"total":     total,
			"rate":      round2(rate),
			"fromBlock": window[0].Number,
			"toBlock":   window[len(window)-1].Number,
		},
	}, nil
}

// LiquidityRule compares pair reserves with the previous sample
type LiquidityRule struct {
	thresholds config.Thresholds
}

func NewLiquidityRule(t config.Thresholds) *LiquidityRule {
	return &LiquidityRule{thresholds: withDefaults(t, config.Thresholds{Warning: 10, High: 20, Critical: 30})}
}

func (r *LiquidityRule) ID() string { return RuleLiquidity }

func (r *LiquidityRule) Evaluate(in Input) (*Candidate, error) {
	if in.Market == nil || in.Market.Previous == nil {
		return nil, nil
	}
	prev, cur := in.Market.Previous.ReserveQuote, in.Market.Current.ReserveQuote
	if prev.IsZero() {
		return nil, nil
	}

	pct, _ := cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Float64()
	sev := band(math.Abs(pct), r.thresholds)
	if sev == "" {
		return nil, nil
	}

	dir := "grew"
	if pct < 0 {
		dir = "shrank"
	}
	return &Candidate{
		RuleID:   RuleLiquidity,
		Severity: sev,
		Subject:  in.Market.Market,
		Message:  fmt.Sprintf("%s quote reserve %s %.2f%% since last sample", in.Market.Market, dir, math.Abs(pct)),
		Evidence: map[string]any{
			"market":   in.Market.Market,
			"previous": prev.String(),
			"current":  cur.String(),
			"percent":  round2(pct),
		},
	}, nil
}

// TVLRule watches drops of total value locked between global snapshots
type TVLRule struct {
	thresholds config.Thresholds
}

func NewTVLRule(t config.Thresholds) *TVLRule {
	return &TVLRule{thresholds: withDefaults(t, config.Thresholds{Warning: 10, High: 20, Critical: 30})}
}

func (r *TVLRule) ID() string { return RuleTVLDrop }

func (r *TVLRule) Evaluate(in Input) (*Candidate, error) {
	if in.Global == nil || in.Global.Previous == nil || in.Global.Current == nil {
		return nil, nil
	}
	prev, cur := in.Global.Previous.TotalValueLocked, in.Global.Current.TotalValueLocked
	if !prev.IsPositive() || cur.GreaterThanOrEqual(prev) {
		return nil, nil
	}

	drop, _ := prev.Sub(cur).Div(prev).Mul(decimal.NewFromInt(100)).Float64()
	sev := band(drop, r.thresholds)
	if sev == "" {
		return nil, nil
	}
	return &Candidate{
		RuleID:   RuleTVLDrop,
		Severity: sev,
		Message:  fmt.Sprintf("total value locked dropped %.2f%% (%s -> %s)", drop, prev, cur),
		Evidence: map[string]any{
			"previous": prev.String(),
			"current":  cur.String(),
			"percent":  round2(-drop),
		},
	}, nil
}

// CeilingRule raises high over a static ceiling and critical over a second, stricter one
type CeilingRule struct {
	id       string
	unit     string
	ceiling  float64
	critical float64
	value    func(*domain.SystemSample) float64
}

func NewSystemRules(cfg config.SystemRuleConfig) []Rule {
	cpuCeil, memCeil := cfg.CPUCeiling, cfg.MemoryCeiling
	if cpuCeil <= 0 {
		cpuCeil = 85
	}
	if memCeil <= 0 {
		memCeil = 90
	}
	latency := cfg.LatencyCeiling
	if latency <= 0 {
		latency = 2 * time.Second
	}

	return []Rule{
		&CeilingRule{
			id: RuleSystemCPU, unit: "%", ceiling: cpuCeil, critical: cpuCeil + (100-cpuCeil)/2,
			value: func(s *domain.SystemSample) float64 { return s.CPUPercent },
		},
		&CeilingRule{
			id: RuleSystemMemory, unit: "%", ceiling: memCeil, critical: memCeil + (100-memCeil)/2,
			value: func(s *domain.SystemSample) float64 { return s.MemoryPercent },
		},
		&CeilingRule{
			id: RuleAPILatency, unit: "ms", ceiling: float64(latency.Milliseconds()), critical: float64(2 * latency.Milliseconds()),
			value: func(s *domain.SystemSample) float64 { return float64(s.APILatency.Milliseconds()) },
		},
	}
}

func (r *CeilingRule) ID() string { return r.id }

func (r *CeilingRule) Evaluate(in Input) (*Candidate, error) {
	if in.System == nil {
		return nil, nil
	}
	v := r.value(in.System)
	if v < r.ceiling {
		return nil, nil
	}

	sev := domain.SeverityHigh
	if v >= r.critical {
		sev = domain.SeverityCritical
	}
	return &Candidate{
		RuleID:   r.id,
		Severity: sev,
		Message:  fmt.Sprintf("%s at %.1f%s, ceiling %.1f%s", strings.ToLower(r.id), v, r.unit, r.ceiling, r.unit),
		Evidence: map[string]any{
			"value":   round2(v),
			"ceiling": r.ceiling,
			"unit":    r.unit,
		},
	}, nil
}

// DecodeFailureRule turns listener decode alarms into critical alerts per event kind
type DecodeFailureRule struct{}

func (DecodeFailureRule) ID() string { return RuleDecodeFailures }

func (DecodeFailureRule) Evaluate(in Input) (*Candidate, error) {
	if in.Decode == nil {
		return nil, nil
	}
	return &Candidate{
		RuleID:   RuleDecodeFailures,
		Severity: domain.SeverityCritical,
		Subject:  string(in.Decode.Kind),
		Message:  fmt.Sprintf("%d consecutive %s logs failed to decode", in.Decode.Failures, in.Decode.Kind),
		Evidence: map[string]any{
			"kind":      string(in.Decode.Kind),
			"failures":  in.Decode.Failures,
			"lastError": in.Decode.LastError,
		},
	}, nil
}

// BuildRules assembles the configured rule set
func BuildRules(cfg *config.AlertsConfig) ([]Rule, error) {
	windows := cfg.PriceWindows
	if len(windows) == 0 {
		windows = defaultPriceWindows
	}

	rules := make([]Rule, 0, 2*len(windows)+8)
	for _, w := range windows {
		if w.Window <= 0 {
			return nil, fmt.Errorf("%w: price window %s", domain.ErrInvalidInput, w.Window)
		}
		rules = append(rules,
			NewPriceRule(w.Window, true, w.Thresholds),
			NewPriceRule(w.Window, false, w.Thresholds),
		)
	}

	large, err := NewLargeTransferRule(cfg.LargeTransfer)
	if err != nil {
		return nil, err
	}

	rules = append(rules,
		large,
		NewFailureRateRule(cfg.FailureRate),
		NewLiquidityRule(cfg.Liquidity),
		NewTVLRule(cfg.TVL),
		DecodeFailureRule{},
	)
	rules = append(rules, NewSystemRules(cfg.System)...)
	return rules, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
