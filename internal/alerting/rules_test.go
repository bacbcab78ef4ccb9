package alerting

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

func marketView(changes ...domain.PriceChange) *domain.MarketView {
	return &domain.MarketView{
		Market:  "HCF/USDT",
		Current: domain.MarketSample{Market: "HCF/USDT", Price: decimal.NewFromInt(1)},
		Changes: changes,
	}
}

func TestBuildRules_Defaults(t *testing.T) {
	rules, err := BuildRules(&config.AlertsConfig{})
	require.NoError(t, err)

	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID())
	}
	assert.ElementsMatch(t, []string{
		"PRICE_DROP_30M", "PRICE_PUMP_30M",
		"PRICE_DROP_1H", "PRICE_PUMP_1H",
		"PRICE_DROP_24H", "PRICE_PUMP_24H",
		RuleLargeTransfer, RuleTxFailureRate, RuleLiquidity, RuleTVLDrop,
		RuleDecodeFailures, RuleSystemCPU, RuleSystemMemory, RuleAPILatency,
	}, ids)

	_, err = BuildRules(&config.AlertsConfig{LargeTransfer: config.LargeTransferConfig{Threshold: "lots"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPriceRule_Bands(t *testing.T) {
	th := config.Thresholds{Warning: 3, High: 5, Critical: 8}
	drop := NewPriceRule(30*time.Minute, true, th)
	pump := NewPriceRule(30*time.Minute, false, th)
	assert.Equal(t, "PRICE_DROP_30M", drop.ID())
	assert.Equal(t, "PRICE_PUMP_30M", pump.ID())

	tests := []struct {
		name    string
		percent float64
		dropSev domain.Severity
		pumpSev domain.Severity
	}{
		{"flat", 0, "", ""},
		{"small drop", -2.9, "", ""},
		{"warning drop", -3, domain.SeverityWarning, ""},
		{"high drop", -6.5, domain.SeverityHigh, ""},
		{"critical drop", -8, domain.SeverityCritical, ""},
		{"high pump", 5.1, "", domain.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{Market: marketView(domain.PriceChange{Window: 30 * time.Minute, Percent: tt.percent})}

			for _, c := range []struct {
				rule *PriceRule
				want domain.Severity
			}{{drop, tt.dropSev}, {pump, tt.pumpSev}} {
				cand, err := c.rule.Evaluate(in)
				require.NoError(t, err)
				if c.want == "" {
					assert.Nil(t, cand, c.rule.ID())
					continue
				}
				require.NotNil(t, cand, c.rule.ID())
				assert.Equal(t, c.want, cand.Severity)
				assert.Equal(t, "HCF/USDT", cand.Subject)
			}
		})
	}

	// other windows and missing views are quiet
	cand, err := drop.Evaluate(Input{Market: marketView(domain.PriceChange{Window: time.Hour, Percent: -50})})
	require.NoError(t, err)
	assert.Nil(t, cand)
	cand, err = drop.Evaluate(Input{})
	require.NoError(t, err)
	assert.Nil(t, cand)

	_, err = drop.Evaluate(Input{Market: marketView(domain.PriceChange{Window: 30 * time.Minute, Percent: math.NaN()})})
	assert.Error(t, err)
}

func TestLargeTransferRule(t *testing.T) {
	r, err := NewLargeTransferRule(config.LargeTransferConfig{Threshold: "1000", Whale: "5000"})
	require.NoError(t, err)

	ev := func(kind domain.EventKind, amount int64) Input {
		return Input{Event: &domain.LedgerEvent{Kind: kind, Subject: alice, Amount: decimal.NewFromInt(amount)}}
	}

	cand, err := r.Evaluate(ev(domain.KindTransfer, 999))
	require.NoError(t, err)
	assert.Nil(t, cand)

	cand, err = r.Evaluate(ev(domain.KindSwapped, 1000))
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, domain.SeverityHigh, cand.Severity)
	assert.Equal(t, alice, cand.Subject)

	cand, err = r.Evaluate(ev(domain.KindTransfer, 5000))
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, domain.SeverityCritical, cand.Severity)

	// staking is not a transfer
	cand, err = r.Evaluate(ev(domain.KindStaked, 1_000_000))
	require.NoError(t, err)
	assert.Nil(t, cand)
}

func TestFailureRateRule_MinTx(t *testing.T) {
	r := NewFailureRateRule(config.FailureRateConfig{Blocks: 10, MinTx: 20})

	cand, err := r.Evaluate(Input{Blocks: []domain.BlockSample{{Number: 1, Total: 10, Failed: 10}}})
	require.NoError(t, err)
	assert.Nil(t, cand, "too few transactions")

	cand, err = r.Evaluate(Input{Blocks: []domain.BlockSample{
		{Number: 1, Total: 10, Failed: 3},
		{Number: 2, Total: 10, Failed: 3},
	}})
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, domain.SeverityHigh, cand.Severity) // 30% against 10/25/50
	assert.Empty(t, cand.Subject)
}

func TestLiquidityRule(t *testing.T) {
	r := NewLiquidityRule(config.Thresholds{})

	view := func(prev, cur int64) *domain.MarketView {
		v := marketView()
		v.Current.ReserveQuote = decimal.NewFromInt(cur)
		if prev >= 0 {
			v.Previous = &domain.MarketSample{ReserveQuote: decimal.NewFromInt(prev)}
		}
		return v
	}

	cand, err := r.Evaluate(Input{Market: view(-1, 100)})
	require.NoError(t, err)
	assert.Nil(t, cand, "first reading")

	cand, err = r.Evaluate(Input{Market: view(1000, 950)})
	require.NoError(t, err)
	assert.Nil(t, cand)

	cand, err = r.Evaluate(Input{Market: view(1000, 650)})
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, domain.SeverityCritical, cand.Severity)
	assert.Equal(t, -35.0, cand.Evidence["percent"])

	cand, err = r.Evaluate(Input{Market: view(1000, 1150)})
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, domain.SeverityWarning, cand.Severity)
}

func TestSystemRules(t *testing.T) {
	rules := NewSystemRules(config.SystemRuleConfig{CPUCeiling: 80, MemoryCeiling: 90, LatencyCeiling: time.Second})
	byID := map[string]Rule{}
	for _, r := range rules {
		byID[r.ID()] = r
	}

	tests := []struct {
		rule   string
		sample domain.SystemSample
		want   domain.Severity
	}{
		{RuleSystemCPU, domain.SystemSample{CPUPercent: 79}, ""},
		{RuleSystemCPU, domain.SystemSample{CPUPercent: 80}, domain.SeverityHigh},
		{RuleSystemCPU, domain.SystemSample{CPUPercent: 90}, domain.SeverityCritical},
		{RuleSystemMemory, domain.SystemSample{MemoryPercent: 94}, domain.SeverityHigh},
		{RuleSystemMemory, domain.SystemSample{MemoryPercent: 95}, domain.SeverityCritical},
		{RuleAPILatency, domain.SystemSample{APILatency: 900 * time.Millisecond}, ""},
		{RuleAPILatency, domain.SystemSample{APILatency: 1500 * time.Millisecond}, domain.SeverityHigh},
		{RuleAPILatency, domain.SystemSample{APILatency: 2 * time.Second}, domain.SeverityCritical},
	}
	for _, tt := range tests {
		sample := tt.sample
		cand, err := byID[tt.rule].Evaluate(Input{System: &sample})
		require.NoError(t, err)
		if tt.want == "" {
			assert.Nil(t, cand, tt.rule)
			continue
		}
		require.NotNil(t, cand, tt.rule)
		assert.Equal(t, tt.want, cand.Severity, tt.rule)
	}
}

func TestCandidate_DedupKey(t *testing.T) {
	c := &Candidate{RuleID: RuleLargeTransfer, Subject: alice, Severity: domain.SeverityHigh}
	assert.Equal(t, "LARGE_TRANSFER|"+alice+"|high", c.DedupKey())
}
