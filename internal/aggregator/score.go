package aggregator

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

var defaultNodeScores = map[int]int{1: 50, 2: 40, 3: 30, 4: 20, 5: 10}

// Scoring holds the score formula constants and leaderboard floors
type Scoring struct {
	LPMultiplier       decimal.Decimal
	ReferralMultiplier decimal.Decimal
	NodeScores         map[int]decimal.Decimal
	MinStake           decimal.Decimal
	MinReferrals       int
	TopN               int
}

func NewScoring(cfg *config.AggregatorConfig) (Scoring, error) {
	sc := Scoring{
		LPMultiplier:       decimal.NewFromInt(2),
		ReferralMultiplier: decimal.NewFromInt(100),
		NodeScores:         make(map[int]decimal.Decimal, len(defaultNodeScores)),
		MinStake:           decimal.Zero,
		TopN:               100,
	}
	if cfg == nil {
		for tier, pts := range defaultNodeScores {
			sc.NodeScores[tier] = decimal.NewFromInt(int64(pts))
		}
		return sc, nil
	}

	parse := func(name, raw string, dst *decimal.Decimal) error {
		if raw == "" {
			return nil
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%w: aggregator.%s %q", domain.ErrInvalidInput, name, raw)
		}
		*dst = v
		return nil
	}
	if err := parse("lp_multiplier", cfg.LPMultiplier, &sc.LPMultiplier); err != nil {
		return sc, err
	}
	if err := parse("referral_multiplier", cfg.ReferralMultiplier, &sc.ReferralMultiplier); err != nil {
		return sc, err
	}
	if err := parse("min_stake", cfg.MinStake, &sc.MinStake); err != nil {
		return sc, err
	}

	table := cfg.NodeScores
	if len(table) == 0 {
		table = defaultNodeScores
	}
	for tier, pts := range table {
		sc.NodeScores[tier] = decimal.NewFromInt(int64(pts))
	}

	if cfg.MinReferrals > 0 {
		sc.MinReferrals = cfg.MinReferrals
	}
	if cfg.TopN > 0 {
		sc.TopN = cfg.TopN
	}
	return sc, nil
}

// account accumulates the user-facing totals of one address
type account struct {
	addr      string
	staking   decimal.Decimal
	lp        decimal.Decimal
	referrals int
	tiers     []int
	joined    time.Time
}

// ledgerFold is the result of folding a run of events ordered by seq
type ledgerFold struct {
	accounts map[string]*account
	tvl      decimal.Decimal
	burned   decimal.Decimal
	volume   decimal.Decimal
	version  uint64
}

func newLedgerFold() *ledgerFold {
	return &ledgerFold{accounts: make(map[string]*account)}
}

func (f *ledgerFold) account(addr string, at time.Time) *account {
	a, ok := f.accounts[addr]
	if !ok {
		a = &account{addr: addr, joined: at}
		f.accounts[addr] = a
	}
	if at.Before(a.joined) {
		a.joined = at
	}
	return a
}

// apply folds one event in ledger time; volumeSince bounds the daily volume window
func (f *ledgerFold) apply(ev *domain.LedgerEvent, volumeSince time.Time) {
	if ev.Seq > f.version {
		f.version = ev.Seq
	}
	at := ev.OccurredAt()

	switch ev.Kind {
	case domain.KindStaked:
		a := f.account(ev.Subject, at)
		a.staking = a.staking.Add(ev.Amount)
		f.tvl = f.tvl.Add(ev.Amount)
	case domain.KindUnstaked:
		a := f.account(ev.Subject, at)
		a.staking = a.staking.Sub(ev.Amount)
		f.tvl = f.tvl.Sub(ev.Amount)
	case domain.KindLiquidityAdded:
		a := f.account(ev.Subject, at)
		a.lp = a.lp.Add(ev.Amount)
		f.tvl = f.tvl.Add(ev.Amount)
	case domain.KindLiquidityRemoved:
		a := f.account(ev.Subject, at)
		a.lp = a.lp.Sub(ev.Amount)
		f.tvl = f.tvl.Sub(ev.Amount)
	case domain.KindReferralBound:
		f.account(ev.Subject, at)
		if ev.Counterparty != "" {
			f.account(ev.Counterparty, at).referrals++
		}
	case domain.KindNodeActivated:
		a := f.account(ev.Subject, at)
		if tier, err := strconv.Atoi(ev.Payload[domain.PayloadTier]); err == nil {
			a.tiers = append(a.tiers, tier)
		}
	case domain.KindRewardClaimed, domain.KindReferralPaid, domain.KindTeamLevelUp:
		f.account(ev.Subject, at)
	case domain.KindBurned:
		f.burned = f.burned.Add(ev.Amount)
	case domain.KindSwapped:
		if !at.Before(volumeSince) {
			f.volume = f.volume.Add(ev.Amount)
		}
	}
}

func (sc Scoring) score(a *account) domain.UserScore {
	staking := decimal.Max(a.staking, decimal.Zero)
	lp := decimal.Max(a.lp, decimal.Zero)

	nodes := decimal.Zero
	for _, t := range a.tiers {
		nodes = nodes.Add(sc.NodeScores[t])
	}

	us := domain.UserScore{
		Address:       a.addr,
		StakingAmount: staking,
		LPAmount:      lp,
		ReferralCount: a.referrals,
		NodeTiers:     append([]int(nil), a.tiers...),
		StakingScore:  staking,
		LPScore:       lp.Mul(sc.LPMultiplier),
		ReferralScore: decimal.NewFromInt(int64(a.referrals)).Mul(sc.ReferralMultiplier),
		NodeScore:     nodes,
		JoinTime:      a.joined,
	}
	us.TotalScore = us.StakingScore.Add(us.LPScore).Add(us.ReferralScore).Add(us.NodeScore)
	return us
}

func (sc Scoring) eligible(us *domain.UserScore) bool {
	return us.StakingAmount.GreaterThanOrEqual(sc.MinStake) && us.ReferralCount >= sc.MinReferrals
}

func (f *ledgerFold) global() *domain.GlobalMetrics {
	return &domain.GlobalMetrics{
		TotalValueLocked: f.tvl,
		TotalUsers:       len(f.accounts),
		TotalBurned:      f.burned,
		DailyVolume:      f.volume,
	}
}

// leaderboard ranks eligible accounts; skip reports addresses whose user scope is stale
func (f *ledgerFold) leaderboard(name string, sc Scoring, skip func(addr string) bool) *domain.Leaderboard {
	candidates := make([]domain.LeaderboardEntry, 0, len(f.accounts))
	for addr, a := range f.accounts {
		if skip != nil && skip(addr) {
			continue
		}
		us := sc.score(a)
		if !sc.eligible(&us) {
			continue
		}

		entry := domain.LeaderboardEntry{Address: addr, JoinTime: us.JoinTime}
		switch name {
		case domain.LeaderboardReferral:
			if us.ReferralCount == 0 {
				continue
			}
			entry.Score = decimal.NewFromInt(int64(us.ReferralCount))
		default:
			if us.TotalScore.IsZero() {
				continue
			}
			entry.Score = us.TotalScore
		}
		candidates = append(candidates, entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := a.Score.Cmp(b.Score); c != 0 {
			return c > 0
		}
		if !a.JoinTime.Equal(b.JoinTime) {
			return a.JoinTime.Before(b.JoinTime)
		}
		return a.Address < b.Address
	})

	if len(candidates) > sc.TopN {
		candidates = candidates[:sc.TopN]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}

	return &domain.Leaderboard{Name: name, Entries: candidates}
}
