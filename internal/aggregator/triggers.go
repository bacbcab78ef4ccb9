package aggregator

import (
	"fmt"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

var (
	defaultUserTriggers = []domain.EventKind{
		domain.KindStaked, domain.KindUnstaked, domain.KindRewardClaimed, domain.KindReferralBound,
		domain.KindReferralPaid, domain.KindNodeActivated, domain.KindLiquidityAdded,
		domain.KindLiquidityRemoved, domain.KindTeamLevelUp,
	}
	defaultGlobalTriggers = []domain.EventKind{
		domain.KindStaked, domain.KindUnstaked, domain.KindLiquidityAdded, domain.KindLiquidityRemoved,
		domain.KindReferralBound, domain.KindNodeActivated, domain.KindBurned, domain.KindSwapped,
	}
	defaultLeaderboardTriggers = []domain.EventKind{
		domain.KindStaked, domain.KindUnstaked, domain.KindLiquidityAdded, domain.KindLiquidityRemoved,
		domain.KindReferralBound, domain.KindNodeActivated,
	}
)

type kindSet map[domain.EventKind]struct{}

func newKindSet(raw []string, fallback []domain.EventKind) (kindSet, error) {
	set := make(kindSet)
	if len(raw) == 0 {
		for _, k := range fallback {
			set[k] = struct{}{}
		}
		return set, nil
	}
	for _, r := range raw {
		k := domain.EventKind(r)
		if !k.Valid() {
			return nil, fmt.Errorf("%w: trigger kind %q", domain.ErrInvalidInput, r)
		}
		set[k] = struct{}{}
	}
	return set, nil
}

func (s kindSet) has(k domain.EventKind) bool {
	_, ok := s[k]
	return ok
}

// triggerSets decide which scopes a committed event invalidates
type triggerSets struct {
	user        kindSet
	global      kindSet
	leaderboard kindSet
}

func newTriggerSets(cfg config.TriggersConfig) (triggerSets, error) {
	var (
		ts  triggerSets
		err error
	)
	if ts.user, err = newKindSet(cfg.User, defaultUserTriggers); err != nil {
		return ts, err
	}
	if ts.global, err = newKindSet(cfg.Global, defaultGlobalTriggers); err != nil {
		return ts, err
	}
	if ts.leaderboard, err = newKindSet(cfg.Leaderboard, defaultLeaderboardTriggers); err != nil {
		return ts, err
	}
	return ts, nil
}

// scopes returns every scope ev invalidates
func (ts triggerSets) scopes(ev *domain.LedgerEvent) []domain.Scope {
	out := make([]domain.Scope, 0, 5)
	if ts.user.has(ev.Kind) {
		out = append(out, domain.UserScope(ev.Subject))
		// the referrer's count moves with a new binding
		if ev.Kind == domain.KindReferralBound && ev.Counterparty != "" && ev.Counterparty != ev.Subject {
			out = append(out, domain.UserScope(ev.Counterparty))
		}
	}
	if ts.global.has(ev.Kind) {
		out = append(out, domain.GlobalScope())
	}
	if ts.leaderboard.has(ev.Kind) {
		out = append(out,
			domain.LeaderboardScope(domain.LeaderboardGlobal),
			domain.LeaderboardScope(domain.LeaderboardReferral),
		)
	}
	return out
}
