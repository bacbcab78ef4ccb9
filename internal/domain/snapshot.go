package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserScore struct {
	Address       string          `json:"address"`
	StakingAmount decimal.Decimal `json:"stakingAmount"`
	LPAmount      decimal.Decimal `json:"lpAmount"`
	ReferralCount int             `json:"referralCount"`
	NodeTiers     []int           `json:"nodeTiers,omitempty"`
	StakingScore  decimal.Decimal `json:"stakingScore"`
	LPScore       decimal.Decimal `json:"lpScore"`
	ReferralScore decimal.Decimal `json:"referralScore"`
	NodeScore     decimal.Decimal `json:"nodeScore"`
	TotalScore    decimal.Decimal `json:"totalScore"`
	Rank          int             `json:"rank"`
	JoinTime      time.Time       `json:"joinTime"`
}

type GlobalMetrics struct {
	TotalValueLocked decimal.Decimal `json:"totalValueLocked"`
	TotalUsers       int             `json:"totalUsers"`
	TotalBurned      decimal.Decimal `json:"totalBurned"`
	DailyVolume      decimal.Decimal `json:"dailyVolume"`
}

type LeaderboardEntry struct {
	Rank     int             `json:"rank"`
	Address  string          `json:"address"`
	Score    decimal.Decimal `json:"score"`
	JoinTime time.Time       `json:"joinTime"`
}

type Leaderboard struct {
	Name    string             `json:"name"`
	Entries []LeaderboardEntry `json:"entries"`
}

// Snapshot is a derived, overwritable view of one scope.
// SourceVersion is the highest event sequence folded into it.
type Snapshot struct {
	Scope         Scope          `json:"scope"`
	ComputedAt    time.Time      `json:"computedAt"`
	SourceVersion uint64         `json:"sourceVersion"`
	User          *UserScore     `json:"user,omitempty"`
	Global        *GlobalMetrics `json:"global,omitempty"`
	Leaderboard   *Leaderboard   `json:"leaderboard,omitempty"`
}

// SnapshotUpdated is published after a snapshot was written to the cache
type SnapshotUpdated struct {
	Snapshot Snapshot
}
