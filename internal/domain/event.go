package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	KindStaked           EventKind = "Staked"
	KindUnstaked         EventKind = "Unstaked"
	KindRewardClaimed    EventKind = "RewardClaimed"
	KindReferralBound    EventKind = "ReferralBound"
	KindReferralPaid     EventKind = "ReferralPaid"
	KindTeamLevelUp      EventKind = "TeamLevelUp"
	KindNodeActivated    EventKind = "NodeActivated"
	KindLiquidityAdded   EventKind = "LiquidityAdded"
	KindLiquidityRemoved EventKind = "LiquidityRemoved"
	KindSwapped          EventKind = "Swapped"
	KindTransfer         EventKind = "Transfer"
	KindBurned           EventKind = "Burned"
	KindOwnershipChanged EventKind = "OwnershipChanged"
)

var AllKinds = []EventKind{
	KindStaked, KindUnstaked, KindRewardClaimed, KindReferralBound, KindReferralPaid,
	KindTeamLevelUp, KindNodeActivated, KindLiquidityAdded, KindLiquidityRemoved,
	KindSwapped, KindTransfer, KindBurned, KindOwnershipChanged,
}

func (k EventKind) Valid() bool {
	for _, v := range AllKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Payload keys used by decoders and folds
const (
	PayloadTier       = "tier"
	PayloadLevel      = "level"
	PayloadNodeID     = "node_id"
	PayloadGeneration = "generation"
	PayloadAmountOut  = "amount_out"
	PayloadSide       = "side"
)

// LedgerEvent is an immutable fact decoded from one ledger log.
// Seq is assigned by the canonical store on first insert.
type LedgerEvent struct {
	Seq          uint64            `json:"seq"`
	Key          string            `json:"key"`
	Kind         EventKind         `json:"kind"`
	Contract     string            `json:"contract"`
	Subject      string            `json:"subject"`
	Counterparty string            `json:"counterparty,omitempty"`
	Amount       decimal.Decimal   `json:"amount"`
	TxHash       string            `json:"txHash"`
	LogIndex     uint32            `json:"logIndex"`
	BlockNumber  uint64            `json:"blockNumber"`
	BlockTime    time.Time         `json:"blockTime"`  // header timestamp of the block
	ObservedAt   time.Time         `json:"observedAt"` // ingestion time
	Payload      map[string]string `json:"payload,omitempty"`
}

// OccurredAt is the ledger time of the event; ingestion time stands in when the block time is unknown
func (e *LedgerEvent) OccurredAt() time.Time {
	if !e.BlockTime.IsZero() {
		return e.BlockTime
	}
	return e.ObservedAt
}

// Normalize lowercases addresses and fills the idempotency key
func (e *LedgerEvent) Normalize() {
	e.Subject = NormalizeAddress(e.Subject)
	e.Counterparty = NormalizeAddress(e.Counterparty)
	e.Contract = NormalizeAddress(e.Contract)
	e.TxHash = strings.ToLower(e.TxHash)
	if e.Key == "" {
		e.Key = MakeEventKey(e.TxHash, e.Kind, e.Subject)
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now().UTC()
	}
}

// Involves reports whether addr is subject or counterparty of the event
func (e *LedgerEvent) Involves(addr string) bool {
	addr = NormalizeAddress(addr)
	return e.Subject == addr || (e.Counterparty != "" && e.Counterparty == addr)
}

func NormalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// Commit notifies downstream workers that an event reached the canonical store
type Commit struct {
	Event LedgerEvent
}
