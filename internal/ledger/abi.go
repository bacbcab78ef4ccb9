package ledger

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"hcfstream/internal/domain"
)

//go:embed hcf_abi.json
var hcfABIJSON string

// token amounts on the ledger carry 18 decimals
const tokenDecimals = 18

type payloadField struct {
	key    string
	scaled bool // *big.Int amount scaled by tokenDecimals
}

// kindSpec maps one ABI event onto LedgerEvent fields
type kindSpec struct {
	event        string
	subject      string
	counterparty string
	amount       string
	payload      map[string]payloadField
}

var kindSpecs = map[domain.EventKind]kindSpec{
	domain.KindStaked:        {event: "Staked", subject: "user", amount: "amount"},
	domain.KindUnstaked:      {event: "Unstaked", subject: "user", amount: "amount"},
	domain.KindRewardClaimed: {event: "RewardClaimed", subject: "user", amount: "amount"},
	domain.KindReferralBound: {event: "ReferralBound", subject: "user", counterparty: "referrer"},
	domain.KindReferralPaid: {
		event: "ReferralPaid", subject: "referrer", counterparty: "from", amount: "amount",
		payload: map[string]payloadField{"generation": {key: domain.PayloadGeneration}},
	},
	domain.KindTeamLevelUp: {
		event: "TeamLevelUp", subject: "user",
		payload: map[string]payloadField{"level": {key: domain.PayloadLevel}},
	},
	domain.KindNodeActivated: {
		event: "NodeActivated", subject: "user",
		payload: map[string]payloadField{
			"nodeId": {key: domain.PayloadNodeID},
			"tier":   {key: domain.PayloadTier},
		},
	},
	domain.KindLiquidityAdded:   {event: "LiquidityAdded", subject: "provider", amount: "amount"},
	domain.KindLiquidityRemoved: {event: "LiquidityRemoved", subject: "provider", amount: "amount"},
	domain.KindSwapped: {
		event: "Swapped", subject: "trader", amount: "amountIn",
		payload: map[string]payloadField{
			"buy":       {key: domain.PayloadSide},
			"amountOut": {key: domain.PayloadAmountOut, scaled: true},
		},
	},
	domain.KindTransfer:         {event: "Transfer", subject: "from", counterparty: "to", amount: "value"},
	domain.KindBurned:           {event: "Burned", subject: "from", amount: "amount"},
	domain.KindOwnershipChanged: {event: "OwnershipTransferred", subject: "newOwner", counterparty: "previousOwner"},
}

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parsedErr  error
)

// HCFABI returns the parsed contract ABI shared by decoders and the reserve sampler
func HCFABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parsedErr = abi.JSON(strings.NewReader(hcfABIJSON))
		if parsedErr != nil {
			parsedErr = fmt.Errorf("failed parse embedded abi: %w", parsedErr)
		}
	})
	return parsedABI, parsedErr
}
