package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcfstream/internal/domain"
)

func TestDecoder_AllKindsHaveTopics(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	seen := make(map[common.Hash]domain.EventKind)
	for _, kind := range domain.AllKinds {
		topic, err := d.Topic(kind)
		require.NoError(t, err, kind)
		_, dup := seen[topic]
		assert.False(t, dup, "topic of %s reused", kind)
		seen[topic] = kind
	}

	_, err = d.Topic("Nope")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDecoder_Decode(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		kind   domain.EventKind
		log    func(t *testing.T) []interface{}
		check  func(t *testing.T, ev *domain.LedgerEvent)
		topics []common.Address
	}{
		{
			name:   "staked",
			kind:   domain.KindStaked,
			topics: []common.Address{alice},
			log:    func(*testing.T) []interface{} { return []interface{}{tokens(500)} },
			check: func(t *testing.T, ev *domain.LedgerEvent) {
				assert.Equal(t, "0x000000000000000000000000000000000000a11c", ev.Subject)
				assert.True(t, ev.Amount.Equal(decimal.NewFromInt(500)))
				assert.Empty(t, ev.Counterparty)
			},
		},
		{
			name:   "referral bound",
			kind:   domain.KindReferralBound,
			topics: []common.Address{bob, alice},
			log:    func(*testing.T) []interface{} { return nil },
			check: func(t *testing.T, ev *domain.LedgerEvent) {
				assert.Equal(t, domain.NormalizeAddress(bob.Hex()), ev.Subject)
				assert.Equal(t, domain.NormalizeAddress(alice.Hex()), ev.Counterparty)
				assert.True(t, ev.Amount.IsZero())
			},
		},
		{
			name:   "node activated",
			kind:   domain.KindNodeActivated,
			topics: []common.Address{alice},
			log:    func(*testing.T) []interface{} { return []interface{}{big.NewInt(77), uint8(2)} },
			check: func(t *testing.T, ev *domain.LedgerEvent) {
				assert.Equal(t, "2", ev.Payload[domain.PayloadTier])
				assert.Equal(t, "77", ev.Payload[domain.PayloadNodeID])
			},
		},
		{
			name:   "swapped",
			kind:   domain.KindSwapped,
			topics: []common.Address{alice},
			log: func(*testing.T) []interface{} {
				return []interface{}{false, tokens(10), new(big.Int).Div(tokens(25), big.NewInt(10))}
			},
			check: func(t *testing.T, ev *domain.LedgerEvent) {
				assert.True(t, ev.Amount.Equal(decimal.NewFromInt(10)))
				assert.Equal(t, "sell", ev.Payload[domain.PayloadSide])
				assert.Equal(t, "2.5", ev.Payload[domain.PayloadAmountOut])
			},
		},
		{
			name:   "ownership",
			kind:   domain.KindOwnershipChanged,
			topics: []common.Address{alice, bob},
			log:    func(*testing.T) []interface{} { return nil },
			check: func(t *testing.T, ev *domain.LedgerEvent) {
				assert.Equal(t, domain.NormalizeAddress(bob.Hex()), ev.Subject)
				assert.Equal(t, domain.NormalizeAddress(alice.Hex()), ev.Counterparty)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg := encodeLog(t, tt.kind, 120, "0xabc1", 4, tt.topics, tt.log(t)...)

			ev, err := d.Decode(tt.kind, lg, at)
			require.NoError(t, err)

			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, uint64(120), ev.BlockNumber)
			assert.Equal(t, uint32(4), ev.LogIndex)
			assert.Equal(t, at, ev.ObservedAt)
			assert.Equal(t, domain.MakeEventKey(lg.TxHash.Hex(), tt.kind, ev.Subject), ev.Key)
			tt.check(t, ev)
		})
	}
}

func TestDecoder_Errors(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)
	at := time.Now()

	staked := encodeLog(t, domain.KindStaked, 1, "0x1", 0, []common.Address{alice}, tokens(1))

	// wrong kind for the topic
	_, err = d.Decode(domain.KindUnstaked, staked, at)
	assert.ErrorIs(t, err, domain.ErrDecode)

	// truncated data
	bad := staked
	bad.Data = staked.Data[:10]
	_, err = d.Decode(domain.KindStaked, bad, at)
	assert.ErrorIs(t, err, domain.ErrDecode)

	var de *domain.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindStaked, de.Kind)

	// missing indexed topic
	short := staked
	short.Topics = staked.Topics[:1]
	_, err = d.Decode(domain.KindStaked, short, at)
	assert.ErrorIs(t, err, domain.ErrDecode)
}
