package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeEventKey_Lowercases(t *testing.T) {
	key := MakeEventKey("0xABCdef", KindStaked, "0xAaA")
	assert.Equal(t, "0xabcdef:Staked:0xaaa", key)
}

func TestParseEventKey(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		want    ParsedEventKey
		wantErr bool
	}{
		{
			name: "valid",
			key:  "0xabc:Staked:0xaaa",
			want: ParsedEventKey{TxHash: "0xabc", Kind: KindStaked, Subject: "0xaaa"},
		},
		{name: "too_few_parts", key: "0xabc:Staked", wantErr: true},
		{name: "unknown_kind", key: "0xabc:Minted:0xaaa", wantErr: true},
		{name: "empty_subject", key: "0xabc:Staked:", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEventKey(tc.key)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLedgerEvent_NormalizeFillsKey(t *testing.T) {
	ev := LedgerEvent{Kind: KindUnstaked, Subject: "0xBBB", TxHash: "0xF00"}
	ev.Normalize()

	assert.Equal(t, "0xf00:Unstaked:0xbbb", ev.Key)
	assert.False(t, ev.ObservedAt.IsZero())
	assert.True(t, ev.Involves("0xbBb"))
}
