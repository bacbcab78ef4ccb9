package clickhouse

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"hcfstream/internal/domain"
)

func TestRowFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	ev := &domain.LedgerEvent{
		Seq:         7,
		Key:         "0xt:NodeActivated:0xaaa",
		Kind:        domain.KindNodeActivated,
		Subject:     "0xaaa",
		Amount:      decimal.RequireFromString("1.5"),
		TxHash:      "0xt",
		LogIndex:    3,
		BlockNumber: 99,
		ObservedAt:  at,
		Payload:     map[string]string{domain.PayloadTier: "1"},
	}

	row := RowFromEvent(ev)
	assert.Equal(t, uint64(7), row.Seq)
	assert.Equal(t, "NodeActivated", row.Kind)
	assert.Equal(t, "1.5", row.Amount)
	assert.Equal(t, `{"tier":"1"}`, row.Payload)
	assert.Equal(t, time.UTC, row.ObservedAt.Location())
	assert.True(t, at.Equal(row.BlockTime))

	ev.BlockTime = at.Add(-time.Hour)
	assert.True(t, at.Add(-time.Hour).Equal(RowFromEvent(ev).BlockTime))

	ev.Payload = nil
	assert.Equal(t, "{}", RowFromEvent(ev).Payload)
}
