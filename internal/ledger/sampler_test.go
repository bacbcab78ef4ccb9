package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

type fakeCaller struct {
	out  []byte
	err  error
	last ethereum.CallMsg
}

func (c *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.last = call
	return c.out, c.err
}

func packReserves(t *testing.T, r0, r1 *big.Int) []byte {
	t.Helper()
	parsed, err := HCFABI()
	require.NoError(t, err)

	out, err := parsed.Methods["getReserves"].Outputs.Pack(r0, r1, uint32(1700000000))
	require.NoError(t, err)
	return out
}

func TestReserveSampler_Sample(t *testing.T) {
	caller := &fakeCaller{out: packReserves(t, tokens(1_000_000), tokens(880_000))}
	cfg := &config.MarketConfig{Name: "HCF-USDT", PairAddress: pairAddr.Hex(), BaseIsToken0: true}

	s, err := NewReserveSampler(caller, cfg)
	require.NoError(t, err)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "HCF-USDT", sample.Market)
	assert.True(t, sample.Price.Equal(decimal.RequireFromString("0.88")), sample.Price.String())
	assert.True(t, sample.ReserveBase.Equal(decimal.NewFromInt(1_000_000)))
	assert.True(t, sample.ReserveQuote.Equal(decimal.NewFromInt(880_000)))
	assert.Equal(t, fixed, sample.At)
	require.NotNil(t, caller.last.To)
	assert.Equal(t, pairAddr, *caller.last.To)

	// token1 as base flips the ratio
	cfg.BaseIsToken0 = false
	flipped, err := NewReserveSampler(caller, cfg)
	require.NoError(t, err)
	sample, err = flipped.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, sample.Price.GreaterThan(decimal.NewFromInt(1)))
}

func TestReserveSampler_Errors(t *testing.T) {
	_, err := NewReserveSampler(&fakeCaller{}, &config.MarketConfig{PairAddress: "0xzz"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	s, err := NewReserveSampler(&fakeCaller{err: errors.New("timeout")}, &config.MarketConfig{PairAddress: pairAddr.Hex()})
	require.NoError(t, err)
	assert.Equal(t, pairAddr.Hex(), s.Market())

	_, err = s.Sample(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransientIO)

	s.caller = &fakeCaller{out: []byte{1, 2, 3}}
	_, err = s.Sample(context.Background())
	assert.ErrorIs(t, err, domain.ErrDecode)

	// empty pool never divides by zero
	s.caller = &fakeCaller{out: packReserves(t, big.NewInt(0), tokens(5))}
	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, sample.Price.IsZero())
}
