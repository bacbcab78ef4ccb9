package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

// ReserveSampler reads getReserves() of the token/quote pair and turns it into a price reading
type ReserveSampler struct {
	caller       ethereum.ContractCaller
	abi          abi.ABI
	market       string
	pair         common.Address
	baseIsToken0 bool
	baseDec      int32
	quoteDec     int32
	now          func() time.Time
}

func NewReserveSampler(caller ethereum.ContractCaller, cfg *config.MarketConfig) (*ReserveSampler, error) {
	if caller == nil || cfg == nil {
		return nil, errors.New("caller and market config are required to the reserve sampler")
	}
	if !common.IsHexAddress(cfg.PairAddress) {
		return nil, fmt.Errorf("%w: pair address %q", domain.ErrInvalidInput, cfg.PairAddress)
	}

	parsed, err := HCFABI()
	if err != nil {
		return nil, err
	}

	baseDec, quoteDec := cfg.BaseDecimals, cfg.QuoteDecimals
	if baseDec <= 0 {
		baseDec = tokenDecimals
	}
	if quoteDec <= 0 {
		quoteDec = tokenDecimals
	}

	market := cfg.Name
	if market == "" {
		market = cfg.PairAddress
	}

	return &ReserveSampler{
		caller:       caller,
		abi:          parsed,
		market:       market,
		pair:         common.HexToAddress(cfg.PairAddress),
		baseIsToken0: cfg.BaseIsToken0,
		baseDec:      baseDec,
		quoteDec:     quoteDec,
		now:          time.Now,
	}, nil
}

func (s *ReserveSampler) Market() string {
	return s.market
}

func (s *ReserveSampler) Sample(ctx context.Context) (domain.MarketSample, error) {
	input, err := s.abi.Pack("getReserves")
	if err != nil {
		return domain.MarketSample{}, fmt.Errorf("pack getReserves: %w", err)
	}

	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.pair, Data: input}, nil)
	if err != nil {
		return domain.MarketSample{}, fmt.Errorf("%w: getReserves on %s: %v", domain.ErrTransientIO, s.pair.Hex(), err)
	}

	vals, err := s.abi.Unpack("getReserves", out)
	if err != nil || len(vals) < 2 {
		return domain.MarketSample{}, fmt.Errorf("%w: unpack getReserves: %v", domain.ErrDecode, err)
	}

	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return domain.MarketSample{}, fmt.Errorf("%w: unexpected getReserves types %T, %T", domain.ErrDecode, vals[0], vals[1])
	}

	baseRaw, quoteRaw := r1, r0
	if s.baseIsToken0 {
		baseRaw, quoteRaw = r0, r1
	}

	base := decimal.NewFromBigInt(baseRaw, -s.baseDec)
	quote := decimal.NewFromBigInt(quoteRaw, -s.quoteDec)

	price := decimal.Zero
	if !base.IsZero() {
		price = quote.DivRound(base, 18)
	}

	return domain.MarketSample{
		Market:       s.market,
		Price:        price,
		ReserveBase:  base,
		ReserveQuote: quote,
		At:           s.now().UTC(),
	}, nil
}
