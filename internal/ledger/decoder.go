package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"hcfstream/internal/domain"
)

type eventCodec struct {
	spec    kindSpec
	event   abi.Event
	indexed abi.Arguments
}

// Decoder turns raw logs into LedgerEvents, one codec per event kind
type Decoder struct {
	codecs map[domain.EventKind]eventCodec
}

func NewDecoder() (*Decoder, error) {
	parsed, err := HCFABI()
	if err != nil {
		return nil, err
	}

	codecs := make(map[domain.EventKind]eventCodec, len(kindSpecs))
	for kind, spec := range kindSpecs {
		ev, ok := parsed.Events[spec.event]
		if !ok {
			return nil, fmt.Errorf("abi has no event %s for kind %s", spec.event, kind)
		}

		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}

		codecs[kind] = eventCodec{spec: spec, event: ev, indexed: indexed}
	}

	return &Decoder{codecs: codecs}, nil
}

// Topic returns topic0 of the event behind kind
func (d *Decoder) Topic(kind domain.EventKind) (common.Hash, error) {
	c, ok := d.codecs[kind]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: unknown event kind %q", domain.ErrInvalidInput, kind)
	}
	return c.event.ID, nil
}

func (d *Decoder) Decode(kind domain.EventKind, lg types.Log, observedAt time.Time) (*domain.LedgerEvent, error) {
	fail := func(err error) error {
		return &domain.DecodeError{Kind: kind, TxHash: lg.TxHash.Hex(), Err: err}
	}

	c, ok := d.codecs[kind]
	if !ok {
		return nil, fail(fmt.Errorf("unknown event kind %q", kind))
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != c.event.ID {
		return nil, fail(errors.New("topic0 does not match event signature"))
	}
	if len(lg.Topics)-1 != len(c.indexed) {
		return nil, fail(fmt.Errorf("expected %d indexed topics, got %d", len(c.indexed), len(lg.Topics)-1))
	}

	values := make(map[string]interface{}, len(c.event.Inputs))
	if err := abi.ParseTopicsIntoMap(values, c.indexed, lg.Topics[1:]); err != nil {
		return nil, fail(fmt.Errorf("topics: %w", err))
	}
	if err := c.event.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return nil, fail(fmt.Errorf("data: %w", err))
	}

	ev := &domain.LedgerEvent{
		Kind:        kind,
		Contract:    lg.Address.Hex(),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    uint32(lg.Index),
		BlockNumber: lg.BlockNumber,
		ObservedAt:  observedAt.UTC(),
	}

	var err error
	if ev.Subject, err = addressArg(values, c.spec.subject); err != nil {
		return nil, fail(err)
	}
	if c.spec.counterparty != "" {
		if ev.Counterparty, err = addressArg(values, c.spec.counterparty); err != nil {
			return nil, fail(err)
		}
	}
	if c.spec.amount != "" {
		if ev.Amount, err = amountArg(values, c.spec.amount); err != nil {
			return nil, fail(err)
		}
	}

	if len(c.spec.payload) > 0 {
		ev.Payload = make(map[string]string, len(c.spec.payload))
		for arg, field := range c.spec.payload {
			v, err := payloadValue(values, arg, field)
			if err != nil {
				return nil, fail(err)
			}
			ev.Payload[field.key] = v
		}
	}

	ev.Normalize()
	return ev, nil
}

func addressArg(values map[string]interface{}, name string) (string, error) {
	v, ok := values[name].(common.Address)
	if !ok {
		return "", fmt.Errorf("argument %s is not an address", name)
	}
	return v.Hex(), nil
}

func amountArg(values map[string]interface{}, name string) (decimal.Decimal, error) {
	v, ok := values[name].(*big.Int)
	if !ok || v == nil {
		return decimal.Zero, fmt.Errorf("argument %s is not uint256", name)
	}
	return decimal.NewFromBigInt(v, -tokenDecimals), nil
}

func payloadValue(values map[string]interface{}, name string, field payloadField) (string, error) {
	switch v := values[name].(type) {
	case *big.Int:
		if field.scaled {
			return decimal.NewFromBigInt(v, -tokenDecimals).String(), nil
		}
		return v.String(), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case bool:
		if v {
			return "buy", nil
		}
		return "sell", nil
	default:
		return "", fmt.Errorf("argument %s has unsupported type %T", name, v)
	}
}
