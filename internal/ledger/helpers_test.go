package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
)

var (
	stakingAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	pairAddr    = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	alice       = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
}

// tokens returns n whole tokens in 18-decimal base units
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func encodeLog(t *testing.T, kind domain.EventKind, block uint64, tx string, index uint, indexed []common.Address, data ...interface{}) types.Log {
	t.Helper()

	parsed, err := HCFABI()
	require.NoError(t, err)
	ev := parsed.Events[kindSpecs[kind].event]

	topics := []common.Hash{ev.ID}
	for _, a := range indexed {
		topics = append(topics, common.BytesToHash(a.Bytes()))
	}

	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err)

	return types.Log{
		Address:     stakingAddr,
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	}
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
	done  chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error, 1), done: make(chan struct{})}
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.done) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

func (s *fakeSub) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// genesis of the fake chain; block n is mined n*3s later
var chainStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func blockTimeOf(n uint64) time.Time {
	return chainStart.Add(time.Duration(n) * 3 * time.Second)
}

// fakeSource serves historical logs by range and hands out controllable subscriptions
type fakeSource struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	subs       []*fakeSub
	chans      []chan<- types.Log
	queries    []ethereum.FilterQuery
	fetches    []ethereum.FilterQuery
	noHeaders  map[uint64]bool
	headerHits int
}

func newFakeSource(head uint64, logs ...types.Log) *fakeSource {
	return &fakeSource{head: head, logs: logs}
}

func (f *fakeSource) HeadBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) FetchLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, q)

	var out []types.Log
	for _, lg := range f.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matches(q, lg) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeSource) BlockTime(_ context.Context, number uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.headerHits++
	if f.noHeaders[number] {
		return time.Time{}, errors.New("header not found")
	}
	return blockTimeOf(number), nil
}

func matches(q ethereum.FilterQuery, lg types.Log) bool {
	if len(q.Addresses) > 0 && q.Addresses[0] != lg.Address {
		return false
	}
	if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
		if len(lg.Topics) == 0 || lg.Topics[0] != q.Topics[0][0] {
			return false
		}
	}
	return true
}

func (f *fakeSource) SubscribeLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	f.chans = append(f.chans, ch)
	f.queries = append(f.queries, q)
	return sub, nil
}

// push delivers lg to the newest open subscription whose filter matches it
func (f *fakeSource) push(lg types.Log) {
	f.mu.Lock()
	var target chan<- types.Log
	for i := len(f.chans) - 1; i >= 0; i-- {
		if matches(f.queries[i], lg) && !f.subs[i].closed() {
			target = f.chans[i]
			break
		}
	}
	f.mu.Unlock()

	if target != nil {
		target <- lg
	}
}

func (f *fakeSource) breakSubscription() {
	f.mu.Lock()
	sub := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	sub.errCh <- errors.New("connection reset")
}

func (f *fakeSource) setHead(head uint64) {
	f.mu.Lock()
	f.head = head
	f.mu.Unlock()
}

func (f *fakeSource) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) fetchedFrom() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]uint64, 0, len(f.fetches))
	for _, q := range f.fetches {
		out = append(out, q.FromBlock.Uint64())
	}
	return out
}
