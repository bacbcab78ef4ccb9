package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Source is the ledger push feed plus the historical log query used for backfill
type Source interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FetchLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// TxOutcome is the part of a transaction the failure-rate probe needs
type TxOutcome struct {
	To     common.Address
	Failed bool
}

type BlockReader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	BlockOutcomes(ctx context.Context, number uint64) ([]TxOutcome, time.Time, error)
}

var (
	_ Source                  = (*EthSource)(nil)
	_ BlockReader             = (*EthSource)(nil)
	_ ethereum.ContractCaller = (*EthSource)(nil)
)

// EthSource implements Source, BlockReader and ethereum.ContractCaller over one RPC connection.
// Log subscriptions need a websocket endpoint.
type EthSource struct {
	client *ethclient.Client
}

func DialSource(ctx context.Context, url string) (*EthSource, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed dial ledger rpc: %w", err)
	}
	return &EthSource{client: client}, nil
}

func (s *EthSource) HeadBlock(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

func (s *EthSource) FetchLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return s.client.FilterLogs(ctx, q)
}

func (s *EthSource) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return s.client.SubscribeFilterLogs(ctx, q, ch)
}

func (s *EthSource) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header of block %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (s *EthSource) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return s.client.CallContract(ctx, call, blockNumber)
}

// BlockOutcomes pairs every contract call in the block with its receipt status
func (s *EthSource) BlockOutcomes(ctx context.Context, number uint64) ([]TxOutcome, time.Time, error) {
	block, err := s.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("block %d: %w", number, err)
	}

	receipts, err := s.client.BlockReceipts(ctx, rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(number)))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("receipts of block %d: %w", number, err)
	}

	txs := block.Transactions()
	out := make([]TxOutcome, 0, len(txs))
	for i, tx := range txs {
		to := tx.To()
		if to == nil {
			continue
		}
		failed := i < len(receipts) && receipts[i].Status == types.ReceiptStatusFailed
		out = append(out, TxOutcome{To: *to, Failed: failed})
	}

	return out, time.Unix(int64(block.Time()), 0).UTC(), nil
}

func (s *EthSource) Close() {
	s.client.Close()
}
