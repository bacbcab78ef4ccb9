package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
)

const maxProbeBlocks = 32

// BlockProbe walks new blocks and counts calls to watched contracts and their failed receipts
type BlockProbe struct {
	reader  BlockReader
	watched map[common.Address]struct{}

	mu   sync.Mutex
	last uint64
}

func NewBlockProbe(reader BlockReader, contracts []string) (*BlockProbe, error) {
	if reader == nil {
		return nil, errors.New("block reader is required to the block probe")
	}

	watched := make(map[common.Address]struct{}, len(contracts))
	for _, c := range contracts {
		if !common.IsHexAddress(c) {
			return nil, fmt.Errorf("%w: contract address %q", domain.ErrInvalidInput, c)
		}
		watched[common.HexToAddress(strings.TrimSpace(c))] = struct{}{}
	}

	return &BlockProbe{reader: reader, watched: watched}, nil
}

// Probe returns one sample per block since the previous call and the head RPC latency.
// The first call only samples the head block.
func (p *BlockProbe) Probe(ctx context.Context) ([]domain.BlockSample, time.Duration, error) {
	started := time.Now()
	head, err := p.reader.HeadBlock(ctx)
	latency := time.Since(started)
	metrics.RPCLatency.Observe(latency.Seconds())
	if err != nil {
		return nil, latency, fmt.Errorf("%w: head block: %v", domain.ErrTransientIO, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.last + 1
	if p.last == 0 || head < p.last {
		from = head
	}
	if head >= maxProbeBlocks && from+maxProbeBlocks <= head {
		from = head - maxProbeBlocks + 1
	}

	if from > head {
		return nil, latency, nil
	}

	samples := make([]domain.BlockSample, 0, head-from+1)
	for n := from; n <= head; n++ {
		outcomes, at, err := p.reader.BlockOutcomes(ctx, n)
		if err != nil {
			return samples, latency, fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
		}

		s := domain.BlockSample{Number: n, At: at}
		for _, o := range outcomes {
			if _, ok := p.watched[o.To]; !ok {
				continue
			}
			s.Total++
			if o.Failed {
				s.Failed++
			}
		}
		samples = append(samples, s)
		p.last = n
	}

	return samples, latency, nil
}
