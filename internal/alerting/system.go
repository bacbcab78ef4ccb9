package alerting

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"hcfstream/internal/domain"
)

// SystemSampler reads host CPU and memory and reports the last observed RPC latency
type SystemSampler struct {
	latency atomic.Int64
}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

// ObserveLatency records the most recent API round trip
func (s *SystemSampler) ObserveLatency(d time.Duration) {
	s.latency.Store(int64(d))
}

func (s *SystemSampler) Sample(ctx context.Context) (domain.SystemSample, error) {
	out := domain.SystemSample{
		APILatency: time.Duration(s.latency.Load()),
		At:         time.Now().UTC(),
	}

	// 0 interval compares against the previous call
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return out, fmt.Errorf("%w: cpu percent: %v", domain.ErrTransientIO, err)
	}
	if len(pct) > 0 {
		out.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("%w: virtual memory: %v", domain.ErrTransientIO, err)
	}
	out.MemoryPercent = vm.UsedPercent

	return out, nil
}
