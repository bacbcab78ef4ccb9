package ledger

import (
	"context"
	"strconv"
	"time"

	"hcfstream/internal/dedupe"
	"hcfstream/internal/domain"
	"hcfstream/internal/pubsub"
)

// CommitPublisher puts commits on the in-process bus exactly once per sequence,
// whichever of the listener or the store change feed sees them first.
type CommitPublisher struct {
	bus  *pubsub.Bus[domain.Commit]
	gate dedupe.Window
	ttl  time.Duration
}

func NewCommitPublisher(bus *pubsub.Bus[domain.Commit], gate dedupe.Window) *CommitPublisher {
	return &CommitPublisher{bus: bus, gate: gate, ttl: 15 * time.Minute}
}

func (p *CommitPublisher) Publish(ctx context.Context, c domain.Commit) (bool, error) {
	if p.gate != nil && c.Event.Seq > 0 {
		claimed, err := p.gate.Claim(ctx, "commit:"+strconv.FormatUint(c.Event.Seq, 10), p.ttl)
		// a failing gate must not lose the notification
		if err == nil && !claimed {
			return false, nil
		}
	}

	if err := p.bus.Publish(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}
