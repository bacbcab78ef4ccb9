package broadcast

import (
	"context"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
)

// TopicFor maps a snapshot scope onto its broadcast topic
func TopicFor(scope domain.Scope) string {
	switch scope.Kind {
	case domain.ScopeUser:
		return TopicScores
	case domain.ScopeGlobal:
		return TopicGlobal
	case domain.ScopeLeaderboard:
		return LeaderboardTopic(scope.Key)
	default:
		return ""
	}
}

func SnapshotMessage(snap *domain.Snapshot) Message {
	msg := Message{Type: domain.MessageSnapshot, Payload: snap}
	if snap.Scope.Kind == domain.ScopeUser {
		msg.Subject = snap.Scope.Key
	}
	return msg
}

func AlertMessage(rec *domain.AlertRecord) Message {
	return Message{
		Type:     domain.MessageAlert,
		Payload:  rec,
		Subject:  rec.Subject,
		Severity: rec.Severity,
	}
}

// Forwarder turns snapshot updates and new alerts into broadcast messages
type Forwarder struct {
	log logger.Logger
	pub Publisher
}

func NewForwarder(log logger.Logger, pub Publisher) *Forwarder {
	return &Forwarder{log: log, pub: pub}
}

func (f *Forwarder) Run(ctx context.Context, snapshots <-chan domain.SnapshotUpdated, alerts <-chan domain.AlertCreated) error {
	f.log.Info("Broadcast forwarder started")

	for snapshots != nil || alerts != nil {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			f.snapshot(&s.Snapshot)
		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			if err := f.pub.Publish(TopicAlerts, AlertMessage(&a.Record)); err != nil {
				f.log.Errorf("Failed broadcast alert %s, error=%v", a.Record.ID, err)
			}
		}
	}
	return nil
}

func (f *Forwarder) snapshot(snap *domain.Snapshot) {
	topic := TopicFor(snap.Scope)
	if topic == "" {
		return
	}
	if err := f.pub.Publish(topic, SnapshotMessage(snap)); err != nil {
		f.log.Errorf("Failed broadcast snapshot %s, error=%v", snap.Scope, err)
	}
}
