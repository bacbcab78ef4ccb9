package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
	"hcfstream/internal/pubsub"
)

// Publisher is implemented by the local Hub and by the cluster Relay
type Publisher interface {
	Publish(topic string, msg Message) error
}

var _ Publisher = (*Hub)(nil)
var _ Publisher = (*Relay)(nil)

// relayFrame carries the routing fields an Envelope hides from clients
type relayFrame struct {
	Origin   string          `json:"origin"`
	Envelope domain.Envelope `json:"envelope"`
	Subject  string          `json:"subject,omitempty"`
	Severity domain.Severity `json:"severity,omitempty"`
}

// Relay delivers locally and mirrors envelopes to other instances through the broadcaster.
// Frames published by this instance are ignored on receive.
type Relay struct {
	log    logger.Logger
	hub    *Hub
	bc     pubsub.Broadcaster
	prefix string
	origin string

	mu    sync.Mutex
	unsub func() error
}

func NewRelay(log logger.Logger, hub *Hub, bc pubsub.Broadcaster, prefix, origin string) (*Relay, error) {
	if hub == nil || bc == nil {
		return nil, errors.New("hub and broadcaster are required to the relay")
	}
	if origin == "" {
		return nil, errors.New("relay origin is required")
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "hcf.broadcast"
	}

	return &Relay{
		log:    log,
		hub:    hub,
		bc:     bc,
		prefix: prefix,
		origin: origin,
	}, nil
}

func (r *Relay) subject(topic string) string {
	return r.prefix + "." + topic
}

// Start subscribes to every topic under the prefix
func (r *Relay) Start() error {
	unsub, err := r.bc.Subscribe(r.prefix+".>", r.receive)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	r.log.Infof("Broadcast relay listening on %s.>", r.prefix)
	return nil
}

func (r *Relay) receive(subject string, data []byte) {
	var f relayFrame
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.Warnf("Drop malformed relay frame on %s, error=%v", subject, err)
		return
	}
	if f.Origin == r.origin {
		return
	}
	if !ValidTopic(f.Envelope.Topic) {
		r.log.Warnf("Drop relay frame with topic %q", f.Envelope.Topic)
		return
	}

	env := f.Envelope
	env.Subject = f.Subject
	env.Severity = f.Severity
	r.hub.Deliver(env)
}

// Publish delivers to local subscribers first, then to the cluster; a relay failure is returned
// but local delivery already happened
func (r *Relay) Publish(topic string, msg Message) error {
	env, err := NewEnvelope(topic, msg)
	if err != nil {
		return err
	}
	r.hub.Deliver(env)

	return r.bc.Publish(context.Background(), r.subject(topic), relayFrame{
		Origin:   r.origin,
		Envelope: env,
		Subject:  env.Subject,
		Severity: env.Severity,
	})
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unsub == nil {
		return nil
	}
	err := r.unsub()
	r.unsub = nil
	return err
}
