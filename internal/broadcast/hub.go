package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
)

const (
	TopicScores       = "scores"
	TopicGlobal       = "global"
	TopicAlerts       = "alerts"
	leaderboardPrefix = "leaderboard."

	DefaultQueueSize = 256

	reasonClosed       = "closed"
	reasonSlowConsumer = "slow consumer"
	reasonControlFull  = "control queue full"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidTopic      = errors.New("invalid topic")
)

func LeaderboardTopic(name string) string {
	return leaderboardPrefix + name
}

// ValidTopic accepts the fixed topics and the leaderboards the aggregator maintains
func ValidTopic(topic string) bool {
	switch topic {
	case TopicScores, TopicGlobal, TopicAlerts:
		return true
	}
	switch strings.TrimPrefix(topic, leaderboardPrefix) {
	case domain.LeaderboardGlobal, domain.LeaderboardReferral:
		return strings.HasPrefix(topic, leaderboardPrefix)
	}
	return false
}

// topicFamily keeps metric cardinality bounded
func topicFamily(topic string) string {
	if strings.HasPrefix(topic, leaderboardPrefix) {
		return "leaderboard"
	}
	return topic
}

// Filter narrows a subscription; zero value passes everything
type Filter struct {
	Address     string          `json:"address,omitempty"`
	MinSeverity domain.Severity `json:"minSeverity,omitempty"`
}

func (f Filter) normalize() Filter {
	f.Address = domain.NormalizeAddress(f.Address)
	return f
}

func (f Filter) Match(env *domain.Envelope) bool {
	if f.Address != "" && env.Subject != f.Address {
		return false
	}
	if f.MinSeverity != "" && env.Type == domain.MessageAlert && env.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	return true
}

// Message is what producers hand to Publish; Subject and Severity feed the filters
type Message struct {
	Type     domain.MessageType
	Payload  any
	Subject  string
	Severity domain.Severity
}

func NewEnvelope(topic string, msg Message) (domain.Envelope, error) {
	if !ValidTopic(topic) {
		return domain.Envelope{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("marshal payload of %s: %w", topic, err)
	}
	return domain.Envelope{
		Topic:     topic,
		Type:      msg.Type,
		Payload:   raw,
		EmittedAt: time.Now().UTC(),
		Subject:   domain.NormalizeAddress(msg.Subject),
		Severity:  msg.Severity,
	}, nil
}

// Conn is one subscriber with its own FIFO queue
type Conn struct {
	ID string

	queue chan domain.Envelope
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
	reason string
}

// Out yields envelopes in delivery order
func (c *Conn) Out() <-chan domain.Envelope { return c.queue }

// Done is closed once the connection left the hub
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

type topicSubs struct {
	mu   sync.Mutex // serializes publishes of the topic
	subs map[string]Filter
}

// Hub routes envelopes to subscribers.
// Publishes of one topic are serialized, so every subscriber sees them in publish order.
// A subscriber whose queue is full is disconnected rather than skipped.
type Hub struct {
	log    logger.Logger
	conns  *xsync.Map[string, *Conn]
	topics *xsync.Map[string, *topicSubs]
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		log:    log,
		conns:  xsync.NewMap[string, *Conn](),
		topics: xsync.NewMap[string, *topicSubs](),
	}
}

func (h *Hub) Register(connID string, queueSize int) (*Conn, error) {
	if connID == "" {
		return nil, fmt.Errorf("%w: empty connection id", domain.ErrInvalidInput)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	c := &Conn{
		ID:     connID,
		queue:  make(chan domain.Envelope, queueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	if _, loaded := h.conns.LoadOrStore(connID, c); loaded {
		return nil, fmt.Errorf("%w: connection %s", domain.ErrDuplicateKey, connID)
	}
	return c, nil
}

func (h *Hub) Subscribe(connID, topic string, f Filter) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	c, ok := h.conns.Load(connID)
	if !ok {
		return ErrUnknownConnection
	}

	// conn lock first, topic lock second; Disconnect takes them in the same order
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnknownConnection
	}

	h.topics.Compute(topic, func(ts *topicSubs, loaded bool) (*topicSubs, xsync.ComputeOp) {
		if !loaded {
			ts = &topicSubs{subs: make(map[string]Filter)}
		}
		ts.mu.Lock()
		ts.subs[connID] = f.normalize()
		ts.mu.Unlock()
		return ts, xsync.UpdateOp
	})

	c.topics[topic] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(connID, topic string) error {
	c, ok := h.conns.Load(connID)
	if !ok {
		return ErrUnknownConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok = c.topics[topic]; !ok {
		return nil
	}
	delete(c.topics, topic)
	h.removeSub(topic, connID)
	return nil
}

// Disconnect removes every subscription of connID; no envelope is queued after it returns
func (h *Hub) Disconnect(connID string) {
	h.disconnect(connID, reasonClosed)
}

func (h *Hub) disconnect(connID, reason string) {
	c, ok := h.conns.LoadAndDelete(connID)
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	c.reason = reason
	for topic := range c.topics {
		h.removeSub(topic, connID)
	}
	c.topics = map[string]struct{}{}
	c.mu.Unlock()

	c.once.Do(func() { close(c.done) })
}

// removeSub drops the topic entry together with its last subscriber
func (h *Hub) removeSub(topic, connID string) {
	h.topics.Compute(topic, func(ts *topicSubs, loaded bool) (*topicSubs, xsync.ComputeOp) {
		if !loaded {
			return ts, xsync.CancelOp
		}
		ts.mu.Lock()
		delete(ts.subs, connID)
		empty := len(ts.subs) == 0
		ts.mu.Unlock()
		if empty {
			return ts, xsync.DeleteOp
		}
		return ts, xsync.CancelOp
	})
}

// Publish wraps the message into an envelope and delivers it locally
func (h *Hub) Publish(topic string, msg Message) error {
	env, err := NewEnvelope(topic, msg)
	if err != nil {
		return err
	}
	h.Deliver(env)
	return nil
}

// Deliver queues env to every matching subscriber of its topic and returns how many got it
func (h *Hub) Deliver(env domain.Envelope) int {
	ts, ok := h.topics.Load(env.Topic)
	if !ok {
		return 0
	}

	var (
		delivered int
		slow      []string
	)

	ts.mu.Lock()
	for connID, f := range ts.subs {
		if !f.Match(&env) {
			continue
		}
		c, ok := h.conns.Load(connID)
		if !ok {
			continue
		}
		select {
		case c.queue <- env:
			delivered++
		default:
			// no later envelope of this topic may reach it
			delete(ts.subs, connID)
			slow = append(slow, connID)
		}
	}
	ts.mu.Unlock()

	if delivered > 0 {
		metrics.BroadcastDelivered.WithLabelValues(topicFamily(env.Topic)).Add(float64(delivered))
	}
	for _, connID := range slow {
		metrics.BroadcastDropped.Inc()
		h.log.Warnf("Disconnect slow consumer %s on topic %s", connID, env.Topic)
		h.disconnect(connID, reasonSlowConsumer)
	}
	return delivered
}

// Subscribers counts subscriptions of topic
func (h *Hub) Subscribers(topic string) int {
	ts, ok := h.topics.Load(topic)
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// Topics counts topics with at least one subscription
func (h *Hub) Topics() int {
	return h.topics.Size()
}

func (h *Hub) Connections() int {
	return h.conns.Size()
}
