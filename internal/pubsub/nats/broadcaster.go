package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/pubsub"
)

var _ pubsub.Broadcaster = (*Client)(nil)

type Client struct {
	nc     *nats.Conn
	log    logger.Logger
	prefix string
}

func Connect(cfg *config.Config, log logger.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	url := cfg.PubSub.NATS.URL
	if url == "" {
		return nil, errors.New("nats url is required")
	}

	name := "hcfstream"
	if cfg.App.InstanceID != "" {
		name += "-" + cfg.App.InstanceID
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1), // endless reconnected
		nats.ReconnectWait(2 * time.Second),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Infof("Connected to NATS successfully, url=%s", url)

	return &Client{
		nc:     nc,
		log:    log,
		prefix: cfg.PubSub.NATS.BroadcastPrefix,
	}, nil
}

// Prefix is the subject prefix configured for broadcast relaying
func (c *Client) Prefix() string {
	return c.prefix
}

// Publish sends data as is when it is []byte, otherwise as JSON
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c.nc == nil {
		return errors.New("nats connection is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var body []byte
	switch v := data.(type) {
	case []byte:
		body = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal NATS payload: %w", err)
		}
		body = b
	}

	if err := c.nc.Publish(subject, body); err != nil {
		return fmt.Errorf("failed to publish to NATS subject=%s: %w", subject, err)
	}
	return nil
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error) {
	if c.nc == nil {
		return nil, errors.New("nats connection is not initialized")
	}

	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to NATS subject=%s: %w", subject, err)
	}

	return sub.Unsubscribe, nil
}

func (c *Client) Health(ctx context.Context) error {
	if !c.Ready() {
		return fmt.Errorf("nats status=%s", c.Status())
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (c *Client) Ready() bool {
	if c.nc == nil {
		return false
	}
	return c.nc.Status() == nats.CONNECTED
}

func (c *Client) Status() nats.Status {
	if c.nc == nil {
		return nats.DISCONNECTED
	}
	return c.nc.Status()
}

func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}

	// check not close this conn
	if c.nc.Status() == nats.CLOSED {
		return nil
	}

	if err := c.nc.Drain(); err != nil {
		c.log.Errorf("Failed to drain connection to NATS, error=%v", err)
		c.nc.Close()
		return fmt.Errorf("failed to drain connection to NATS: %w", err)
	}

	c.nc.Close()
	c.log.Infof("NATS connection closed gracefully")
	return nil
}
