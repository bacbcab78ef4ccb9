package pubsub

import "context"

// Broadcaster carries serialized messages between instances
type Broadcaster interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	// Subscribe delivers raw message bodies; the returned func cancels the subscription
	Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error)
	Health(ctx context.Context) error
}
