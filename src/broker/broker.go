// Package broker carries entity updates and queued tasks between processes.
package broker

import "context"

// Broker publishes keyed messages to topics and hands them to consumer
// groups. Every group sees every message; members of one group share them.
type Broker interface {
	// Publish sends value to topic. Messages with the same key keep their
	// order.
	Publish(ctx context.Context, topic string, key string, value []byte) error

	// Subscribe joins groupID on topic. The channel is closed when ctx ends
	// or the broker closes.
	Subscribe(ctx context.Context, topic string, groupID string, opts ...SubscribeOption) (<-chan Message, error)

	Close() error
}

// Message is one consumed record.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int32
	Timestamp int64 // unix millis
}

type subscribeConfig struct {
	latest bool
}

// SubscribeOption adjusts a subscription.
type SubscribeOption func(*subscribeConfig)

// FromLatest starts a new group at the end of the topic instead of its
// beginning. Watchers that load current state elsewhere use it to skip
// history.
func FromLatest() SubscribeOption {
	return func(c *subscribeConfig) { c.latest = true }
}

func newSubscribeConfig(opts []SubscribeOption) subscribeConfig {
	var c subscribeConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
