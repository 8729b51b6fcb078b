package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"changes-agent/src/logger"
)

const clientID = "changes-agent"

// consumerBuffer bounds how far a consumer reads ahead of its reader.
const consumerBuffer = 100

var errClosed = errors.New("broker is closed")

// RedpandaBroker is a Broker on Redpanda or any Kafka-compatible cluster.
// One producer client is shared; every subscription gets its own consumer
// client, which is closed when the subscription's context ends.
type RedpandaBroker struct {
	seeds    []string
	producer *kgo.Client
	log      logger.Logger

	mu        sync.Mutex
	consumers map[string]*kgo.Client // topic/group
	closed    bool
}

// NewRedpandaBroker connects a producer to the seed brokers, e.g.
// ["localhost:19092"]. Topics are created on first use.
func NewRedpandaBroker(seeds []string, log logger.Logger) (*RedpandaBroker, error) {
	if len(seeds) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if log == nil {
		log = logger.NewSilentLogger()
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.ClientID(clientID),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(0),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &RedpandaBroker{
		seeds:     seeds,
		producer:  producer,
		log:       log,
		consumers: make(map[string]*kgo.Client),
	}, nil
}

// Publish produces one record and waits for the ack. Records are keyed by
// entity id, so updates of one entity land on one partition in order.
func (b *RedpandaBroker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errClosed
	}

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins groupID on topic with a dedicated consumer client.
// A process may hold one subscription per topic and group.
func (b *RedpandaBroker) Subscribe(ctx context.Context, topic string, groupID string, opts ...SubscribeOption) (<-chan Message, error) {
	cfg := newSubscribeConfig(opts)
	start := kgo.NewOffset().AtStart()
	if cfg.latest {
		start = kgo.NewOffset().AtEnd()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}
	key := topic + "/" + groupID
	if _, ok := b.consumers[key]; ok {
		return nil, fmt.Errorf("already subscribed to %s as %s", topic, groupID)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.seeds...),
		kgo.ClientID(clientID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(start),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", topic, err)
	}
	b.consumers[key] = consumer

	out := make(chan Message, consumerBuffer)
	go func() {
		defer close(out)
		defer b.release(key, consumer)
		b.consume(ctx, consumer, out)
	}()
	return out, nil
}

func (b *RedpandaBroker) consume(ctx context.Context, consumer *kgo.Client, out chan<- Message) {
	for ctx.Err() == nil {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				b.log.Warn("[Redpanda] Fetch from %s/%d failed: %v", topic, partition, err)
			}
		})

		for iter := fetches.RecordIter(); !iter.Done(); {
			rec := iter.Next()
			msg := Message{
				Topic:     rec.Topic,
				Key:       string(rec.Key),
				Value:     rec.Value,
				Offset:    rec.Offset,
				Partition: rec.Partition,
				Timestamp: rec.Timestamp.UnixMilli(),
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// release closes a consumer whose subscription ended, leaving its group.
func (b *RedpandaBroker) release(key string, consumer *kgo.Client) {
	b.mu.Lock()
	if b.consumers[key] == consumer {
		delete(b.consumers, key)
	}
	b.mu.Unlock()
	consumer.Close()
}

// Close closes the producer and every open consumer.
func (b *RedpandaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = make(map[string]*kgo.Client)
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	b.producer.Close()
	return nil
}
