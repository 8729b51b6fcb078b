package broker

import (
	"context"
	"sync"
	"time"
)

// InMemoryBroker is a single-process implementation of Broker.
// Each consumer group on a topic receives every message once; members of
// the same group share messages round-robin.
type InMemoryBroker struct {
	mu     sync.Mutex
	topics map[string]map[string]*group // topic -> groupID -> members
	closed bool
}

type group struct {
	members []chan Message
	next    int
}

// NewInMemoryBroker creates a new InMemoryBroker instance.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		topics: make(map[string]map[string]*group),
	}
}

// Publish delivers a message to one member of every group subscribed to the topic.
func (b *InMemoryBroker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errClosed
	}

	msg := Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	}

	var targets []chan Message
	for _, g := range b.topics[topic] {
		if len(g.members) == 0 {
			continue
		}
		targets = append(targets, g.members[g.next%len(g.members)])
		g.next++
	}
	b.mu.Unlock()

	for _, ch := range targets {
		if err := deliver(ctx, ch, msg); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends msg unless the subscriber has gone away or ctx ends.
func deliver(ctx context.Context, ch chan Message, msg Message) (err error) {
	defer func() {
		// The subscriber's channel was closed by unsubscribe.
		if recover() != nil {
			err = nil
		}
	}()
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a consumer for topic in groupID. The channel is
// closed when ctx ends or the broker closes.
func (b *InMemoryBroker) Subscribe(ctx context.Context, topic string, groupID string, _ ...SubscribeOption) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}

	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*group)
		b.topics[topic] = groups
	}
	g, ok := groups[groupID]
	if !ok {
		g = &group{}
		groups[groupID] = g
	}

	ch := make(chan Message, 100)
	g.members = append(g.members, ch)

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, groupID, ch)
	}()

	return ch, nil
}

func (b *InMemoryBroker) unsubscribe(topic, groupID string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.topics[topic][groupID]
	if !ok {
		return
	}
	for i, member := range g.members {
		if member == ch {
			g.members = append(g.members[:i], g.members[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close closes every subscriber channel.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, groups := range b.topics {
		for _, g := range groups {
			for _, ch := range g.members {
				close(ch)
			}
			g.members = nil
		}
	}
	return nil
}
