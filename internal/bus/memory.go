package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haivu-dev/courier/pkg/logger"
)

// MemoryBus is an in-process Bus used by tests and local development. Every
// subscription on a topic receives every published message (the broadcast
// model this service assumes). Delivery is synchronous inside Publish so
// tests observe effects deterministically; handler errors trigger immediate
// redelivery up to maxAttempts, mimicking at-least-once semantics.
type MemoryBus struct {
	mu          sync.RWMutex
	topics      map[string]struct{}
	subs        map[string]*memorySubscription
	maxAttempts int
	closed      bool
	log         *zap.Logger
}

type memorySubscription struct {
	topic   string
	handler Handler
}

// NewMemoryBus constructs an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics:      make(map[string]struct{}),
		subs:        make(map[string]*memorySubscription),
		maxAttempts: 3,
		log:         logger.WithModule("bus"),
	}
}

// Publish delivers the message synchronously to every attached subscription
// on the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("bus: bus is closed")
	}
	if _, ok := b.topics[topic]; !ok {
		b.mu.RUnlock()
		return fmt.Errorf("bus: topic %s does not exist", topic)
	}
	var handlers []Handler
	for _, sub := range b.subs {
		if sub.topic == topic && sub.handler != nil {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	msg := Message{
		ID:          fmt.Sprintf("mem-%d", time.Now().UnixNano()),
		Data:        append([]byte(nil), data...),
		Attributes:  attrs,
		PublishTime: time.Now().UTC(),
	}

	for _, handler := range handlers {
		b.deliver(ctx, handler, msg)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, handler Handler, msg Message) {
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := b.invoke(ctx, handler, msg); err != nil {
			b.log.Warn("memory bus redelivering", zap.String("message_id", msg.ID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return
	}
}

func (b *MemoryBus) invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("bus: handler panic: %v", rec)
		}
	}()
	return handler(ctx, msg)
}

// PublishJSON marshals v and publishes it.
func (b *MemoryBus) PublishJSON(ctx context.Context, topic string, v any, attrs map[string]string) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, data, attrs)
}

// Subscribe attaches the handler to an existing subscription.
func (b *MemoryBus) Subscribe(ctx context.Context, subscription string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscription]
	if !ok {
		return fmt.Errorf("bus: subscription %s does not exist", subscription)
	}
	if sub.handler != nil {
		return fmt.Errorf("bus: already subscribed to %s", subscription)
	}
	sub.handler = handler
	return nil
}

// Unsubscribe detaches the handler from the subscription.
func (b *MemoryBus) Unsubscribe(subscription string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscription]
	if !ok || sub.handler == nil {
		return fmt.Errorf("bus: not subscribed to %s", subscription)
	}
	sub.handler = nil
	return nil
}

// CreateTopic registers the topic; creating an existing topic is a no-op.
func (b *MemoryBus) CreateTopic(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = struct{}{}
	return nil
}

// CreateSubscription binds a named subscription to a topic.
func (b *MemoryBus) CreateSubscription(ctx context.Context, topic, subscription string, cfg SubscriptionConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; !ok {
		return fmt.Errorf("bus: topic %s does not exist", topic)
	}
	if _, ok := b.subs[subscription]; ok {
		return nil
	}
	b.subs[subscription] = &memorySubscription{topic: topic}
	return nil
}

// DeleteSubscription removes the subscription entirely.
func (b *MemoryBus) DeleteSubscription(ctx context.Context, subscription string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subscription)
	return nil
}

// CheckHealth reports healthy while the bus is open.
func (b *MemoryBus) CheckHealth(ctx context.Context) HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return HealthStatus{Healthy: false, Details: "bus closed"}
	}
	return HealthStatus{Healthy: true}
}

// Close marks the bus closed; further publishes fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
