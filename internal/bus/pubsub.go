package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/haivu-dev/courier/pkg/logger"
)

const defaultAckDeadline = 10 * time.Second

// PubSubConfig bundles the options required to build a Pub/Sub-backed bus.
type PubSubConfig struct {
	ProjectID       string
	CredentialsFile string

	// HealthTopic is the topic probed by CheckHealth.
	HealthTopic string
}

// PubSubBus implements Bus on top of Google Cloud Pub/Sub.
type PubSubBus struct {
	client      *pubsub.Client
	projectID   string
	healthTopic string
	log         *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]context.CancelFunc
	closed bool
}

// NewPubSubBus connects a Pub/Sub client using the provided configuration.
func NewPubSubBus(ctx context.Context, cfg PubSubConfig) (*PubSubBus, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("bus: pubsub project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: create pubsub client: %w", err)
	}

	return &PubSubBus{
		client:      client,
		projectID:   cfg.ProjectID,
		healthTopic: cfg.HealthTopic,
		log:         logger.WithModule("bus"),
		topics:      make(map[string]*pubsub.Topic),
		subs:        make(map[string]context.CancelFunc),
	}, nil
}

func (b *PubSubBus) topic(name string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t
	}
	t := b.client.Topic(name)
	b.topics[name] = t
	return t
}

// Publish sends raw bytes with attributes and waits for the server ack.
func (b *PubSubBus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) error {
	result := b.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (b *PubSubBus) PublishJSON(ctx context.Context, topic string, v any, attrs map[string]string) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, data, attrs)
}

// Subscribe starts a background receive loop on the named subscription.
// Handler errors nack the message for redelivery; handler panics are
// recovered, logged, and nacked so the loop survives.
func (b *PubSubBus) Subscribe(ctx context.Context, subscription string, handler Handler) error {
	sub := b.client.Subscription(subscription)

	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("bus: check subscription %s: %w", subscription, err)
	}
	if !exists {
		return fmt.Errorf("bus: subscription %s does not exist", subscription)
	}

	recvCtx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return errors.New("bus: bus is closed")
	}
	if _, ok := b.subs[subscription]; ok {
		b.mu.Unlock()
		cancel()
		return fmt.Errorf("bus: already subscribed to %s", subscription)
	}
	b.subs[subscription] = cancel
	b.mu.Unlock()

	go func() {
		err := sub.Receive(recvCtx, func(ctx context.Context, m *pubsub.Message) {
			b.dispatch(ctx, handler, m)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("subscription receive loop ended", zap.String("subscription", subscription), zap.Error(err))
		}
	}()

	b.log.Info("subscribed", zap.String("subscription", subscription))
	return nil
}

func (b *PubSubBus) dispatch(ctx context.Context, handler Handler, m *pubsub.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("handler panic recovered", zap.Any("panic", rec), zap.String("message_id", m.ID))
			m.Nack()
		}
	}()

	err := handler(ctx, Message{
		ID:          m.ID,
		Data:        m.Data,
		Attributes:  m.Attributes,
		PublishTime: m.PublishTime,
	})
	if err != nil {
		b.log.Warn("handler failed, nacking for redelivery", zap.String("message_id", m.ID), zap.Error(err))
		m.Nack()
		return
	}
	m.Ack()
}

// Unsubscribe stops the receive loop for the named subscription.
func (b *PubSubBus) Unsubscribe(subscription string) error {
	b.mu.Lock()
	cancel, ok := b.subs[subscription]
	delete(b.subs, subscription)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("bus: not subscribed to %s", subscription)
	}
	cancel()
	return nil
}

// CreateTopic creates the topic if it does not already exist.
func (b *PubSubBus) CreateTopic(ctx context.Context, topic string) error {
	t := b.client.Topic(topic)
	exists, err := t.Exists(ctx)
	if err != nil {
		return fmt.Errorf("bus: check topic %s: %w", topic, err)
	}
	if exists {
		return nil
	}
	if _, err := b.client.CreateTopic(ctx, topic); err != nil {
		return fmt.Errorf("bus: create topic %s: %w", topic, err)
	}
	b.log.Info("created topic", zap.String("topic", topic))
	return nil
}

// CreateSubscription creates the subscription if it does not already exist.
func (b *PubSubBus) CreateSubscription(ctx context.Context, topic, subscription string, cfg SubscriptionConfig) error {
	sub := b.client.Subscription(subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("bus: check subscription %s: %w", subscription, err)
	}
	if exists {
		return nil
	}

	ackDeadline := cfg.AckDeadline
	if ackDeadline <= 0 {
		ackDeadline = defaultAckDeadline
	}

	subCfg := pubsub.SubscriptionConfig{
		Topic:                 b.topic(topic),
		AckDeadline:           ackDeadline,
		EnableMessageOrdering: cfg.EnableOrdering,
		Filter:                cfg.Filter,
	}
	if cfg.DeadLetterTopic != "" {
		attempts := cfg.MaxDeliveryAttempts
		if attempts <= 0 {
			attempts = 5
		}
		subCfg.DeadLetterPolicy = &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     fmt.Sprintf("projects/%s/topics/%s", b.projectID, cfg.DeadLetterTopic),
			MaxDeliveryAttempts: attempts,
		}
	}

	created, err := b.client.CreateSubscription(ctx, subscription, subCfg)
	if err != nil {
		return fmt.Errorf("bus: create subscription %s: %w", subscription, err)
	}
	if cfg.MaxOutstanding > 0 {
		created.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	b.log.Info("created subscription", zap.String("subscription", subscription), zap.String("topic", topic))
	return nil
}

// DeleteSubscription removes the subscription, used for ephemeral per-process
// subscriptions on clean shutdown.
func (b *PubSubBus) DeleteSubscription(ctx context.Context, subscription string) error {
	if err := b.client.Subscription(subscription).Delete(ctx); err != nil {
		return fmt.Errorf("bus: delete subscription %s: %w", subscription, err)
	}
	return nil
}

// CheckHealth probes the configured health topic.
func (b *PubSubBus) CheckHealth(ctx context.Context) HealthStatus {
	if b.healthTopic == "" {
		return HealthStatus{Healthy: true, Details: "no health topic configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := b.client.Topic(b.healthTopic).Exists(ctx)
	if err != nil {
		return HealthStatus{Healthy: false, Details: err.Error()}
	}
	if !exists {
		return HealthStatus{Healthy: false, Details: fmt.Sprintf("topic %s missing", b.healthTopic)}
	}
	return HealthStatus{Healthy: true}
}

// Close stops all receive loops, flushes publishers, and closes the client.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.subs))
	for _, cancel := range b.subs {
		cancels = append(cancels, cancel)
	}
	b.subs = make(map[string]context.CancelFunc)
	topics := make([]*pubsub.Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*pubsub.Topic)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, t := range topics {
		t.Stop()
	}

	var errs error
	if err := b.client.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("bus: close client: %w", err))
	}
	return errs
}
