package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one delivery from the bus. The same message may be delivered
// more than once; handlers must be idempotent.
type Message struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time
}

// Handler processes a single bus delivery. Returning nil acks the message;
// returning an error nacks it for redelivery. Handlers must never panic the
// subscriber loop; panics are recovered and treated as nacks.
type Handler func(ctx context.Context, msg Message) error

// SubscriptionConfig controls subscription creation.
type SubscriptionConfig struct {
	AckDeadline         time.Duration
	MaxOutstanding      int
	EnableOrdering      bool
	Filter              string
	DeadLetterTopic     string
	MaxDeliveryAttempts int
}

// HealthStatus reports bus reachability for diagnostics.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Details string `json:"details,omitempty"`
}

// Bus is the event bus contract: publish/subscribe with at-least-once
// delivery and manual ack/nack via handler results.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) error
	PublishJSON(ctx context.Context, topic string, v any, attrs map[string]string) error

	// Subscribe starts a background receive loop feeding the handler. It
	// returns once the loop is running; delivery failures are retried by the
	// underlying transport.
	Subscribe(ctx context.Context, subscription string, handler Handler) error
	Unsubscribe(subscription string) error

	CreateTopic(ctx context.Context, topic string) error
	CreateSubscription(ctx context.Context, topic, subscription string, cfg SubscriptionConfig) error
	DeleteSubscription(ctx context.Context, subscription string) error

	CheckHealth(ctx context.Context) HealthStatus
	Close() error
}

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bus: encode payload: %w", err)
	}
	return data, nil
}
