package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind discriminates notification event payloads on the bus.
type EventKind string

const (
	EventMessageNew    EventKind = "message:new"
	EventMessageStatus EventKind = "message:status"
	EventUserPresence  EventKind = "user:presence"
)

// ErrUnknownEventKind is returned when an event carries an unrecognized kind.
// Such events are dropped rather than passed through untyped.
var ErrUnknownEventKind = errors.New("models: unknown event kind")

// Event is the envelope carried on the event bus. The payload is decoded per
// kind; consumers must reject envelopes whose payload does not match the kind.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Recipients []string        `json:"recipients"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// NewMessagePayload accompanies message:new events.
type NewMessagePayload struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
}

// StatusPayload accompanies message:status events.
type StatusPayload struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	UserID         string        `json:"userId"`
	Status         DeliveryState `json:"status"`
	OccurredAt     time.Time     `json:"occurredAt"`
}

// PresencePayload accompanies user:presence events.
type PresencePayload struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewMessageEvent builds a message:new envelope targeting the given recipients.
func NewMessageEvent(message Message, conversationID string, recipients []string, occurredAt time.Time) (Event, error) {
	return newEvent(EventMessageNew, recipients, occurredAt, NewMessagePayload{
		Message:        message,
		ConversationID: conversationID,
	})
}

// NewStatusEvent builds a message:status envelope targeting the given recipients.
func NewStatusEvent(payload StatusPayload, recipients []string) (Event, error) {
	return newEvent(EventMessageStatus, recipients, payload.OccurredAt, payload)
}

// NewPresenceEvent builds a user:presence envelope. An empty recipient list
// means the event is broadcast to every locally connected user.
func NewPresenceEvent(payload PresencePayload) (Event, error) {
	return newEvent(EventUserPresence, nil, payload.OccurredAt, payload)
}

func newEvent(kind EventKind, recipients []string, occurredAt time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("models: marshal %s payload: %w", kind, err)
	}
	return Event{
		Kind:       kind,
		Recipients: recipients,
		OccurredAt: occurredAt.UTC(),
		Payload:    raw,
	}, nil
}

// DecodeEvent parses and validates an event envelope from raw bus bytes. The
// payload is decoded eagerly so malformed events are rejected at the boundary.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("models: decode event envelope: %w", err)
	}

	switch event.Kind {
	case EventMessageNew:
		var payload NewMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return Event{}, fmt.Errorf("models: decode %s payload: %w", event.Kind, err)
		}
		if payload.Message.ID == "" || payload.ConversationID == "" {
			return Event{}, fmt.Errorf("models: %s payload missing identifiers", event.Kind)
		}
	case EventMessageStatus:
		var payload StatusPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return Event{}, fmt.Errorf("models: decode %s payload: %w", event.Kind, err)
		}
		if payload.MessageID == "" || payload.UserID == "" {
			return Event{}, fmt.Errorf("models: %s payload missing identifiers", event.Kind)
		}
	case EventUserPresence:
		var payload PresencePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return Event{}, fmt.Errorf("models: decode %s payload: %w", event.Kind, err)
		}
		if payload.UserID == "" {
			return Event{}, fmt.Errorf("models: %s payload missing user id", event.Kind)
		}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, event.Kind)
	}

	return event, nil
}

// NewMessage decodes the payload of a message:new event.
func (e Event) NewMessage() (NewMessagePayload, error) {
	var payload NewMessagePayload
	if e.Kind != EventMessageNew {
		return payload, fmt.Errorf("models: event kind is %s, not %s", e.Kind, EventMessageNew)
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, fmt.Errorf("models: decode %s payload: %w", e.Kind, err)
	}
	return payload, nil
}

// Status decodes the payload of a message:status event.
func (e Event) Status() (StatusPayload, error) {
	var payload StatusPayload
	if e.Kind != EventMessageStatus {
		return payload, fmt.Errorf("models: event kind is %s, not %s", e.Kind, EventMessageStatus)
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, fmt.Errorf("models: decode %s payload: %w", e.Kind, err)
	}
	return payload, nil
}

// Presence decodes the payload of a user:presence event.
func (e Event) Presence() (PresencePayload, error) {
	var payload PresencePayload
	if e.Kind != EventUserPresence {
		return payload, fmt.Errorf("models: event kind is %s, not %s", e.Kind, EventUserPresence)
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, fmt.Errorf("models: decode %s payload: %w", e.Kind, err)
	}
	return payload, nil
}

// ClientFrame is the JSON shape written to websocket clients during fanout.
type ClientFrame struct {
	Type      EventKind       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Frame converts the event into the client-facing websocket frame.
func (e Event) Frame() ([]byte, error) {
	return json.Marshal(ClientFrame{
		Type:      e.Kind,
		Payload:   e.Payload,
		Timestamp: e.OccurredAt,
	})
}
