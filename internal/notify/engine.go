package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/haivu-dev/courier/internal/bus"
	"github.com/haivu-dev/courier/internal/models"
	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/internal/registry"
	"github.com/haivu-dev/courier/internal/store"
	"github.com/haivu-dev/courier/pkg/logger"
	"github.com/haivu-dev/courier/pkg/metrics"
)

// DefaultTopic is the well-known events topic shared by every process.
const DefaultTopic = "courier-events"

// Collection names shared with the REST surface.
const (
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
	ParticipantsSub         = "participants"
	StatusesSub             = "statuses"
)

const statusUpdateTimeout = 10 * time.Second

// Engine orchestrates message delivery: recipient computation, SENT status
// batch writes, bus publishing, local fanout, and the DELIVERED/READ
// transitions.
//
// Primary operations (HandleNewMessage, MarkAsRead) propagate store and bus
// failures to the caller. Best-effort paths (the DELIVERED update after a
// successful local send) log failures and never propagate them.
type Engine struct {
	store    store.Store
	bus      bus.Bus
	registry *registry.Registry
	topic    string
	log      *zap.Logger
	now      func() time.Time
}

// Option customises the Engine.
type Option func(*Engine)

// WithTopic overrides the events topic.
func WithTopic(topic string) Option {
	return func(e *Engine) {
		if topic != "" {
			e.topic = topic
		}
	}
}

// WithClock overrides the engine clock, primarily for testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs the notification engine.
func NewEngine(st store.Store, b bus.Bus, reg *registry.Registry, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("notify: store is required")
	}
	if b == nil {
		return nil, errors.New("notify: bus is required")
	}
	if reg == nil {
		return nil, errors.New("notify: registry is required")
	}

	engine := &Engine{
		store:    st,
		bus:      b,
		registry: reg,
		topic:    DefaultTopic,
		log:      logger.WithModule("notify"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Topic returns the events topic the engine publishes to.
func (e *Engine) Topic() string { return e.topic }

// Now exposes the engine clock so callers stamp documents consistently.
func (e *Engine) Now() time.Time { return e.now() }

// HandleNewMessage computes recipients from the conversation participants,
// batch-creates SENT status records, and publishes a message:new event. Store
// and bus failures propagate so the message-creation flow can fail the
// user-facing request.
func (e *Engine) HandleNewMessage(ctx context.Context, message models.Message, conversationID string) error {
	if message.ID == "" {
		return errors.New("notify: message id is required")
	}
	if conversationID == "" {
		return errors.New("notify: conversation id is required")
	}

	recipients, err := e.recipients(ctx, conversationID, message.SenderID)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		e.log.Debug("no recipients, skipping fanout",
			zap.String("message_id", message.ID),
			zap.String("conversation_id", conversationID))
		return nil
	}

	now := e.now().UTC()
	statusPath := store.Subcollection(MessagesCollection, message.ID, StatusesSub)
	ops := make([]store.WriteOp, 0, len(recipients))
	for _, userID := range recipients {
		ops = append(ops, store.WriteOp{
			Type:       store.OpCreate,
			Collection: statusPath,
			ID:         userID,
			Data: models.DeliveryStatus{
				UserID: userID,
				Status: models.StatusSent,
				SentAt: now,
			},
		})
	}
	if err := e.store.BatchWrite(ctx, ops); err != nil {
		return fmt.Errorf("notify: write sent statuses for %s: %w", message.ID, err)
	}
	metrics.StatusTransitions.WithLabelValues(string(models.StatusSent)).Add(float64(len(recipients)))

	event, err := models.NewMessageEvent(message, conversationID, recipients, now)
	if err != nil {
		return err
	}
	if err := e.publish(ctx, event, map[string]string{
		"kind":            string(models.EventMessageNew),
		"conversation_id": conversationID,
		"sender_id":       message.SenderID,
	}); err != nil {
		return err
	}
	return nil
}

// recipients returns the conversation participants minus the sender.
func (e *Engine) recipients(ctx context.Context, conversationID, senderID string) ([]string, error) {
	path := store.Subcollection(ConversationsCollection, conversationID, ParticipantsSub)
	snaps, err := e.store.Find(ctx, path, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("notify: load participants for %s: %w", conversationID, err)
	}

	recipients := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		var participant models.Participant
		if err := snap.DataTo(&participant); err != nil {
			return nil, fmt.Errorf("notify: decode participant %s: %w", snap.ID(), err)
		}
		userID := participant.UserID
		if userID == "" {
			userID = snap.ID()
		}
		if userID == senderID {
			continue
		}
		recipients = append(recipients, userID)
	}
	return recipients, nil
}

// MarkAsRead transitions the reader's status record to READ and notifies the
// message sender. A missing status record is a tolerated race: one is created
// directly in READ state. A missing message is a benign no-op.
func (e *Engine) MarkAsRead(ctx context.Context, messageID, conversationID, readerID string) error {
	if messageID == "" || readerID == "" {
		return errors.New("notify: message id and reader id are required")
	}

	now := e.now().UTC()
	statusPath := store.Subcollection(MessagesCollection, messageID, StatusesSub)

	err := e.store.Update(ctx, statusPath, readerID, []store.Update{
		{Field: "status", Value: models.StatusRead},
		{Field: "readAt", Value: now},
	})
	if errors.Is(err, store.ErrNotFound) {
		// Read receipt arrived before the SENT batch landed.
		err = e.store.Create(ctx, statusPath, readerID, models.DeliveryStatus{
			UserID: readerID,
			Status: models.StatusRead,
			SentAt: now,
			ReadAt: &now,
		})
	}
	if err != nil {
		return fmt.Errorf("notify: mark %s read for %s: %w", messageID, readerID, err)
	}
	metrics.StatusTransitions.WithLabelValues(string(models.StatusRead)).Inc()

	snap, err := e.store.FindByID(ctx, MessagesCollection, messageID)
	if errors.Is(err, store.ErrNotFound) {
		// Without the message we cannot target the sender; the status record
		// is already updated, so stop here.
		e.log.Debug("message missing, skipping read receipt", zap.String("message_id", messageID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: load message %s: %w", messageID, err)
	}

	var message models.Message
	if err := snap.DataTo(&message); err != nil {
		return fmt.Errorf("notify: decode message %s: %w", messageID, err)
	}

	event, err := models.NewStatusEvent(models.StatusPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         readerID,
		Status:         models.StatusRead,
		OccurredAt:     now,
	}, []string{message.SenderID})
	if err != nil {
		return err
	}
	return e.publish(ctx, event, map[string]string{
		"kind":            string(models.EventMessageStatus),
		"conversation_id": conversationID,
		"sender_id":       message.SenderID,
	})
}

func (e *Engine) publish(ctx context.Context, event models.Event, attrs map[string]string) error {
	if err := e.bus.PublishJSON(ctx, e.topic, event, attrs); err != nil {
		return fmt.Errorf("notify: publish %s event: %w", event.Kind, err)
	}
	metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
	return nil
}

// HandleBusEvent is the subscription handler run on every process. Malformed
// payloads are logged and dropped; per-connection send failures are isolated;
// the DELIVERED transition after a successful local send is asynchronous and
// best-effort. The handler always acks: fanout work is either done or not
// worth redelivering.
func (e *Engine) HandleBusEvent(ctx context.Context, msg bus.Message) error {
	event, err := models.DecodeEvent(msg.Data)
	if err != nil {
		e.log.Warn("dropping malformed event", zap.String("message_id", msg.ID), zap.Error(err))
		metrics.EventsConsumed.WithLabelValues("unknown", "malformed").Inc()
		monitoring.RecordEventDropped()
		return nil
	}

	recipients := event.Recipients
	if len(recipients) == 0 {
		if event.Kind != models.EventUserPresence {
			metrics.EventsConsumed.WithLabelValues(string(event.Kind), "skipped").Inc()
			return nil
		}
		// Presence events with no explicit targets reach every local user.
		recipients = e.registry.Users()
	}

	frame, err := event.Frame()
	if err != nil {
		e.log.Warn("dropping unframeable event", zap.String("message_id", msg.ID), zap.Error(err))
		metrics.EventsConsumed.WithLabelValues(string(event.Kind), "malformed").Inc()
		return nil
	}

	delivered := false
	for _, userID := range recipients {
		conns := e.registry.ConnectionsFor(userID)
		if len(conns) == 0 {
			// Not connected to this process; another process handles them.
			continue
		}

		sent := false
		for _, conn := range conns {
			err := conn.Send(frame)
			monitoring.RecordDelivery(userID, conn.ID(), err)
			if err != nil {
				e.log.Warn("send failed",
					zap.String("user_id", userID),
					zap.String("conn_id", conn.ID()),
					zap.Error(err))
				metrics.PayloadsDelivered.WithLabelValues("error").Inc()
				continue
			}
			metrics.PayloadsDelivered.WithLabelValues("ok").Inc()
			sent = true
		}

		if sent && event.Kind == models.EventMessageNew {
			payload, err := event.NewMessage()
			if err != nil {
				continue
			}
			go e.markDelivered(payload.Message.ID, userID)
		}
		if sent {
			delivered = true
		}
	}

	result := "skipped"
	if delivered {
		result = "delivered"
	}
	metrics.EventsConsumed.WithLabelValues(string(event.Kind), result).Inc()
	monitoring.RecordEventConsumed()
	return nil
}

// markDelivered advances the recipient's status record to DELIVERED with a
// forward-only rank check, so a late DELIVERED never regresses READ. Failures
// are logged and swallowed: the payload already reached the client.
func (e *Engine) markDelivered(messageID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer cancel()

	now := e.now().UTC()
	statusPath := store.Subcollection(MessagesCollection, messageID, StatusesSub)

	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		snap, err := tx.Get(statusPath, userID)
		if errors.Is(err, store.ErrNotFound) {
			// Fanout outran the SENT batch; record the delivery directly.
			return tx.Create(statusPath, userID, models.DeliveryStatus{
				UserID:      userID,
				Status:      models.StatusDelivered,
				SentAt:      now,
				DeliveredAt: &now,
			})
		}
		if err != nil {
			return err
		}

		var current models.DeliveryStatus
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if current.Status.Rank() >= models.StatusDelivered.Rank() {
			return nil
		}
		return tx.Update(statusPath, userID, []store.Update{
			{Field: "status", Value: models.StatusDelivered},
			{Field: "deliveredAt", Value: now},
		})
	})
	if err != nil {
		e.log.Warn("delivered status update failed",
			zap.String("message_id", messageID),
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(models.StatusDelivered)).Inc()
}
