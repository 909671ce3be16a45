package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haivu-dev/courier/internal/bus"
	"github.com/haivu-dev/courier/internal/models"
	"github.com/haivu-dev/courier/internal/notify"
	"github.com/haivu-dev/courier/internal/store"
	"github.com/haivu-dev/courier/pkg/logger"
	"github.com/haivu-dev/courier/pkg/metrics"
)

// UsersCollection is the top-level collection holding user presence documents.
const UsersCollection = "users"

// PresenceService persists online/offline state and announces transitions to
// every process through the event bus. Persistence failures are returned to
// the caller; a failed announcement is logged and swallowed because the
// stored state is already authoritative.
type PresenceService struct {
	store store.Store
	bus   bus.Bus
	topic string
	log   *zap.Logger
	now   func() time.Time
}

// PresenceOption customises a PresenceService.
type PresenceOption func(*PresenceService)

// WithPresenceTopic overrides the bus topic presence events are published to.
func WithPresenceTopic(topic string) PresenceOption {
	return func(s *PresenceService) {
		if strings.TrimSpace(topic) != "" {
			s.topic = topic
		}
	}
}

// WithPresenceClock injects a deterministic clock for tests.
func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(s *PresenceService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPresenceService constructs a PresenceService.
func NewPresenceService(st store.Store, b bus.Bus, opts ...PresenceOption) (*PresenceService, error) {
	if st == nil {
		return nil, errors.New("presence service: store is required")
	}
	if b == nil {
		return nil, errors.New("presence service: bus is required")
	}
	svc := &PresenceService{
		store: st,
		bus:   b,
		topic: notify.DefaultTopic,
		log:   logger.WithModule("services.presence"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// MarkOnline records that the user has at least one live connection.
func (s *PresenceService) MarkOnline(ctx context.Context, userID string) error {
	return s.mark(ctx, userID, true)
}

// MarkOffline records that the user's last connection is gone.
func (s *PresenceService) MarkOffline(ctx context.Context, userID string) error {
	return s.mark(ctx, userID, false)
}

func (s *PresenceService) mark(ctx context.Context, userID string, online bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("presence service: user id is required")
	}

	now := s.now().UTC()
	err := s.store.Update(ctx, UsersCollection, userID, []store.Update{
		{Field: "online", Value: online},
		{Field: "lastSeenAt", Value: now},
	})
	if errors.Is(err, store.ErrNotFound) {
		err = s.store.Create(ctx, UsersCollection, userID, models.User{
			ID:         userID,
			Online:     online,
			LastSeenAt: now,
		})
	}
	if err != nil {
		return fmt.Errorf("presence service: mark %s online=%t: %w", userID, online, err)
	}

	event, err := models.NewPresenceEvent(models.PresencePayload{
		UserID:     userID,
		Online:     online,
		OccurredAt: now,
	})
	if err != nil {
		return err
	}
	if err := s.bus.PublishJSON(ctx, s.topic, event, map[string]string{
		"kind":    string(models.EventUserPresence),
		"user_id": userID,
	}); err != nil {
		s.log.Warn("presence event publish failed",
			zap.String("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err))
		return nil
	}
	metrics.EventsPublished.WithLabelValues(string(models.EventUserPresence)).Inc()
	return nil
}

// Snapshot returns the stored presence document for a user.
func (s *PresenceService) Snapshot(ctx context.Context, userID string) (models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.User{}, errors.New("presence service: user id is required")
	}
	snap, err := s.store.FindByID(ctx, UsersCollection, userID)
	if err != nil {
		return models.User{}, fmt.Errorf("presence service: load %s: %w", userID, err)
	}
	var user models.User
	if err := snap.DataTo(&user); err != nil {
		return models.User{}, fmt.Errorf("presence service: decode %s: %w", userID, err)
	}
	return user, nil
}
