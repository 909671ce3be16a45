package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haivu-dev/courier/internal/bus"
	"github.com/haivu-dev/courier/internal/models"
	"github.com/haivu-dev/courier/internal/registry"
	"github.com/haivu-dev/courier/internal/store"
)

type fakeConn struct {
	id     string
	userID string

	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error { return nil }

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type fixture struct {
	engine   *Engine
	store    *store.MemoryStore
	bus      *bus.MemoryBus
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	mb := bus.NewMemoryBus()
	reg := registry.New()

	engine, err := NewEngine(st, mb, reg)
	require.NoError(t, err)

	require.NoError(t, mb.CreateTopic(ctx, engine.Topic()))
	require.NoError(t, mb.CreateSubscription(ctx, engine.Topic(), "proc-test", bus.SubscriptionConfig{}))
	require.NoError(t, mb.Subscribe(ctx, "proc-test", engine.HandleBusEvent))

	return &fixture{engine: engine, store: st, bus: mb, registry: reg}
}

func (f *fixture) seedConversation(t *testing.T, conversationID string, participants ...string) {
	t.Helper()
	path := store.Subcollection(ConversationsCollection, conversationID, ParticipantsSub)
	for _, userID := range participants {
		require.NoError(t, f.store.Create(context.Background(), path, userID, models.Participant{
			UserID:   userID,
			JoinedAt: time.Now().UTC(),
		}))
	}
}

func (f *fixture) seedMessage(t *testing.T, msg models.Message) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), MessagesCollection, msg.ID, msg))
}

func (f *fixture) status(t *testing.T, messageID, userID string) (models.DeliveryStatus, bool) {
	t.Helper()
	path := store.Subcollection(MessagesCollection, messageID, StatusesSub)
	snap, err := f.store.FindByID(context.Background(), path, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.DeliveryStatus{}, false
	}
	require.NoError(t, err)

	var status models.DeliveryStatus
	require.NoError(t, snap.DataTo(&status))
	return status, true
}

func testMessage(id, conversationID, senderID string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderID,
		Type:           models.MessageTypeText,
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
	}
}

func TestHandleNewMessageExcludesSender(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "alice", "bob", "carol")

	msg := testMessage("msg-1", "conv-1", "alice")
	f.seedMessage(t, msg)
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), msg, "conv-1"))

	for _, userID := range []string{"bob", "carol"} {
		status, ok := f.status(t, "msg-1", userID)
		require.True(t, ok, "expected status record for %s", userID)
		require.Equal(t, models.StatusSent, status.Status)
		require.False(t, status.SentAt.IsZero())
	}

	_, ok := f.status(t, "msg-1", "alice")
	require.False(t, ok, "sender must never get a status record")
}

func TestHandleNewMessageEmptyRecipientsIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-solo", "alice")

	var published int
	require.NoError(t, f.bus.CreateSubscription(context.Background(), f.engine.Topic(), "recorder", bus.SubscriptionConfig{}))
	require.NoError(t, f.bus.Subscribe(context.Background(), "recorder", func(ctx context.Context, msg bus.Message) error {
		published++
		return nil
	}))

	msg := testMessage("msg-solo", "conv-solo", "alice")
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), msg, "conv-solo"))

	require.Zero(t, published, "no event may be published without recipients")
	count, err := f.store.Count(context.Background(), store.Subcollection(MessagesCollection, "msg-solo", StatusesSub), store.Query{})
	require.NoError(t, err)
	require.Zero(t, count, "no status batch may be written without recipients")
}

func TestFanoutDeliversAndMarksDelivered(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "alice", "bob")

	conn := &fakeConn{id: "c1", userID: "bob"}
	f.registry.Register("bob", conn)

	msg := testMessage("msg-2", "conv-1", "alice")
	f.seedMessage(t, msg)
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), msg, "conv-1"))

	require.Equal(t, 1, conn.received())

	require.Eventually(t, func() bool {
		status, ok := f.status(t, "msg-2", "bob")
		return ok && status.Status == models.StatusDelivered && status.DeliveredAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFanoutSkipsOfflineRecipients(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "alice", "bob", "carol")

	conn := &fakeConn{id: "c1", userID: "bob"}
	f.registry.Register("bob", conn)

	msg := testMessage("msg-3", "conv-1", "alice")
	f.seedMessage(t, msg)
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), msg, "conv-1"))

	require.Eventually(t, func() bool {
		status, _ := f.status(t, "msg-3", "bob")
		return status.Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	// carol has no local connection: her record must stay SENT.
	status, ok := f.status(t, "msg-3", "carol")
	require.True(t, ok)
	require.Equal(t, models.StatusSent, status.Status)
}

func TestFanoutIsolatesFailingConnection(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "alice", "bob")

	broken := &fakeConn{id: "c-broken", userID: "bob", sendErr: errors.New("socket gone")}
	healthy1 := &fakeConn{id: "c-ok-1", userID: "bob"}
	healthy2 := &fakeConn{id: "c-ok-2", userID: "bob"}
	f.registry.Register("bob", broken)
	f.registry.Register("bob", healthy1)
	f.registry.Register("bob", healthy2)

	msg := testMessage("msg-4", "conv-1", "alice")
	f.seedMessage(t, msg)
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), msg, "conv-1"))

	require.Equal(t, 1, healthy1.received())
	require.Equal(t, 1, healthy2.received())
	require.Equal(t, 0, broken.received())
}

func TestDuplicateEventsAreHarmless(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "alice", "bob")

	conn := &fakeConn{id: "c1", userID: "bob"}
	f.registry.Register("bob", conn)

	msg := testMessage("msg-5", "conv-1", "alice")
	f.seedMessage(t, msg)

	event, err := models.NewMessageEvent(msg, "conv-1", []string{"bob"}, time.Now().UTC())
	require.NoError(t, err)
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	busMsg := bus.Message{ID: "m-1", Data: payload}
	require.NoError(t, f.engine.HandleBusEvent(context.Background(), busMsg))
	require.NoError(t, f.engine.HandleBusEvent(context.Background(), busMsg))

	// The client simply sees the payload twice and dedupes by message id.
	require.Equal(t, 2, conn.received())
}

func TestDeliveredNeverRegressesRead(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "alice", "bob")

	msg := testMessage("msg-6", "conv-1", "alice")
	f.seedMessage(t, msg)
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), msg, "conv-1"))
	require.NoError(t, f.engine.MarkAsRead(context.Background(), "msg-6", "conv-1", "bob"))

	// A late DELIVERED transition must be a silent no-op.
	f.engine.markDelivered("msg-6", "bob")

	status, ok := f.status(t, "msg-6", "bob")
	require.True(t, ok)
	require.Equal(t, models.StatusRead, status.Status)
	require.NotNil(t, status.ReadAt)
}

func TestMarkAsReadTargetsOnlySender(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "alice", "bob", "carol")

	msg := testMessage("msg-7", "conv-1", "alice")
	f.seedMessage(t, msg)
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), msg, "conv-1"))

	var events []models.Event
	require.NoError(t, f.bus.CreateSubscription(context.Background(), f.engine.Topic(), "recorder", bus.SubscriptionConfig{}))
	require.NoError(t, f.bus.Subscribe(context.Background(), "recorder", func(ctx context.Context, m bus.Message) error {
		event, err := models.DecodeEvent(m.Data)
		if err != nil {
			return err
		}
		events = append(events, event)
		return nil
	}))

	require.NoError(t, f.engine.MarkAsRead(context.Background(), "msg-7", "conv-1", "bob"))

	require.Len(t, events, 1)
	require.Equal(t, models.EventMessageStatus, events[0].Kind)
	require.Equal(t, []string{"alice"}, events[0].Recipients)

	payload, err := events[0].Status()
	require.NoError(t, err)
	require.Equal(t, "bob", payload.UserID)
	require.Equal(t, models.StatusRead, payload.Status)
}

func TestMarkAsReadCreatesMissingRecord(t *testing.T) {
	f := newFixture(t)
	msg := testMessage("msg-8", "conv-1", "alice")
	f.seedMessage(t, msg)

	require.NoError(t, f.engine.MarkAsRead(context.Background(), "msg-8", "conv-1", "bob"))

	status, ok := f.status(t, "msg-8", "bob")
	require.True(t, ok)
	require.Equal(t, models.StatusRead, status.Status)
	require.NotNil(t, status.ReadAt)
	require.False(t, status.SentAt.IsZero(), "sentAt is synthesized when the record is created late")
}

func TestMarkAsReadMissingMessageIsSilent(t *testing.T) {
	f := newFixture(t)

	var published int
	require.NoError(t, f.bus.CreateSubscription(context.Background(), f.engine.Topic(), "recorder", bus.SubscriptionConfig{}))
	require.NoError(t, f.bus.Subscribe(context.Background(), "recorder", func(ctx context.Context, m bus.Message) error {
		published++
		return nil
	}))

	require.NoError(t, f.engine.MarkAsRead(context.Background(), "msg-ghost", "conv-1", "bob"))
	require.Zero(t, published)

	// The reader's record is still written; only the receipt is skipped.
	status, ok := f.status(t, "msg-ghost", "bob")
	require.True(t, ok)
	require.Equal(t, models.StatusRead, status.Status)
}

func TestHandleBusEventDropsMalformedPayloads(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandleBusEvent(context.Background(), bus.Message{ID: "bad-1", Data: []byte("not json at all")}))
	require.NoError(t, f.engine.HandleBusEvent(context.Background(), bus.Message{ID: "bad-2", Data: []byte(`{"kind":"message:mystery","payload":{}}`)}))
	require.NoError(t, f.engine.HandleBusEvent(context.Background(), bus.Message{ID: "bad-3", Data: nil}))
}

func TestPresenceEventBroadcastsToAllLocalUsers(t *testing.T) {
	f := newFixture(t)

	bobConn := &fakeConn{id: "c1", userID: "bob"}
	carolConn := &fakeConn{id: "c2", userID: "carol"}
	f.registry.Register("bob", bobConn)
	f.registry.Register("carol", carolConn)

	event, err := models.NewPresenceEvent(models.PresencePayload{
		UserID:     "alice",
		Online:     true,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleBusEvent(context.Background(), bus.Message{ID: "p-1", Data: payload}))

	require.Equal(t, 1, bobConn.received())
	require.Equal(t, 1, carolConn.received())
}

type failingBatchStore struct {
	*store.MemoryStore
	err error
}

func (s *failingBatchStore) BatchWrite(ctx context.Context, ops []store.WriteOp) error {
	return s.err
}

func TestHandleNewMessagePropagatesStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := &failingBatchStore{MemoryStore: store.NewMemoryStore(), err: errors.New("store down")}
	mb := bus.NewMemoryBus()
	reg := registry.New()

	engine, err := NewEngine(st, mb, reg)
	require.NoError(t, err)
	require.NoError(t, mb.CreateTopic(ctx, engine.Topic()))

	path := store.Subcollection(ConversationsCollection, "conv-1", ParticipantsSub)
	require.NoError(t, st.Create(ctx, path, "alice", models.Participant{UserID: "alice"}))
	require.NoError(t, st.Create(ctx, path, "bob", models.Participant{UserID: "bob"}))

	err = engine.HandleNewMessage(ctx, testMessage("msg-9", "conv-1", "alice"), "conv-1")
	require.ErrorContains(t, err, "store down")
}

func TestHandleNewMessagePropagatesPublishFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	mb := bus.NewMemoryBus() // topic never created: publish fails
	reg := registry.New()

	engine, err := NewEngine(st, mb, reg)
	require.NoError(t, err)

	path := store.Subcollection(ConversationsCollection, "conv-1", ParticipantsSub)
	require.NoError(t, st.Create(ctx, path, "alice", models.Participant{UserID: "alice"}))
	require.NoError(t, st.Create(ctx, path, "bob", models.Participant{UserID: "bob"}))

	err = engine.HandleNewMessage(ctx, testMessage("msg-10", "conv-1", "alice"), "conv-1")
	require.Error(t, err)
}
