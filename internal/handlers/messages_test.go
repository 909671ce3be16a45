package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/haivu-dev/courier/internal/auth"
	"github.com/haivu-dev/courier/internal/bus"
	"github.com/haivu-dev/courier/internal/middleware"
	"github.com/haivu-dev/courier/internal/models"
	"github.com/haivu-dev/courier/internal/notify"
	"github.com/haivu-dev/courier/internal/registry"
	"github.com/haivu-dev/courier/internal/store"
)

type recordingConn struct {
	id     string
	userID string

	mu       sync.Mutex
	payloads [][]byte
}

func (c *recordingConn) ID() string     { return c.id }
func (c *recordingConn) UserID() string { return c.userID }

func (c *recordingConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

func (c *recordingConn) Close(code int, reason string) error { return nil }

func (c *recordingConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type messageTestEnv struct {
	router   *gin.Engine
	jwt      *iauth.JWTService
	store    *store.MemoryStore
	registry *registry.Registry
	engine   *notify.Engine
}

func newMessageTestEnv(t *testing.T) *messageTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	st := store.NewMemoryStore()
	mb := bus.NewMemoryBus()
	reg := registry.New()

	engine, err := notify.NewEngine(st, mb, reg)
	require.NoError(t, err)
	require.NoError(t, mb.CreateTopic(ctx, engine.Topic()))
	require.NoError(t, mb.CreateSubscription(ctx, engine.Topic(), "proc-test", bus.SubscriptionConfig{}))
	require.NoError(t, mb.Subscribe(ctx, "proc-test", engine.HandleBusEvent))

	jwt, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret", Issuer: "courier"})
	require.NoError(t, err)

	handler, err := NewMessageHandler(st, engine)
	require.NoError(t, err)

	router := gin.New()
	authed := router.Group("/api", middleware.Auth(jwt))
	authed.POST("/conversations/:conversationID/messages", handler.Create)
	authed.POST("/conversations/:conversationID/messages/:messageID/read", handler.MarkRead)
	authed.GET("/messages/:messageID/status", handler.Status)

	return &messageTestEnv{router: router, jwt: jwt, store: st, registry: reg, engine: engine}
}

func (env *messageTestEnv) seedConversation(t *testing.T, conversationID string, participants ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, notify.ConversationsCollection, conversationID, models.Conversation{
		ID:        conversationID,
		Type:      models.ConversationGroup,
		CreatedAt: time.Now().UTC(),
	}))
	path := store.Subcollection(notify.ConversationsCollection, conversationID, notify.ParticipantsSub)
	for _, userID := range participants {
		require.NoError(t, env.store.Create(ctx, path, userID, models.Participant{
			UserID:   userID,
			JoinedAt: time.Now().UTC(),
		}))
	}
}

func (env *messageTestEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := env.jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: userID, DisplayName: userID})
	require.NoError(t, err)
	return token
}

func (env *messageTestEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+env.token(t, userID))
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateMessagePersistsAndFansOut(t *testing.T) {
	env := newMessageTestEnv(t)
	env.seedConversation(t, "conv-1", "alice", "bob")

	conn := &recordingConn{id: "c1", userID: "bob"}
	env.registry.Register("bob", conn)

	rec := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", "alice",
		gin.H{"type": "TEXT", "content": "hello bob"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var envelope struct {
		Data models.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Data.ID)
	require.Equal(t, "alice", envelope.Data.SenderID)

	require.Equal(t, 1, conn.received())

	require.Eventually(t, func() bool {
		path := store.Subcollection(notify.MessagesCollection, envelope.Data.ID, notify.StatusesSub)
		snap, err := env.store.FindByID(context.Background(), path, "bob")
		if err != nil {
			return false
		}
		var status models.DeliveryStatus
		if err := snap.DataTo(&status); err != nil {
			return false
		}
		return status.Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateMessageRejectsNonParticipant(t *testing.T) {
	env := newMessageTestEnv(t)
	env.seedConversation(t, "conv-1", "alice", "bob")

	rec := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", "mallory",
		gin.H{"content": "let me in"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateMessageUnknownConversation(t *testing.T) {
	env := newMessageTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/conversations/ghost/messages", "alice",
		gin.H{"content": "anyone here?"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMessageValidation(t *testing.T) {
	env := newMessageTestEnv(t)
	env.seedConversation(t, "conv-1", "alice", "bob")

	rec := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", "alice", gin.H{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", "alice",
		gin.H{"type": "CARRIER_PIGEON", "content": "coo"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateMessageRequiresAuth(t *testing.T) {
	env := newMessageTestEnv(t)
	env.seedConversation(t, "conv-1", "alice", "bob")

	rec := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", "",
		gin.H{"content": "anonymous"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMarkReadRecordsReceipt(t *testing.T) {
	env := newMessageTestEnv(t)
	env.seedConversation(t, "conv-1", "alice", "bob")

	rec := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", "alice",
		gin.H{"content": "read me"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var envelope struct {
		Data models.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))

	rec = env.do(t, http.MethodPost, "/api/conversations/conv-1/messages/"+envelope.Data.ID+"/read", "bob", gin.H{})
	require.Equal(t, http.StatusOK, rec.Code)

	path := store.Subcollection(notify.MessagesCollection, envelope.Data.ID, notify.StatusesSub)
	snap, err := env.store.FindByID(context.Background(), path, "bob")
	require.NoError(t, err)
	var status models.DeliveryStatus
	require.NoError(t, snap.DataTo(&status))
	require.Equal(t, models.StatusRead, status.Status)
}

func TestStatusListsRecipients(t *testing.T) {
	env := newMessageTestEnv(t)
	env.seedConversation(t, "conv-1", "alice", "bob", "carol")

	rec := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", "alice",
		gin.H{"content": "status check"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data models.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = env.do(t, http.MethodGet, "/api/messages/"+created.Data.ID+"/status", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data struct {
			Statuses []models.DeliveryStatus `json:"statuses"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data.Statuses, 2)
}

func TestStatusUnknownMessage(t *testing.T) {
	env := newMessageTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/messages/ghost/status", "alice", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
