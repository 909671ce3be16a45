package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	message := Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		SenderName:     "Alice",
		Type:           MessageTypeText,
		Content:        "hello",
		CreatedAt:      now,
	}

	event, err := NewMessageEvent(message, "conv-1", []string{"bob", "carol"}, now)
	require.NoError(t, err)

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	decoded, err := DecodeEvent(raw)
	require.NoError(t, err)
	require.Equal(t, EventMessageNew, decoded.Kind)
	require.Equal(t, []string{"bob", "carol"}, decoded.Recipients)

	payload, err := decoded.NewMessage()
	require.NoError(t, err)
	require.Equal(t, "msg-1", payload.Message.ID)
	require.Equal(t, "conv-1", payload.ConversationID)
}

func TestDecodeEventRejectsMalformedBytes(t *testing.T) {
	_, err := DecodeEvent([]byte("this is not json"))
	require.Error(t, err)
}

func TestDecodeEventRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"kind":"message:sparkle","recipients":["bob"],"payload":{}}`)
	_, err := DecodeEvent(raw)
	require.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestDecodeEventRejectsMismatchedPayload(t *testing.T) {
	raw := []byte(`{"kind":"message:status","recipients":["alice"],"payload":{"something":"else"}}`)
	_, err := DecodeEvent(raw)
	require.Error(t, err)
}

func TestStatusPayloadDecode(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	event, err := NewStatusEvent(StatusPayload{
		MessageID:      "msg-2",
		ConversationID: "conv-1",
		UserID:         "bob",
		Status:         StatusRead,
		OccurredAt:     now,
	}, []string{"alice"})
	require.NoError(t, err)

	payload, err := event.Status()
	require.NoError(t, err)
	require.Equal(t, StatusRead, payload.Status)
	require.Equal(t, "bob", payload.UserID)
	require.Equal(t, []string{"alice"}, event.Recipients)
}

func TestFrameCarriesKindAndTimestamp(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	event, err := NewPresenceEvent(PresencePayload{UserID: "alice", Online: true, OccurredAt: now})
	require.NoError(t, err)

	raw, err := event.Frame()
	require.NoError(t, err)

	var frame ClientFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, EventUserPresence, frame.Type)
	require.Equal(t, now, frame.Timestamp)
}

func TestStatusRankOrdering(t *testing.T) {
	require.Less(t, StatusSent.Rank(), StatusDelivered.Rank())
	require.Less(t, StatusDelivered.Rank(), StatusRead.Rank())
	require.Less(t, StatusFailed.Rank(), StatusSent.Rank())
	require.Equal(t, -1, DeliveryState("BOGUS").Rank())
}
