package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	iauth "github.com/haivu-dev/courier/internal/auth"
	"github.com/haivu-dev/courier/internal/middleware"
	"github.com/haivu-dev/courier/internal/models"
	"github.com/haivu-dev/courier/internal/notify"
	"github.com/haivu-dev/courier/internal/store"
	apperrors "github.com/haivu-dev/courier/pkg/errors"
	"github.com/haivu-dev/courier/pkg/logger"
	"github.com/haivu-dev/courier/pkg/response"
)

// MessageHandler serves the message write path: create, read receipts, and
// per-recipient delivery status.
type MessageHandler struct {
	store  store.Store
	engine *notify.Engine
	log    *zap.Logger
}

// NewMessageHandler constructs a MessageHandler.
func NewMessageHandler(st store.Store, engine *notify.Engine) (*MessageHandler, error) {
	if st == nil {
		return nil, errors.New("message handler: store is required")
	}
	if engine == nil {
		return nil, errors.New("message handler: engine is required")
	}
	return &MessageHandler{
		store:  st,
		engine: engine,
		log:    logger.WithModule("handlers.messages"),
	}, nil
}

type createMessageRequest struct {
	Type    models.MessageType `json:"type"`
	Content string             `json:"content" binding:"required"`
}

// Create persists a new message and hands it to the notification engine.
func (h *MessageHandler) Create(c *gin.Context) {
	ctx := requestContext(c)
	conversationID := strings.TrimSpace(c.Param("conversationID"))
	senderID := c.GetString(middleware.CtxUserIDKey)

	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("content is required"))
		return
	}
	if req.Type != "" && !req.Type.Valid() {
		response.Error(c, apperrors.NewBadRequest(fmt.Sprintf("unsupported message type %q", req.Type)))
		return
	}

	if err := h.requireParticipant(ctx, conversationID, senderID); err != nil {
		response.Error(c, err)
		return
	}

	// V7 ids are time-ordered, so messages sort by creation without an index.
	id, err := uuid.NewV7()
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	message := models.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName(c),
		Type:           req.Type,
		Content:        req.Content,
		CreatedAt:      h.engine.Now().UTC(),
	}
	message.Normalize()

	if err := h.store.Create(ctx, notify.MessagesCollection, message.ID, message); err != nil {
		response.Error(c, apperrors.Wrap(err, "failed to store message"))
		return
	}

	if err := h.engine.HandleNewMessage(ctx, message, conversationID); err != nil {
		h.log.Error("message fanout failed",
			zap.String("message_id", message.ID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		response.Error(c, apperrors.Wrap(err, "message stored but delivery failed"))
		return
	}

	response.Success(c, http.StatusCreated, message)
}

// MarkRead records the caller's read receipt for a message.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	ctx := requestContext(c)
	conversationID := strings.TrimSpace(c.Param("conversationID"))
	messageID := strings.TrimSpace(c.Param("messageID"))
	readerID := c.GetString(middleware.CtxUserIDKey)

	if err := h.requireParticipant(ctx, conversationID, readerID); err != nil {
		response.Error(c, err)
		return
	}

	if err := h.engine.MarkAsRead(ctx, messageID, conversationID, readerID); err != nil {
		response.Error(c, apperrors.Wrap(err, "failed to record read receipt"))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message_id": messageID, "status": models.StatusRead})
}

// Status lists the per-recipient delivery status records for a message.
func (h *MessageHandler) Status(c *gin.Context) {
	ctx := requestContext(c)
	messageID := strings.TrimSpace(c.Param("messageID"))

	snap, err := h.store.FindByID(ctx, notify.MessagesCollection, messageID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(c, apperrors.ErrMessageNotFound)
		return
	}
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "failed to load message"))
		return
	}
	var message models.Message
	if err := snap.DataTo(&message); err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	statusPath := store.Subcollection(notify.MessagesCollection, messageID, notify.StatusesSub)
	snaps, err := h.store.Find(ctx, statusPath, store.Query{})
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "failed to load delivery statuses"))
		return
	}

	statuses := make([]models.DeliveryStatus, 0, len(snaps))
	for _, s := range snaps {
		var status models.DeliveryStatus
		if err := s.DataTo(&status); err != nil {
			h.log.Warn("skipping undecodable status record",
				zap.String("message_id", messageID),
				zap.String("record_id", s.ID()),
				zap.Error(err))
			continue
		}
		statuses = append(statuses, status)
	}

	response.Success(c, http.StatusOK, gin.H{
		"message_id": messageID,
		"statuses":   statuses,
	})
}

// requireParticipant confirms the conversation exists and the user belongs
// to it, returning a client-facing error otherwise.
func (h *MessageHandler) requireParticipant(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" {
		return apperrors.NewBadRequest("conversation id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return apperrors.ErrUnauthorized
	}

	if _, err := h.store.FindByID(ctx, notify.ConversationsCollection, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.ErrConversationNotFound
		}
		return apperrors.Wrap(err, "failed to load conversation")
	}

	path := store.Subcollection(notify.ConversationsCollection, conversationID, notify.ParticipantsSub)
	if _, err := h.store.FindByID(ctx, path, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.ErrForbidden
		}
		return apperrors.Wrap(err, "failed to check membership")
	}
	return nil
}

func senderName(c *gin.Context) string {
	if value, ok := c.Get(middleware.CtxClaimsKey); ok {
		if claims, ok := value.(*iauth.Claims); ok {
			return claims.DisplayName
		}
	}
	return ""
}

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}
