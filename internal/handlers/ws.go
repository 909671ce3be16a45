package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	iauth "github.com/haivu-dev/courier/internal/auth"
	"github.com/haivu-dev/courier/internal/lifecycle"
	"github.com/haivu-dev/courier/internal/realtime"
	"github.com/haivu-dev/courier/pkg/errors"
	"github.com/haivu-dev/courier/pkg/logger"
	"github.com/haivu-dev/courier/pkg/response"
)

// WSHandler upgrades HTTP requests into authenticated chat sockets.
type WSHandler struct {
	manager  *lifecycle.Manager
	jwt      *iauth.JWTService
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewWSHandler constructs a WSHandler.
func NewWSHandler(manager *lifecycle.Manager, jwt *iauth.JWTService) *WSHandler {
	return &WSHandler{
		manager:  manager,
		jwt:      jwt,
		upgrader: realtime.NewUpgrader(),
		log:      logger.WithModule("handlers.ws"),
	}
}

// Serve authenticates the handshake, upgrades the connection, and registers
// it with the lifecycle manager for the duration of the socket.
func (h *WSHandler) Serve(c *gin.Context) {
	if h.manager == nil || h.jwt == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	token := handshakeToken(c)
	if token == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	claims, err := h.jwt.ValidateAccessToken(token)
	if err != nil {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	socket := realtime.NewSocket(conn, userID, func(s *realtime.Socket) {
		h.manager.Unregister(context.Background(), s)
	})

	if err := h.manager.Register(c.Request.Context(), socket, token, claims.ExpiresAtTime()); err != nil {
		h.log.Error("connection registration failed", zap.String("user_id", userID), zap.Error(err))
		_ = socket.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	h.log.Info("socket connected",
		zap.String("user_id", userID),
		zap.String("conn_id", socket.ID()))
	socket.Run()
}

// handshakeToken pulls the bearer token from the query string or the
// Authorization header. Browsers cannot set headers on websocket upgrades,
// so the query form is the common path.
func handshakeToken(c *gin.Context) string {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	return token
}
