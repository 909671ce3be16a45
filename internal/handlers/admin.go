package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/haivu-dev/courier/internal/lifecycle"
	"github.com/haivu-dev/courier/internal/monitoring"
	apperrors "github.com/haivu-dev/courier/pkg/errors"
	"github.com/haivu-dev/courier/pkg/logger"
	"github.com/haivu-dev/courier/pkg/response"
)

// AdminHandler exposes connection diagnostics and forced disconnects. The
// numbers are per-process: each instance only sees its own sockets.
type AdminHandler struct {
	manager *lifecycle.Manager
	log     *zap.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(manager *lifecycle.Manager) *AdminHandler {
	return &AdminHandler{
		manager: manager,
		log:     logger.WithModule("handlers.admin"),
	}
}

// Stats reports connection totals and fanout counters for this process.
func (h *AdminHandler) Stats(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"connections": h.manager.Stats(),
		"fanout":      monitoring.Snapshot(),
	})
}

type disconnectRequest struct {
	UserID string `json:"user_id"`
	All    bool   `json:"all"`
}

// Disconnect force-closes the targeted user's connections, or every
// connection on this process when all is set.
func (h *AdminHandler) Disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid disconnect request"))
		return
	}

	ctx := requestContext(c)
	var closed int
	switch {
	case req.All:
		closed = h.manager.ForceDisconnectAll(ctx)
		h.log.Info("force disconnected all users", zap.Int("connections", closed))
	case strings.TrimSpace(req.UserID) != "":
		closed = h.manager.ForceDisconnectUser(ctx, req.UserID)
		h.log.Info("force disconnected user",
			zap.String("user_id", req.UserID),
			zap.Int("connections", closed))
	default:
		response.Error(c, apperrors.NewBadRequest("user_id or all is required"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"connections_closed": closed})
}
