package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	iauth "github.com/haivu-dev/courier/internal/auth"
	"github.com/haivu-dev/courier/internal/handlers"
	"github.com/haivu-dev/courier/internal/lifecycle"
	"github.com/haivu-dev/courier/internal/middleware"
	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/internal/notify"
	"github.com/haivu-dev/courier/internal/store"
)

// Dependencies bundles everything the router needs. All fields are required
// except Health, which falls back to an empty manager.
type Dependencies struct {
	Store   store.Store
	Engine  *notify.Engine
	Manager *lifecycle.Manager
	JWT     *iauth.JWTService
	Health  *monitoring.HealthManager
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store must be provided")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("notification engine must be provided")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("lifecycle manager must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Health == nil {
		deps.Health = monitoring.NewHealthManager()
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.NoRoute(middleware.NotFoundHandler)

	// Public health and metrics endpoints
	healthHandler := handlers.NewHealthHandler(deps.Health)
	r.GET("/health", healthHandler.Check)
	r.GET("/health/live", healthHandler.Live)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Websocket handshake authenticates itself from the query token.
	wsHandler := handlers.NewWSHandler(deps.Manager, deps.JWT)
	r.GET("/ws", wsHandler.Serve)

	requireAuth := middleware.Auth(deps.JWT)

	messageHandler, err := handlers.NewMessageHandler(deps.Store, deps.Engine)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api")
	api.Use(requireAuth)

	conversations := api.Group("/conversations")
	{
		conversations.POST("/:conversationID/messages", messageHandler.Create)
		conversations.POST("/:conversationID/messages/:messageID/read", messageHandler.MarkRead)
	}
	api.GET("/messages/:messageID/status", messageHandler.Status)

	adminHandler := handlers.NewAdminHandler(deps.Manager)
	admin := api.Group("/admin")
	{
		admin.GET("/stats", adminHandler.Stats)
		admin.POST("/disconnect", adminHandler.Disconnect)
	}

	return r, nil
}
