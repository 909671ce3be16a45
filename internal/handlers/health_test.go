package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/haivu-dev/courier/internal/monitoring"
)

func newHealthRouter(manager *monitoring.HealthManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHealthHandler(manager)
	router := gin.New()
	router.GET("/health", handler.Check)
	router.GET("/health/live", handler.Live)
	return router
}

func TestHealthCheckHealthy(t *testing.T) {
	manager := monitoring.NewHealthManager()
	manager.Register(monitoring.Check{Name: "store", Probe: func(ctx context.Context) error { return nil }})
	router := newHealthRouter(manager)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"healthy":true`)
}

func TestHealthCheckUnhealthy(t *testing.T) {
	manager := monitoring.NewHealthManager()
	manager.Register(monitoring.Check{Name: "bus", Probe: func(ctx context.Context) error {
		return errors.New("broker unreachable")
	}})
	router := newHealthRouter(manager)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "broker unreachable")
}

func TestHealthLive(t *testing.T) {
	router := newHealthRouter(monitoring.NewHealthManager())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}
