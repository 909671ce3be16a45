package checks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/internal/registry"
)

type stubConn struct {
	id     string
	userID string
}

func (c *stubConn) ID() string                          { return c.id }
func (c *stubConn) UserID() string                      { return c.userID }
func (c *stubConn) Send(data []byte) error              { return nil }
func (c *stubConn) Close(code int, reason string) error { return nil }

func TestRegistryCheckReportsConnectionCounts(t *testing.T) {
	reg := registry.New()
	reg.Register("alice", &stubConn{id: "c1", userID: "alice"})
	reg.Register("alice", &stubConn{id: "c2", userID: "alice"})
	reg.Register("bob", &stubConn{id: "c3", userID: "bob"})

	manager := monitoring.NewHealthManager()
	manager.Register(Registry(reg))

	report := manager.Evaluate(context.Background())
	require.True(t, report.Healthy)
	require.Equal(t, "connections=3 users=2", report.Checks[0].Details)
}

func TestRegistryCheckReportsDownWhenUnwired(t *testing.T) {
	manager := monitoring.NewHealthManager()
	manager.Register(Registry(nil))

	report := manager.Evaluate(context.Background())
	require.False(t, report.Healthy)
	require.Equal(t, monitoring.StatusDown, report.Checks[0].Status)
}
