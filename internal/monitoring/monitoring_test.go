package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluateAllUp(t *testing.T) {
	manager := NewHealthManager()
	manager.Register(Check{Name: "store", Probe: func(ctx context.Context) error { return nil }})
	manager.Register(Check{Name: "bus", Probe: func(ctx context.Context) error { return nil }})

	report := manager.Evaluate(context.Background())
	require.True(t, report.Healthy)
	require.Equal(t, StatusUp, report.Status)
	require.Len(t, report.Checks, 2)
	require.False(t, report.CheckedAt.IsZero())
}

func TestEvaluateDownDominates(t *testing.T) {
	manager := NewHealthManager()
	manager.Register(Check{Name: "store", Probe: func(ctx context.Context) error { return nil }})
	manager.Register(Check{Name: "bus", Probe: func(ctx context.Context) error { return errors.New("broker unreachable") }})

	report := manager.Evaluate(context.Background())
	require.False(t, report.Healthy)
	require.Equal(t, StatusDown, report.Status)
	require.Equal(t, "broker unreachable", report.Checks[1].Details)
}

func TestEvaluateTimeoutDegrades(t *testing.T) {
	manager := NewHealthManager()
	manager.Register(Check{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	report := manager.Evaluate(context.Background())
	require.False(t, report.Healthy)
	require.Equal(t, StatusDegraded, report.Status)
}

func TestEvaluateRecoversPanics(t *testing.T) {
	manager := NewHealthManager()
	manager.Register(Check{Name: "flaky", Probe: func(ctx context.Context) error { panic("boom") }})

	report := manager.Evaluate(context.Background())
	require.False(t, report.Healthy)
	require.Equal(t, StatusDown, report.Checks[0].Status)
	require.Contains(t, report.Checks[0].Details, "boom")
}

func TestEvaluateIncludesDetailOnSuccess(t *testing.T) {
	manager := NewHealthManager()
	manager.Register(Check{
		Name:   "registry",
		Probe:  func(ctx context.Context) error { return nil },
		Detail: func() string { return "connections=3 users=2" },
	})
	manager.Register(Check{
		Name:   "bus",
		Probe:  func(ctx context.Context) error { return errors.New("broker unreachable") },
		Detail: func() string { return "should not appear" },
	})

	report := manager.Evaluate(context.Background())
	require.Equal(t, "connections=3 users=2", report.Checks[0].Details)
	require.Equal(t, "broker unreachable", report.Checks[1].Details)
}

func TestRegisterIgnoresIncompleteChecks(t *testing.T) {
	manager := NewHealthManager()
	manager.Register(Check{Name: "", Probe: func(ctx context.Context) error { return nil }})
	manager.Register(Check{Name: "nil-probe"})

	report := manager.Evaluate(context.Background())
	require.True(t, report.Healthy)
	require.Empty(t, report.Checks)
}

func TestFanoutStatsSnapshot(t *testing.T) {
	stats := NewFanoutStats()
	stats.RecordEventConsumed()
	stats.RecordEventConsumed()
	stats.RecordEventDropped()
	stats.RecordDelivery("alice", "c1", nil)
	stats.RecordDelivery("bob", "c2", errors.New("socket gone"))
	stats.RecordForcedDisconnect()

	summary := stats.Snapshot()
	require.Equal(t, uint64(2), summary.EventsConsumed)
	require.Equal(t, uint64(1), summary.EventsDropped)
	require.Equal(t, uint64(1), summary.PayloadsDelivered)
	require.Equal(t, uint64(1), summary.PayloadsFailed)
	require.Equal(t, uint64(1), summary.ForcedDisconnects)
	require.NotNil(t, summary.LastFailure)
	require.Equal(t, "bob", summary.LastFailure.UserID)
	require.Equal(t, "socket gone", summary.LastFailure.Message)
}

func TestFanoutStatsNoFailureLeavesRecordNil(t *testing.T) {
	stats := NewFanoutStats()
	stats.RecordDelivery("alice", "c1", nil)
	require.Nil(t, stats.Snapshot().LastFailure)
}
