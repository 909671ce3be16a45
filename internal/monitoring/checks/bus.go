package checks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haivu-dev/courier/internal/bus"
	"github.com/haivu-dev/courier/internal/monitoring"
)

const defaultBusTimeout = 5 * time.Second

// Bus returns a readiness probe backed by the event bus's own health check.
func Bus(b bus.Bus, timeout time.Duration) monitoring.Check {
	return monitoring.Check{
		Name:    "bus",
		Timeout: chooseTimeout(timeout, defaultBusTimeout),
		Probe: func(ctx context.Context) error {
			if b == nil {
				return errors.New("bus not configured")
			}
			status := b.CheckHealth(ctx)
			if !status.Healthy {
				return fmt.Errorf("bus unhealthy: %s", status.Details)
			}
			return nil
		},
	}
}
