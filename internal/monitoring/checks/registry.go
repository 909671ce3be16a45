package checks

import (
	"context"
	"errors"
	"fmt"

	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/internal/registry"
)

// Registry returns a probe over the in-process connection registry. The
// registry cannot fail on its own; the probe reports down only when wiring
// was skipped, and a successful probe carries the local connection counts.
func Registry(reg *registry.Registry) monitoring.Check {
	return monitoring.Check{
		Name: "registry",
		Probe: func(ctx context.Context) error {
			if reg == nil {
				return errors.New("registry not configured")
			}
			return nil
		},
		Detail: func() string {
			stats := reg.Stats()
			return fmt.Sprintf("connections=%d users=%d", stats.TotalConnections, stats.ConnectedUsers)
		},
	}
}
