package checks

import (
	"context"
	"errors"
	"time"

	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/internal/store"
)

const defaultStoreTimeout = 2 * time.Second

// Store returns a readiness probe that round-trips a throwaway document
// through the document store.
func Store(st store.Store, timeout time.Duration) monitoring.Check {
	return monitoring.Check{
		Name:    "store",
		Timeout: chooseTimeout(timeout, defaultStoreTimeout),
		Probe: func(ctx context.Context) error {
			if st == nil {
				return errors.New("store not configured")
			}
			return store.Ping(ctx, st)
		},
	}
}

func chooseTimeout(provided, fallback time.Duration) time.Duration {
	if provided <= 0 {
		return fallback
	}
	return provided
}
