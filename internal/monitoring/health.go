package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProbeStatus encodes the outcome of a dependency probe.
type ProbeStatus string

const (
	StatusUp       ProbeStatus = "up"
	StatusDegraded ProbeStatus = "degraded"
	StatusDown     ProbeStatus = "down"
)

const defaultProbeTimeout = 5 * time.Second

// ProbeResult captures a single dependency check outcome.
type ProbeResult struct {
	Component string        `json:"component"`
	Status    ProbeStatus   `json:"status"`
	Details   string        `json:"details,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Report aggregates probe results. Healthy is true only when every probe
// came back up.
type Report struct {
	Healthy   bool          `json:"healthy"`
	Status    ProbeStatus   `json:"status"`
	Checks    []ProbeResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Check is a named dependency probe. A nil error means the dependency is up;
// context deadline errors count as degraded rather than down.
type Check struct {
	Name    string
	Timeout time.Duration
	Probe   func(ctx context.Context) error

	// Detail, when set, annotates a successful probe with a snapshot of the
	// component's state.
	Detail func() string
}

// HealthManager runs registered dependency probes for the readiness endpoint.
type HealthManager struct {
	checks []Check
}

// NewHealthManager constructs an empty health manager.
func NewHealthManager() *HealthManager {
	return &HealthManager{}
}

// Register appends a probe. Checks without a name or probe are ignored.
func (m *HealthManager) Register(check Check) {
	if check.Name == "" || check.Probe == nil {
		return
	}
	if check.Timeout <= 0 {
		check.Timeout = defaultProbeTimeout
	}
	m.checks = append(m.checks, check)
}

// Evaluate runs every registered probe and folds the results into a report.
// A single down probe marks the whole report down; degraded probes degrade
// it unless something is already down.
func (m *HealthManager) Evaluate(ctx context.Context) Report {
	report := Report{
		Healthy:   true,
		Status:    StatusUp,
		Checks:    make([]ProbeResult, 0, len(m.checks)),
		CheckedAt: time.Now().UTC(),
	}

	for _, check := range m.checks {
		result := runProbe(ctx, check)
		report.Checks = append(report.Checks, result)

		switch result.Status {
		case StatusDown:
			report.Healthy = false
			report.Status = StatusDown
		case StatusDegraded:
			report.Healthy = false
			if report.Status != StatusDown {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func runProbe(ctx context.Context, check Check) (result ProbeResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	probeCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = ProbeResult{
				Component: check.Name,
				Status:    StatusDown,
				Details:   fmt.Sprintf("panic: %v", rec),
				Latency:   time.Since(start),
			}
		}
	}()

	err := check.Probe(probeCtx)
	result = resultFromError(check.Name, err, time.Since(start))
	if result.Status == StatusUp && check.Detail != nil {
		result.Details = check.Detail()
	}
	return result
}

func resultFromError(component string, err error, latency time.Duration) ProbeResult {
	if err == nil {
		return ProbeResult{Component: component, Status: StatusUp, Latency: latency}
	}
	status := StatusDown
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = StatusDegraded
	}
	return ProbeResult{
		Component: component,
		Status:    status,
		Details:   err.Error(),
		Latency:   latency,
	}
}
