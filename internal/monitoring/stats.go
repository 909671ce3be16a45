package monitoring

import (
	"sync/atomic"
	"time"
)

// FanoutStats aggregates in-process delivery counters. Prometheus publication
// happens in pkg/metrics; this store keeps the raw numbers addressable as
// JSON for the admin diagnostics endpoint.
type FanoutStats struct {
	eventsConsumed    atomic.Uint64
	eventsDropped     atomic.Uint64
	payloadsDelivered atomic.Uint64
	payloadsFailed    atomic.Uint64
	forcedDisconnects atomic.Uint64
	lastFailure       atomic.Value // *FailureRecord
}

// FailureRecord remembers the most recent per-connection delivery failure.
type FailureRecord struct {
	UserID     string    `json:"user_id"`
	ConnID     string    `json:"conn_id"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Summary is the JSON shape served to administrators.
type Summary struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	EventsConsumed    uint64         `json:"events_consumed"`
	EventsDropped     uint64         `json:"events_dropped"`
	PayloadsDelivered uint64         `json:"payloads_delivered"`
	PayloadsFailed    uint64         `json:"payloads_failed"`
	ForcedDisconnects uint64         `json:"forced_disconnects"`
	LastFailure       *FailureRecord `json:"last_failure,omitempty"`
}

// NewFanoutStats constructs an empty stats store.
func NewFanoutStats() *FanoutStats {
	s := &FanoutStats{}
	s.lastFailure.Store((*FailureRecord)(nil))
	return s
}

// RecordEventConsumed counts a bus event that was decoded and fanned out.
func (s *FanoutStats) RecordEventConsumed() { s.eventsConsumed.Add(1) }

// RecordEventDropped counts a bus event discarded as malformed.
func (s *FanoutStats) RecordEventDropped() { s.eventsDropped.Add(1) }

// RecordDelivery counts one per-connection send attempt.
func (s *FanoutStats) RecordDelivery(userID, connID string, err error) {
	if err == nil {
		s.payloadsDelivered.Add(1)
		return
	}
	s.payloadsFailed.Add(1)
	s.lastFailure.Store(&FailureRecord{
		UserID:     userID,
		ConnID:     connID,
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	})
}

// RecordForcedDisconnect counts an administratively or policy-closed connection.
func (s *FanoutStats) RecordForcedDisconnect() { s.forcedDisconnects.Add(1) }

// Snapshot folds the counters into a summary.
func (s *FanoutStats) Snapshot() Summary {
	summary := Summary{
		GeneratedAt:       time.Now().UTC(),
		EventsConsumed:    s.eventsConsumed.Load(),
		EventsDropped:     s.eventsDropped.Load(),
		PayloadsDelivered: s.payloadsDelivered.Load(),
		PayloadsFailed:    s.payloadsFailed.Load(),
		ForcedDisconnects: s.forcedDisconnects.Load(),
	}
	if record, _ := s.lastFailure.Load().(*FailureRecord); record != nil {
		summary.LastFailure = record
	}
	return summary
}

var defaultStats = NewFanoutStats()

// RecordEventConsumed counts a fanned-out bus event on the process-wide store.
func RecordEventConsumed() { defaultStats.RecordEventConsumed() }

// RecordEventDropped counts a discarded bus event on the process-wide store.
func RecordEventDropped() { defaultStats.RecordEventDropped() }

// RecordDelivery counts a send attempt on the process-wide store.
func RecordDelivery(userID, connID string, err error) {
	defaultStats.RecordDelivery(userID, connID, err)
}

// RecordForcedDisconnect counts a forced close on the process-wide store.
func RecordForcedDisconnect() { defaultStats.RecordForcedDisconnect() }

// Snapshot summarises the process-wide store.
func Snapshot() Summary { return defaultStats.Snapshot() }
