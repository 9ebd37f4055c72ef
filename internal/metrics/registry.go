// Package metrics keeps the service's aggregate counters and publishes
// periodic snapshots of them.
package metrics

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Registry holds monotonic counters for the lifetime of the process.
type Registry struct {
	received            atomic.Uint64
	processed           atomic.Uint64
	failed              atomic.Uint64
	enrichmentRequested atomic.Uint64
	enrichmentSucceeded atomic.Uint64

	start      time.Time
	now        func() time.Time
	collectors *Collectors
}

// NewRegistry starts the uptime clock. collectors may be nil.
func NewRegistry(collectors *Collectors) *Registry {
	return &Registry{start: time.Now(), now: time.Now, collectors: collectors}
}

// IncReceived counts an event entering the task path.
func (r *Registry) IncReceived() {
	r.received.Add(1)
	r.collectors.observeReceived()
}

// IncProcessed counts a task that was persisted.
func (r *Registry) IncProcessed() {
	r.processed.Add(1)
	r.collectors.observeOutcome(OutcomeProcessed)
}

// IncFailed counts a task that reached a failed terminal state.
func (r *Registry) IncFailed() {
	r.failed.Add(1)
	r.collectors.observeOutcome(OutcomeFailed)
}

// ObserveEnrichment records one gateway call and whether it succeeded.
func (r *Registry) ObserveEnrichment(succeeded bool) {
	r.enrichmentRequested.Add(1)
	if succeeded {
		r.enrichmentSucceeded.Add(1)
	}
	r.collectors.observeEnrichment(succeeded)
}

// Snapshot reads every counter once. Terminal counters are loaded before
// received, and received only grows, so Processed+Failed <= Received holds
// for every snapshot.
func (r *Registry) Snapshot() Snapshot {
	processed := r.processed.Load()
	failed := r.failed.Load()
	succeeded := r.enrichmentSucceeded.Load()
	requested := r.enrichmentRequested.Load()
	received := r.received.Load()

	now := r.now()
	return Snapshot{
		Received:            received,
		Processed:           processed,
		Failed:              failed,
		EnrichmentRequested: requested,
		EnrichmentSucceeded: succeeded,
		Uptime:              now.Sub(r.start),
		Timestamp:           now.UTC(),
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Received            uint64
	Processed           uint64
	Failed              uint64
	EnrichmentRequested uint64
	EnrichmentSucceeded uint64
	Uptime              time.Duration
	Timestamp           time.Time
}

// SuccessRate is the percentage of received tasks that were persisted, 0
// before the first task arrives.
func (s Snapshot) SuccessRate() float64 {
	return percent(s.Processed, s.Received)
}

// EnrichmentSuccessRate is the percentage of gateway calls that succeeded.
func (s Snapshot) EnrichmentSuccessRate() float64 {
	return percent(s.EnrichmentSucceeded, s.EnrichmentRequested)
}

// TasksPerMinute is the intake rate since start, counting every received
// task whatever its outcome.
func (s Snapshot) TasksPerMinute() float64 {
	minutes := s.Uptime.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(s.Received) / minutes
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

type snapshotJSON struct {
	Received              uint64    `json:"tasks_received"`
	Processed             uint64    `json:"tasks_processed"`
	Failed                uint64    `json:"tasks_failed"`
	EnrichmentRequested   uint64    `json:"enrichment_requested"`
	EnrichmentSucceeded   uint64    `json:"enrichment_succeeded"`
	SuccessRate           float64   `json:"success_rate"`
	EnrichmentSuccessRate float64   `json:"enrichment_success_rate"`
	TasksPerMinute        float64   `json:"tasks_per_minute"`
	UptimeSeconds         uint64    `json:"uptime_seconds"`
	Timestamp             time.Time `json:"timestamp"`
}

// MarshalJSON renders the wire form published on the status and metrics
// topics.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Received:              s.Received,
		Processed:             s.Processed,
		Failed:                s.Failed,
		EnrichmentRequested:   s.EnrichmentRequested,
		EnrichmentSucceeded:   s.EnrichmentSucceeded,
		SuccessRate:           s.SuccessRate(),
		EnrichmentSuccessRate: s.EnrichmentSuccessRate(),
		TasksPerMinute:        s.TasksPerMinute(),
		UptimeSeconds:         uint64(s.Uptime / time.Second),
		Timestamp:             s.Timestamp,
	})
}
