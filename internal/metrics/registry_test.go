package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSnapshotNeverShowsMoreTerminalThanReceived(t *testing.T) {
	reg := NewRegistry(nil)

	var stop atomic.Bool
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; !stop.Load(); i++ {
				reg.IncReceived()
				if (i+w)%3 == 0 {
					reg.IncFailed()
				} else {
					reg.IncProcessed()
				}
			}
		}(w)
	}

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		snap := reg.Snapshot()
		require.LessOrEqual(t, snap.Processed+snap.Failed, snap.Received)
	}
	stop.Store(true)
	wg.Wait()

	final := reg.Snapshot()
	require.Equal(t, final.Received, final.Processed+final.Failed)
}

func TestSnapshotJSONShape(t *testing.T) {
	reg := NewRegistry(nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.start = start
	reg.now = func() time.Time { return start.Add(2 * time.Minute) }

	for i := 0; i < 4; i++ {
		reg.IncReceived()
	}
	reg.IncProcessed()
	reg.IncProcessed()
	reg.IncProcessed()
	reg.IncFailed()
	reg.ObserveEnrichment(true)
	reg.ObserveEnrichment(false)

	raw, err := json.Marshal(reg.Snapshot())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.EqualValues(t, 4, got["tasks_received"])
	require.EqualValues(t, 3, got["tasks_processed"])
	require.EqualValues(t, 1, got["tasks_failed"])
	require.EqualValues(t, 120, got["uptime_seconds"])
	require.InDelta(t, 75.0, got["success_rate"], 1e-9)
	require.InDelta(t, 50.0, got["enrichment_success_rate"], 1e-9)
	require.InDelta(t, 2.0, got["tasks_per_minute"], 1e-9)
	require.Equal(t, "2026-01-01T00:02:00Z", got["timestamp"])
}

func TestEmptySnapshotRatesAreZero(t *testing.T) {
	var snap Snapshot
	require.Zero(t, snap.SuccessRate())
	require.Zero(t, snap.EnrichmentSuccessRate())
	require.Zero(t, snap.TasksPerMinute())
}

func TestRatesCountUnfinishedTasks(t *testing.T) {
	snap := Snapshot{Received: 4, Processed: 1, Uptime: 30 * time.Second}
	require.InDelta(t, 25.0, snap.SuccessRate(), 1e-9)
	require.InDelta(t, 8.0, snap.TasksPerMinute(), 1e-9)
}

func TestCollectorsMirrorRegistry(t *testing.T) {
	promReg := prometheus.NewRegistry()
	collectors := MustNewCollectors(promReg)
	reg := NewRegistry(collectors)

	reg.IncReceived()
	reg.IncReceived()
	reg.IncProcessed()
	reg.IncFailed()
	reg.ObserveEnrichment(false)
	collectors.IncDropped()
	collectors.ObserveTaskDuration(OutcomeProcessed, 20*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(collectors.received))
	require.Equal(t, 1.0, testutil.ToFloat64(collectors.outcomes.WithLabelValues(OutcomeProcessed)))
	require.Equal(t, 1.0, testutil.ToFloat64(collectors.outcomes.WithLabelValues(OutcomeFailed)))
	require.Equal(t, 1.0, testutil.ToFloat64(collectors.outcomes.WithLabelValues(OutcomeDropped)))
	require.Equal(t, 1.0, testutil.ToFloat64(collectors.enrichment.WithLabelValues("error")))
	require.Same(t, collectors, reg.Collectors())
}

func TestMustNewCollectorsReusesRegistered(t *testing.T) {
	promReg := prometheus.NewRegistry()
	first := MustNewCollectors(promReg)
	second := MustNewCollectors(promReg)

	second.received.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(first.received))
}

func TestTrackGateExportsOccupancy(t *testing.T) {
	promReg := prometheus.NewRegistry()
	collectors := MustNewCollectors(promReg)

	inUse := 3
	collectors.TrackGate("task", func() int { return inUse })

	count, err := testutil.GatherAndCount(promReg, "intake_admission_permits_in_use")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTrackInboxDropsExportsCounter(t *testing.T) {
	promReg := prometheus.NewRegistry()
	collectors := MustNewCollectors(promReg)
	collectors.TrackInboxDrops(func() uint64 { return 4 })

	expected := `
# HELP intake_bus_inbound_dropped_total Inbound messages discarded because the inbox stayed full.
# TYPE intake_bus_inbound_dropped_total counter
intake_bus_inbound_dropped_total 4
`
	require.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected), "intake_bus_inbound_dropped_total"))
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *Collectors
	c.IncDropped()
	c.ObserveTaskDuration(OutcomeFailed, time.Second)
	c.TrackGate("task", func() int { return 1 })
	c.TrackInboxDrops(func() uint64 { return 1 })
}
