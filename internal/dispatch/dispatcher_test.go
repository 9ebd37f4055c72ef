package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"intake/internal/admission"
	"intake/internal/bus"
	membus "intake/internal/bus/memory"
	"intake/internal/enrichment"
	intakeerrors "intake/internal/errors"
	"intake/internal/logging"
	"intake/internal/metrics"
	"intake/internal/observability"
	memstore "intake/internal/store/memory"
	"intake/internal/task"
)

type gatewayFunc func(ctx context.Context, description string) (enrichment.Result, error)

func (f gatewayFunc) Enhance(ctx context.Context, description string) (enrichment.Result, error) {
	return f(ctx, description)
}

type failingStore struct{ err error }

func (f failingStore) Insert(context.Context, *task.Record) (string, error) {
	return "", f.err
}

type countingTrigger struct{ calls atomic.Int32 }

func (c *countingTrigger) Trigger(string) { c.calls.Add(1) }

type harness struct {
	dispatcher *Dispatcher
	bus        *membus.Bus
	store      *memstore.Store
	admission  *admission.Controller
	metrics    *metrics.Registry
}

func newHarness(t *testing.T, gw enrichment.Gateway, store Inserter, n, m int) *harness {
	t.Helper()
	ctrl, err := admission.New(n, m)
	require.NoError(t, err)

	b := membus.New(16)
	mem := memstore.New(nil)
	if store == nil {
		store = mem
	}
	reg := metrics.NewRegistry(nil)
	d, err := New(Config{ServiceName: "intake", QoS: 1}, Deps{
		Bus:       b,
		Admission: ctrl,
		Gateway:   gw,
		Fallback:  enrichment.NewHeuristic(""),
		Store:     store,
		Metrics:   reg,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	return &harness{dispatcher: d, bus: b, store: mem, admission: ctrl, metrics: reg}
}

func (h *harness) send(t *testing.T, topic, payload string) {
	t.Helper()
	h.dispatcher.OnEvent(context.Background(), bus.Event{Topic: topic, Payload: []byte(payload), ReceivedAt: time.Now()})
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Wait(ctx))
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestStructuredTaskIsEnrichedAndStored(t *testing.T) {
	gw := gatewayFunc(func(_ context.Context, description string) (enrichment.Result, error) {
		return enrichment.Result{Enhanced: "Better: " + description, Priority: task.PriorityHigh, Project: "ops"}, nil
	})
	h := newHarness(t, gw, nil, 5, 2)

	h.send(t, "mcp/alice", `{"description":"Fix login bug"}`)
	h.wait(t)

	records := h.store.List()
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "Fix login bug", rec.RawDescription)
	require.Equal(t, "Better: Fix login bug", rec.EnhancedDescription)
	require.Equal(t, task.PriorityHigh, rec.Priority)
	require.Equal(t, "ops", rec.Project)
	require.Equal(t, "alice", rec.TargetAgent)
	require.Equal(t, task.StatusPending, rec.Status)
	require.NotNil(t, rec.Context)
	require.Equal(t, "intake", *rec.Context)

	msgs := h.bus.PublishedTo("response/alice/todo")
	require.Len(t, msgs, 1)
	require.EqualValues(t, 1, msgs[0].QoS)
	out := decode[SuccessPayload](t, msgs[0].Payload)
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, "Added new todo: Fix login bug", out.Message)
	require.Equal(t, rec.ID, out.ID)
	require.Equal(t, "high", out.Priority)
	require.Equal(t, "ops", out.Project)

	snap := h.metrics.Snapshot()
	require.EqualValues(t, 1, snap.Received)
	require.EqualValues(t, 1, snap.Processed)
	require.EqualValues(t, 0, snap.Failed)
	require.EqualValues(t, 1, snap.EnrichmentRequested)
	require.EqualValues(t, 1, snap.EnrichmentSucceeded)
}

func TestHeuristicOnlyTaskFromAgentTopic(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)

	h.send(t, "mcp/alice", `{"description":"Fix urgent bug in login"}`)
	h.wait(t)

	records := h.store.List()
	require.Len(t, records, 1)
	require.Equal(t, "Fix urgent bug in login", records[0].RawDescription)
	require.Equal(t, task.PriorityHigh, records[0].Priority)
	require.Equal(t, "alice", records[0].TargetAgent)
	require.Equal(t, enrichment.DefaultProject, records[0].Project)

	msgs := h.bus.PublishedTo("response/alice/todo")
	require.Len(t, msgs, 1)
	out := decode[SuccessPayload](t, msgs[0].Payload)
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, "high", out.Priority)
	require.Equal(t, records[0].ID, out.ID)
	require.Empty(t, h.bus.PublishedTo("response/alice/error"))

	snap := h.metrics.Snapshot()
	require.EqualValues(t, 1, snap.Received)
	require.EqualValues(t, 1, snap.Processed)
}

func TestGatewayFailureFallsBackToHeuristic(t *testing.T) {
	gw := gatewayFunc(func(context.Context, string) (enrichment.Result, error) {
		return enrichment.Result{}, intakeerrors.Enrichment(errors.New("upstream down"))
	})
	h := newHarness(t, gw, nil, 5, 2)

	h.send(t, "mcp/bob", "urgent: update slack webhook")
	h.wait(t)

	records := h.store.List()
	require.Len(t, records, 1)
	require.Equal(t, "urgent: update slack webhook", records[0].RawDescription)
	require.Equal(t, task.PriorityHigh, records[0].Priority)
	require.Equal(t, "slack-integration", records[0].Project)
	require.Contains(t, records[0].EnhancedDescription, "Task: urgent: update slack webhook")

	snap := h.metrics.Snapshot()
	require.EqualValues(t, 1, snap.Processed)
	require.EqualValues(t, 1, snap.EnrichmentRequested)
	require.EqualValues(t, 0, snap.EnrichmentSucceeded)
}

func TestCallerProjectWinsOverGateway(t *testing.T) {
	gw := gatewayFunc(func(context.Context, string) (enrichment.Result, error) {
		return enrichment.Result{Enhanced: "x", Priority: task.PriorityLow, Project: "github-tools"}, nil
	})
	h := newHarness(t, gw, nil, 5, 2)

	h.send(t, "mcp/carol", `{"description":"Review GitHub PR","project":"billing"}`)
	h.wait(t)

	records := h.store.List()
	require.Len(t, records, 1)
	require.Equal(t, "billing", records[0].Project)
}

func TestEmptyPayloadStoresPlaceholder(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)

	h.send(t, "mcp/dave", "   ")
	h.wait(t)

	records := h.store.List()
	require.Len(t, records, 1)
	require.Equal(t, task.EmptyDescription, records[0].RawDescription)
	require.Equal(t, enrichment.DefaultProject, records[0].Project)
}

func TestPersistenceFailurePublishesError(t *testing.T) {
	store := failingStore{err: intakeerrors.Persistence(errors.New("disk full"))}
	h := newHarness(t, nil, store, 5, 2)

	h.send(t, "mcp/erin", `{"description":"Write docs for github sync"}`)
	h.wait(t)

	require.Empty(t, h.bus.PublishedTo("response/erin/todo"))
	msgs := h.bus.PublishedTo("response/erin/error")
	require.Len(t, msgs, 1)
	out := decode[ErrorPayload](t, msgs[0].Payload)
	require.Equal(t, StatusError, out.Status)
	require.Contains(t, out.Error, "disk full")
	require.Equal(t, "github-tools", out.Project)

	snap := h.metrics.Snapshot()
	require.EqualValues(t, 1, snap.Received)
	require.EqualValues(t, 0, snap.Processed)
	require.EqualValues(t, 1, snap.Failed)
}

func TestPublishFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)
	h.bus.FailPublish(func(string) error { return errors.New("broker gone") })

	h.send(t, "mcp/frank", "ship it")
	h.wait(t)

	require.Equal(t, 1, h.store.Len())
	require.EqualValues(t, 1, h.metrics.Snapshot().Processed)
}

func TestCancelledAdmissionDropsTask(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)
	h.admission.Cancel()

	h.send(t, "mcp/gina", "never stored")
	h.wait(t)

	require.Zero(t, h.store.Len())
	require.Empty(t, h.bus.Published())
	snap := h.metrics.Snapshot()
	require.EqualValues(t, 1, snap.Received)
	require.EqualValues(t, 0, snap.Processed+snap.Failed)
}

func TestCancelWhileWaitingForEnrichmentDropsUnit(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	gw := gatewayFunc(func(context.Context, string) (enrichment.Result, error) {
		entered <- struct{}{}
		<-release
		return enrichment.Result{Enhanced: "ok", Priority: task.PriorityMedium}, nil
	})
	h := newHarness(t, gw, nil, 5, 1)

	h.send(t, "mcp/kim", "first")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first unit never reached the gateway")
	}

	h.send(t, "mcp/kim", "second")
	require.Eventually(t, func() bool {
		return h.admission.InUse(admission.GateTask) == 2
	}, 5*time.Second, time.Millisecond)

	h.admission.Cancel()
	require.Eventually(t, func() bool {
		return h.admission.InUse(admission.GateTask) == 1
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.dispatcher.InFlight() == 1 }, 5*time.Second, time.Millisecond)
	require.Empty(t, h.bus.Published())

	close(release)
	h.wait(t)

	snap := h.metrics.Snapshot()
	require.EqualValues(t, 2, snap.Received)
	require.EqualValues(t, 1, snap.Processed)
	require.EqualValues(t, 0, snap.Failed)
	require.EqualValues(t, 1, snap.EnrichmentRequested)
	require.Zero(t, h.admission.InUse(admission.GateTask))
	require.Zero(t, h.admission.InUse(admission.GateEnrichment))

	require.Equal(t, 1, h.store.Len())
	require.Len(t, h.bus.Published(), 1)
	require.Len(t, h.bus.PublishedTo("response/kim/todo"), 1)
}

func TestPanicInUnitCountsAsFailure(t *testing.T) {
	gw := gatewayFunc(func(context.Context, string) (enrichment.Result, error) {
		panic("boom")
	})
	h := newHarness(t, gw, nil, 5, 2)

	h.send(t, "mcp/hank", "anything")
	h.wait(t)

	msgs := h.bus.PublishedTo("response/hank/error")
	require.Len(t, msgs, 1)
	require.Contains(t, decode[ErrorPayload](t, msgs[0].Payload).Error, "boom")
	require.EqualValues(t, 1, h.metrics.Snapshot().Failed)
	require.Zero(t, h.admission.InUse(admission.GateTask))
	require.Zero(t, h.admission.InUse(admission.GateEnrichment))
}

func TestConcurrencyStaysWithinGates(t *testing.T) {
	const n, m, units = 3, 1, 12
	var (
		mu          sync.Mutex
		active, peak int
	)
	h := (*harness)(nil)
	gw := gatewayFunc(func(context.Context, string) (enrichment.Result, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		assert.LessOrEqual(t, h.admission.InUse(admission.GateTask), n)
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return enrichment.Result{Enhanced: "ok", Priority: task.PriorityMedium}, nil
	})
	h = newHarness(t, gw, nil, n, m)

	for i := 0; i < units; i++ {
		h.send(t, "mcp/ivy", "task")
	}
	h.wait(t)

	require.Equal(t, units, h.store.Len())
	require.LessOrEqual(t, peak, m)
	snap := h.metrics.Snapshot()
	require.EqualValues(t, units, snap.Received)
	require.EqualValues(t, units, snap.Processed)
	require.Zero(t, h.dispatcher.InFlight())
}

func TestStatusCommandPublishesSnapshot(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)
	h.send(t, "mcp/jo", "one")
	h.wait(t)

	h.send(t, "mcp_server/control", `{"command":"status"}`)

	msgs := h.bus.PublishedTo("response/mcp_server/status")
	require.Len(t, msgs, 1)
	var out struct {
		Status  string         `json:"status"`
		Metrics map[string]any `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &out))
	require.Equal(t, StatusRunning, out.Status)
	require.EqualValues(t, 1, out.Metrics["tasks_received"])
	require.EqualValues(t, 1, out.Metrics["tasks_processed"])
}

func TestShutdownCommandTriggersShutdown(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)
	trigger := &countingTrigger{}
	h.dispatcher.SetShutdown(trigger)

	h.send(t, "mcp_server/control", `{"command":"shutdown"}`)
	require.EqualValues(t, 1, trigger.calls.Load())
}

func TestMalformedAndUnknownControlAreIgnored(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)
	trigger := &countingTrigger{}
	h.dispatcher.SetShutdown(trigger)

	h.send(t, "mcp_server/control", `not json`)
	h.send(t, "mcp_server/control", `{"command":"reboot"}`)

	require.Zero(t, trigger.calls.Load())
	require.Empty(t, h.bus.Published())
	require.Zero(t, h.dispatcher.InFlight())
	require.EqualValues(t, 0, h.metrics.Snapshot().Received)
}

func TestUnroutedTopicIsIgnored(t *testing.T) {
	h := newHarness(t, nil, nil, 5, 2)
	h.send(t, "other/topic", "x")
	h.wait(t)
	require.Zero(t, h.store.Len())
	require.EqualValues(t, 0, h.metrics.Snapshot().Received)
}

func TestTrackerWaitSeesLateUnits(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.wait(context.Background()))

	tr.add()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.wait(ctx), context.DeadlineExceeded)

	tr.done()
	tr.add()
	tr.done()
	require.NoError(t, tr.wait(context.Background()))
}

func TestTaskSpansNestUnderDispatch(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctrl, err := admission.New(2, 1)
	require.NoError(t, err)
	d, err := New(Config{}, Deps{
		Bus:       membus.New(4),
		Admission: ctrl,
		Store:     memstore.New(nil),
		Metrics:   metrics.NewRegistry(nil),
		Tracer:    provider.Tracer("dispatch-test"),
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)

	d.OnEvent(context.Background(), bus.Event{Topic: "mcp/bob", Payload: []byte(`{"description":"rotate keys"}`)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		byName[s.Name()] = s
	}
	root, ok := byName[observability.SpanDispatchTask]
	require.True(t, ok)
	for _, name := range []string{observability.SpanEnrich, observability.SpanPersist} {
		child, ok := byName[name]
		require.True(t, ok, name)
		require.Equal(t, root.SpanContext().SpanID(), child.Parent().SpanID(), name)
	}

	attrs := map[string]string{}
	for _, kv := range root.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, metrics.OutcomeProcessed, attrs[observability.AttrOutcome])
	require.NotEmpty(t, attrs[observability.AttrRecordID])
}
