// Package dispatch routes inbound bus events: control commands are handled
// inline and every task event runs as its own admission-gated unit of work.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"intake/internal/admission"
	"intake/internal/async"
	"intake/internal/bus"
	"intake/internal/enrichment"
	intakeerrors "intake/internal/errors"
	"intake/internal/logging"
	"intake/internal/metrics"
	"intake/internal/observability"
	"intake/internal/task"
)

// Config holds topic routing and payload settings.
type Config struct {
	TaskFilter     string
	ControlTopic   string
	StatusTopic    string
	ResponsePrefix string
	ServiceName    string
	DefaultAgent   string
	QoS            byte
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskFilter == "" {
		c.TaskFilter = "mcp/+"
	}
	if c.ControlTopic == "" {
		c.ControlTopic = "mcp_server/control"
	}
	if c.StatusTopic == "" {
		c.StatusTopic = "response/mcp_server/status"
	}
	if c.ResponsePrefix == "" {
		c.ResponsePrefix = "response"
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "user"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Publisher is the outbound half of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error
}

// Inserter persists records.
type Inserter interface {
	Insert(ctx context.Context, record *task.Record) (string, error)
}

// Trigger starts shutdown. It must not block.
type Trigger interface {
	Trigger(reason string)
}

// Deps are the collaborators a Dispatcher is built from.
type Deps struct {
	Bus       Publisher
	Admission *admission.Controller
	Gateway   enrichment.Gateway
	Fallback  *enrichment.Heuristic
	Store     Inserter
	Metrics   *metrics.Registry
	Tracer    trace.Tracer
	Logger    logging.Logger
	Now       func() time.Time
}

// Dispatcher classifies events and runs task units.
type Dispatcher struct {
	cfg       Config
	bus       Publisher
	admission *admission.Controller
	gateway   enrichment.Gateway
	fallback  *enrichment.Heuristic
	store     Inserter
	metrics   *metrics.Registry
	tracer    trace.Tracer
	logger    logging.Logger
	now       func() time.Time
	units     *tracker

	mu       sync.RWMutex
	shutdown Trigger
}

// New validates deps and builds a Dispatcher. A nil Gateway means the
// heuristic is used for every task.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Bus == nil:
		return nil, errors.New("dispatcher requires a bus")
	case deps.Admission == nil:
		return nil, errors.New("dispatcher requires an admission controller")
	case deps.Store == nil:
		return nil, errors.New("dispatcher requires a store")
	case deps.Metrics == nil:
		return nil, errors.New("dispatcher requires a metrics registry")
	}

	fallback := deps.Fallback
	if fallback == nil {
		fallback = enrichment.NewHeuristic("")
	}
	gateway := deps.Gateway
	if gateway == nil {
		gateway = fallback
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		bus:       deps.Bus,
		admission: deps.Admission,
		gateway:   gateway,
		fallback:  fallback,
		store:     deps.Store,
		metrics:   deps.Metrics,
		tracer:    tracer,
		logger:    logging.OrNop(deps.Logger),
		now:       now,
		units:     newTracker(),
	}, nil
}

// SetShutdown wires the shutdown trigger used by the shutdown command.
func (d *Dispatcher) SetShutdown(t Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown = t
}

// Filters returns the topic filters the dispatcher expects to receive.
func (d *Dispatcher) Filters() []string {
	return []string{d.cfg.TaskFilter, d.cfg.ControlTopic}
}

// OnEvent never blocks on admission. ctx is the parent for the spawned unit
// and should outlive shutdown's draining phase.
func (d *Dispatcher) OnEvent(ctx context.Context, ev bus.Event) {
	switch {
	case ev.Topic == d.cfg.ControlTopic:
		d.handleControl(ctx, ev)
	case bus.Match(d.cfg.TaskFilter, ev.Topic):
		agent := bus.Level(ev.Topic, 1)
		if agent == "" {
			agent = d.cfg.DefaultAgent
		}
		d.units.add()
		async.Go(d.logger, "dispatch "+ev.Topic, func() {
			defer d.units.done()
			d.runUnit(ctx, ev, agent)
		})
	default:
		d.logger.Debug("Ignoring event on unrouted topic %s", ev.Topic)
	}
}

// Wait blocks until no unit is running or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	return d.units.wait(ctx)
}

// InFlight reports how many units are running.
func (d *Dispatcher) InFlight() int {
	return d.units.count()
}

func (d *Dispatcher) handleControl(ctx context.Context, ev bus.Event) {
	ctx, span := d.tracer.Start(ctx, observability.SpanDispatchControl,
		trace.WithAttributes(attribute.String(observability.AttrTopic, ev.Topic)))
	defer span.End()

	var cmd Command
	if err := json.Unmarshal(ev.Payload, &cmd); err != nil {
		err = fmt.Errorf("%w: control message: %w", intakeerrors.ErrParse, err)
		d.logger.Warn("Discarding control message on %s: %v", ev.Topic, err)
		span.RecordError(err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(cmd.Command)) {
	case CommandShutdown:
		d.mu.RLock()
		trigger := d.shutdown
		d.mu.RUnlock()
		if trigger == nil {
			d.logger.Warn("Shutdown command received but no shutdown handler is wired")
			return
		}
		d.logger.Info("Shutdown command received on %s", ev.Topic)
		trigger.Trigger("control command")
	case CommandStatus:
		snap := d.metrics.Snapshot()
		d.publish(ctx, d.cfg.StatusTopic, NewStatusPayload(snap))
	default:
		d.logger.Debug("Ignoring unknown control command %q", cmd.Command)
	}
}

// runUnit is one task from receipt to terminal outcome.
func (d *Dispatcher) runUnit(ctx context.Context, ev bus.Event, agent string) {
	ctx, span := d.tracer.Start(ctx, observability.SpanDispatchTask,
		trace.WithAttributes(observability.TaskAttrs(ev.Topic, agent)...))
	defer span.End()

	d.metrics.IncReceived()

	permit, err := d.admission.AcquireTask(ctx)
	if err != nil {
		d.drop(span, ev, err)
		return
	}
	defer permit.Release()

	started := d.now()
	outcome := metrics.OutcomeFailed
	terminal := false
	project := ""
	defer func() {
		d.metrics.Collectors().ObserveTaskDuration(outcome, d.now().Sub(started))
		span.SetAttributes(attribute.String(observability.AttrOutcome, outcome))
	}()
	defer async.RecoverWith(d.logger, "dispatch "+ev.Topic, func(r any) {
		if terminal {
			return
		}
		terminal = true
		d.metrics.IncFailed()
		err := fmt.Errorf("internal error: %v", r)
		span.SetStatus(codes.Error, err.Error())
		d.publish(ctx, d.responseTopic(agent, "error"), ErrorPayload{
			Status: StatusError, Error: err.Error(), Project: project, Timestamp: d.now().UTC(),
		})
	})

	payload := task.DecodePayload(ev.Payload)
	description := payload.Description()
	hint := ""
	if s, ok := payload.(task.Structured); ok {
		hint = s.Field("project")
	}

	var result enrichment.Result
	err = d.admission.Enrich(ctx, permit, func(ctx context.Context) error {
		result = d.enrich(ctx, description, hint)
		return nil
	})
	if err != nil {
		outcome = metrics.OutcomeDropped
		d.drop(span, ev, err)
		return
	}
	project = result.Project
	span.SetAttributes(
		attribute.String(observability.AttrProject, result.Project),
		attribute.String(observability.AttrPriority, string(result.Priority)),
	)

	record := task.NewRecord(description, result.Enhanced, result.Priority, agent, result.Project, d.now()).
		WithContext(d.cfg.ServiceName)

	rid, err := d.persist(ctx, record)
	if err != nil {
		terminal = true
		d.metrics.IncFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		d.logger.Error("Persisting task from %s failed: %v", ev.Topic, err)
		d.publish(ctx, d.responseTopic(agent, "error"), ErrorPayload{
			Status: StatusError, Error: err.Error(), Project: result.Project, Timestamp: d.now().UTC(),
		})
		return
	}

	terminal = true
	outcome = metrics.OutcomeProcessed
	d.metrics.IncProcessed()
	span.SetAttributes(attribute.String(observability.AttrRecordID, rid))
	d.logger.Info("Stored task %s for %s (priority %s, project %s)", rid, agent, result.Priority, result.Project)
	d.publish(ctx, d.responseTopic(agent, "todo"), SuccessPayload{
		Status:      StatusSuccess,
		Message:     "Added new todo: " + description,
		ID:          rid,
		Description: description,
		Priority:    string(result.Priority),
		Project:     result.Project,
		Timestamp:   d.now().UTC(),
	})
}

// enrich calls the gateway and falls back to the heuristic on any error.
// A project supplied in the payload always wins.
func (d *Dispatcher) enrich(ctx context.Context, description, hint string) enrichment.Result {
	ctx, span := d.tracer.Start(ctx, observability.SpanEnrich)
	defer span.End()

	res, err := d.gateway.Enhance(ctx, description)
	d.metrics.ObserveEnrichment(err == nil)
	if err != nil {
		errType := intakeerrors.GetErrorType(err)
		d.logger.Debug("Enrichment unavailable (%s), using heuristic: %v", errType, err)
		span.SetAttributes(
			attribute.String(observability.AttrOutcome, "fallback"),
			attribute.String(observability.AttrErrType, errType.String()),
		)
		return d.fallback.Fallback(description, hint)
	}

	if strings.TrimSpace(res.Enhanced) == "" {
		res.Enhanced = description
	}
	if res.Priority == "" {
		res.Priority = enrichment.Classify(description)
	}
	res.Project = d.fallback.Project(description, firstNonEmpty(hint, res.Project))
	return res
}

func (d *Dispatcher) persist(ctx context.Context, record *task.Record) (string, error) {
	ctx, span := d.tracer.Start(ctx, observability.SpanPersist)
	defer span.End()
	rid, err := d.store.Insert(ctx, record)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return rid, nil
}

func (d *Dispatcher) drop(span trace.Span, ev bus.Event, err error) {
	d.metrics.Collectors().IncDropped()
	span.SetAttributes(attribute.String(observability.AttrOutcome, metrics.OutcomeDropped))
	d.logger.Warn("Dropping task on %s: %v", ev.Topic, err)
}

func (d *Dispatcher) publish(ctx context.Context, topic string, payload any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PublishTimeout)
	defer cancel()
	if err := d.bus.Publish(ctx, topic, payload, d.cfg.QoS, false); err != nil {
		d.logger.Warn("Publish to %s failed: %v", topic, err)
	}
}

func (d *Dispatcher) responseTopic(agent, kind string) string {
	return fmt.Sprintf("%s/%s/%s", d.cfg.ResponsePrefix, agent, kind)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
