package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "intake"

// Outcome labels for task units.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Collectors mirrors the registry into Prometheus. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	reg          prometheus.Registerer
	received     prometheus.Counter
	outcomes     *prometheus.CounterVec
	enrichment   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
}

// MustNewCollectors registers the collectors with reg, reusing ones that are
// already registered. Any other registration error panics.
func MustNewCollectors(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collectors{
		reg: reg,
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "received_total",
			Help:      "Task events that entered the dispatch path.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "outcomes_total",
			Help:      "Task units by terminal outcome.",
		}, []string{"outcome"}),
		enrichment: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "requests_total",
			Help:      "Enrichment gateway calls by result.",
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time of a task unit from admission to release.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	c.received = mustRegister(reg, c.received)
	c.outcomes = mustRegister(reg, c.outcomes)
	c.enrichment = mustRegister(reg, c.enrichment)
	c.taskDuration = mustRegister(reg, c.taskDuration)
	return c
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// TrackGate exports the occupancy of an admission gate as a gauge.
func (c *Collectors) TrackGate(gate string, inUse func() int) {
	if c == nil || inUse == nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "admission",
		Name:        "permits_in_use",
		Help:        "Permits currently held per admission gate.",
		ConstLabels: prometheus.Labels{"gate": gate},
	}, func() float64 { return float64(inUse()) })
	mustRegister[prometheus.Collector](c.reg, gauge)
}

// TrackInboxDrops exports the transport's count of discarded inbound
// messages.
func (c *Collectors) TrackInboxDrops(dropped func() uint64) {
	if c == nil || dropped == nil {
		return
	}
	counter := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "inbound_dropped_total",
		Help:      "Inbound messages discarded because the inbox stayed full.",
	}, func() float64 { return float64(dropped()) })
	mustRegister[prometheus.Collector](c.reg, counter)
}

// ObserveTaskDuration records how long a unit held its task permit.
func (c *Collectors) ObserveTaskDuration(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncDropped counts a unit abandoned because admission was cancelled.
func (c *Collectors) IncDropped() {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(OutcomeDropped).Inc()
}

// Collectors returns the Prometheus mirror, possibly nil.
func (r *Registry) Collectors() *Collectors {
	return r.collectors
}

func (c *Collectors) observeReceived() {
	if c == nil {
		return
	}
	c.received.Inc()
}

func (c *Collectors) observeOutcome(outcome string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(outcome).Inc()
}

func (c *Collectors) observeEnrichment(succeeded bool) {
	if c == nil {
		return
	}
	result := "error"
	if succeeded {
		result = "success"
	}
	c.enrichment.WithLabelValues(result).Inc()
}
