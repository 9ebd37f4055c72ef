// Package server wires the intake pipeline into one context object and
// runs it until shutdown completes.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"intake/internal/admission"
	"intake/internal/async"
	"intake/internal/bus"
	"intake/internal/config"
	"intake/internal/dispatch"
	"intake/internal/enrichment"
	intakeerrors "intake/internal/errors"
	"intake/internal/logging"
	"intake/internal/metrics"
	"intake/internal/observability"
	"intake/internal/shutdown"
	"intake/internal/store"
)

// Deps are the externally built components. Bus and Store are required.
type Deps struct {
	Bus      bus.Bus
	Store    store.Store
	Gateway  enrichment.Gateway
	Tracer   trace.Tracer
	Logger   logging.Logger
	Registry *prometheus.Registry
	// Sleep overrides the shutdown grace wait in tests.
	Sleep func(ctx context.Context, d time.Duration)
}

// Server owns every long-lived component of the service.
type Server struct {
	cfg         config.Config
	bus         bus.Bus
	store       store.Store
	admission   *admission.Controller
	metrics     *metrics.Registry
	reporter    *metrics.Reporter
	dispatcher  *dispatch.Dispatcher
	coordinator *shutdown.Coordinator
	httpMetrics *observability.MetricsServer
	logger      logging.Logger
}

// New builds the component graph from cfg. Nothing is started.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Bus == nil {
		return nil, errors.New("server requires a bus")
	}
	if deps.Store == nil {
		return nil, errors.New("server requires a store")
	}
	logger := logging.OrNop(deps.Logger)

	ctrl, err := admission.New(cfg.Admission.TaskCapacity, cfg.Admission.EnrichmentCapacity)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}

	promRegistry := deps.Registry
	if promRegistry == nil {
		promRegistry = prometheus.NewRegistry()
	}
	collectors := metrics.MustNewCollectors(promRegistry)
	collectors.TrackGate(admission.GateTask.String(), func() int { return ctrl.InUse(admission.GateTask) })
	collectors.TrackGate(admission.GateEnrichment.String(), func() int { return ctrl.InUse(admission.GateEnrichment) })
	if dc, ok := deps.Bus.(bus.DropCounter); ok {
		collectors.TrackInboxDrops(dc.Dropped)
	}
	registry := metrics.NewRegistry(collectors)

	publishTimeout := 5 * time.Second
	reporter := metrics.NewReporter(registry, deps.Bus, metrics.ReporterConfig{
		Topic:          cfg.Topics.Metrics,
		Interval:       cfg.Metrics.Interval,
		QoS:            cfg.Broker.QoS,
		PublishTimeout: publishTimeout,
	}, logger)

	dispatcher, err := dispatch.New(dispatch.Config{
		TaskFilter:     cfg.Topics.Task,
		ControlTopic:   cfg.Topics.Control,
		StatusTopic:    cfg.Topics.Status,
		ResponsePrefix: cfg.Topics.ResponsePrefix,
		ServiceName:    cfg.ServiceName,
		QoS:            cfg.Broker.QoS,
		PublishTimeout: publishTimeout,
	}, dispatch.Deps{
		Bus:       deps.Bus,
		Admission: ctrl,
		Gateway:   deps.Gateway,
		Fallback:  enrichment.NewHeuristic(cfg.Enrichment.DefaultProject),
		Store:     deps.Store,
		Metrics:   registry,
		Tracer:    deps.Tracer,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	coordinator := shutdown.New(shutdown.Config{
		StatusTopic:    cfg.Topics.Status,
		QoS:            cfg.Broker.QoS,
		Grace:          cfg.Shutdown.Grace,
		DrainTimeout:   cfg.Shutdown.DrainTimeout,
		PublishTimeout: publishTimeout,
	}, shutdown.Deps{
		Bus:       deps.Bus,
		Announce:  func() any { return dispatch.NewShutdownPayload(registry.Snapshot()) },
		Admission: ctrl,
		Reporter:  reporter,
		Drainer:   dispatcher,
		Logger:    logger,
		Sleep:     deps.Sleep,
	})
	dispatcher.SetShutdown(coordinator)

	s := &Server{
		cfg:         cfg,
		bus:         deps.Bus,
		store:       deps.Store,
		admission:   ctrl,
		metrics:     registry,
		reporter:    reporter,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		logger:      logger,
	}
	if cfg.Metrics.ListenAddr != "" {
		s.httpMetrics = observability.NewMetricsServer(cfg.Metrics.ListenAddr, promRegistry, func() bool {
			return coordinator.State() == shutdown.StateRunning
		}, nil)
		s.httpMetrics.HandleStatus(func() any { return dispatch.NewStatusPayload(registry.Snapshot()) })
	}
	return s, nil
}

// Coordinator exposes shutdown so callers can route signals into it.
func (s *Server) Coordinator() *shutdown.Coordinator { return s.coordinator }

// Metrics returns the counter registry.
func (s *Server) Metrics() *metrics.Registry { return s.metrics }

// Dispatcher returns the event dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Run connects, subscribes and pumps events until shutdown completes.
// Failing to connect or subscribe is returned as an error; cancelling ctx
// triggers a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeStore()
	retry := s.cfg.Broker.RetryConfig()

	if c, ok := s.bus.(bus.Connector); ok {
		if err := intakeerrors.RetryWithLog(ctx, retry, c.Connect, s.logger); err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
	}

	events, err := intakeerrors.RetryWithResultAndLog(ctx, retry, func(ctx context.Context) (<-chan bus.Event, error) {
		return s.bus.Subscribe(ctx, s.dispatcher.Filters()...)
	}, s.logger)
	if err != nil {
		s.disconnect()
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("Subscribed to %s and %s", s.cfg.Topics.Task, s.cfg.Topics.Control)

	if err := s.reporter.Start(ctx); err != nil {
		s.disconnect()
		return fmt.Errorf("start metrics reporter: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	unitCtx := context.WithoutCancel(ctx)

	g.Go(func() error {
		defer async.Recover(s.logger, "server.pump")
		for ev := range events {
			s.dispatcher.OnEvent(unitCtx, ev)
		}
		s.coordinator.Trigger("event stream closed")
		return nil
	})

	if s.httpMetrics != nil {
		g.Go(func() error {
			if err := s.httpMetrics.Serve(); err != nil {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-s.coordinator.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.httpMetrics.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.coordinator.Trigger("context cancelled")
		case <-s.coordinator.Done():
		}
		return nil
	})

	<-s.coordinator.Done()
	runErr := g.Wait()

	snap := s.metrics.Snapshot()
	s.logger.Info("Stopped: received=%d processed=%d failed=%d", snap.Received, snap.Processed, snap.Failed)
	return runErr
}

func (s *Server) closeStore() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Closing store failed: %v", err)
	}
}

func (s *Server) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Disconnect(ctx); err != nil {
		s.logger.Warn("Bus disconnect failed: %v", err)
	}
}
