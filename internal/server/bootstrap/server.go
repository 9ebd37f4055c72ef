// Package bootstrap builds the production component graph from config and
// runs it.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"intake/internal/bus/mqtt"
	"intake/internal/config"
	"intake/internal/enrichment"
	"intake/internal/logging"
	"intake/internal/observability"
	"intake/internal/server"
	"intake/internal/store"
)

// Options carries process-level hooks.
type Options struct {
	Version string
	// Exit is called on a second termination signal. Defaults to os.Exit.
	Exit func(code int)
}

// RunServer starts the service and blocks until it has shut down. It
// returns an error when a required component cannot start, including the
// initial broker connection.
func RunServer(ctx context.Context, cfg config.Config, opts Options) error {
	obsLogger := InitLogging(cfg.Log, cfg.ServiceName)
	logger := logging.FromObservabilityWithComponent(obsLogger, "bootstrap")
	logger.Info("Starting %s %s (broker %s)", cfg.ServiceName, opts.Version, cfg.Broker.BrokerURL())

	cfg.Tracing.ServiceVersion = opts.Version
	degraded := NewDegraded()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		tracer     trace.Tracer = observability.NoopTracer()
		cleanup                 = func() {}
		llmMetrics *observability.LLMMetrics
		st         store.Store
		gateway    enrichment.Gateway
		srv        *server.Server
	)
	defer func() { cleanup() }()
	defer func() {
		if err := llmMetrics.Shutdown(context.Background()); err != nil {
			logger.Warn("Meter shutdown error: %v", err)
		}
	}()

	stages := []Stage{
		{
			Name: "tracing", Required: false,
			Init: func() error {
				t, c, err := InitTracing(ctx, cfg.Tracing, logger)
				tracer, cleanup = t, c
				return err
			},
		},
		{
			Name: "llm-metrics", Required: false,
			Init: func() error {
				var err error
				llmMetrics, err = observability.NewLLMMetrics(registry)
				return err
			},
		},
		{
			Name: "store", Required: true,
			Init: func() error {
				var err error
				st, err = store.Open(ctx, cfg.Store, logging.FromObservabilityWithComponent(obsLogger, "store"))
				return err
			},
		},
		{
			Name: "enrichment", Required: true,
			Init: func() error {
				var recorder enrichment.RequestRecorder
				if llmMetrics != nil {
					recorder = llmMetrics
				}
				gateway = enrichment.New(cfg.Enrichment, logging.FromObservabilityWithComponent(obsLogger, "enrichment"), recorder)
				return nil
			},
		},
		{
			Name: "server", Required: true,
			Init: func() error {
				b := mqtt.New(cfg.Broker.Config, logging.FromObservabilityWithComponent(obsLogger, "mqtt"))
				var err error
				srv, err = server.New(cfg, server.Deps{
					Bus:      b,
					Store:    st,
					Gateway:  gateway,
					Tracer:   tracer,
					Logger:   logging.FromObservabilityWithComponent(obsLogger, "server"),
					Registry: registry,
				})
				return err
			},
		},
	}

	if err := RunStages(stages, degraded, logger); err != nil {
		if st != nil {
			_ = st.Close()
		}
		return fmt.Errorf("bootstrap: %w", err)
	}
	if !degraded.IsEmpty() {
		logger.Warn("Running with degraded components: %s", degraded)
	}

	stopSignals := srv.Coordinator().NotifyOnSignal(opts.Exit)
	defer stopSignals()

	return srv.Run(ctx)
}
