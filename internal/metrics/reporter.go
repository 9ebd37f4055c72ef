package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intake/internal/logging"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is how often the reporter publishes a snapshot.
const DefaultInterval = 30 * time.Second

// Publisher is the slice of the message bus the reporter needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error
}

// ReporterConfig configures the periodic snapshot publisher.
type ReporterConfig struct {
	Topic          string
	Interval       time.Duration
	QoS            byte
	PublishTimeout time.Duration
}

// Reporter publishes registry snapshots on a fixed schedule and once more
// when it is stopped.
type Reporter struct {
	registry *Registry
	pub      Publisher
	cfg      ReporterConfig
	logger   logging.Logger

	cron     *cron.Cron
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewReporter builds a reporter. It does nothing until Start.
func NewReporter(registry *Registry, pub Publisher, cfg ReporterConfig, logger logging.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	logger = logging.OrNop(logger)
	return &Reporter{
		registry: registry,
		pub:      pub,
		cfg:      cfg,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		stopped:  make(chan struct{}),
	}
}

// Start schedules the periodic publish. Cancelling ctx stops the reporter
// the same way Stop does.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("metrics reporter already started")
	}
	select {
	case <-r.stopped:
		return fmt.Errorf("metrics reporter already stopped")
	default:
	}

	r.cron.Schedule(cron.Every(r.cfg.Interval), cron.FuncJob(func() { r.publish("interval") }))
	r.cron.Start()
	r.started = true
	r.logger.Info("Metrics reporter publishing to %s every %s", r.cfg.Topic, r.cfg.Interval)

	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopped:
		}
	}()
	return nil
}

// Stop cancels the schedule, waits for a running publish to finish and then
// publishes one final snapshot. Safe to call multiple times.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
		r.publish("final")
		close(r.stopped)
	})
}

// Done is closed once Stop has completed.
func (r *Reporter) Done() <-chan struct{} {
	return r.stopped
}

func (r *Reporter) publish(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()

	snap := r.registry.Snapshot()
	if err := r.pub.Publish(ctx, r.cfg.Topic, snap, r.cfg.QoS, false); err != nil {
		r.logger.Warn("Metrics publish (%s) failed: %v", reason, err)
		return
	}
	r.logger.Debug("Metrics published (%s): received=%d processed=%d failed=%d",
		reason, snap.Received, snap.Processed, snap.Failed)
}

// cronLogger routes cron's own diagnostics into the service logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
