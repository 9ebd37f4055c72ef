// Package shutdown drives the one-way Running → Draining → Stopped
// transition shared by the shutdown command and OS signals.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"intake/internal/async"
	"intake/internal/logging"
)

// State is the coordinator lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	DefaultGrace        = time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Publisher sends the final shutdown announcement.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error
}

// Disconnector closes the bus.
type Disconnector interface {
	Disconnect(ctx context.Context) error
}

// Drainer waits for in-flight units.
type Drainer interface {
	Wait(ctx context.Context) error
}

// Canceller stops new admissions and wakes blocked ones.
type Canceller interface {
	Cancel()
}

// Stopper stops a background component and blocks until it is done.
type Stopper interface {
	Stop()
}

// Config controls draining and the final announcement.
type Config struct {
	StatusTopic    string
	QoS            byte
	Grace          time.Duration
	DrainTimeout   time.Duration
	PublishTimeout time.Duration
}

// Deps are the components the coordinator shuts down, in order.
type Deps struct {
	Bus interface {
		Publisher
		Disconnector
	}
	// Announce builds the shutdown payload; it is called once at the start of draining.
	Announce  func() any
	Admission Canceller
	Reporter  Stopper
	Drainer   Drainer
	Logger    logging.Logger
	// Sleep is replaced in tests.
	Sleep func(ctx context.Context, d time.Duration)
}

// Coordinator sequences shutdown exactly once.
type Coordinator struct {
	cfg   Config
	deps  Deps
	state atomic.Int32
	once  sync.Once
	done  chan struct{}
}

// New builds a coordinator in the Running state.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	deps.Logger = logging.OrNop(deps.Logger)
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	return &Coordinator{cfg: cfg, deps: deps, done: make(chan struct{})}
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed once the coordinator reaches Stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Trigger starts draining and returns immediately. Only the first call has
// any effect.
func (c *Coordinator) Trigger(reason string) {
	c.once.Do(func() {
		c.state.Store(int32(StateDraining))
		c.deps.Logger.Info("Shutdown requested (%s), draining", reason)
		async.Go(c.deps.Logger, "shutdown.drain", c.drain)
	})
}

func (c *Coordinator) drain() {
	defer close(c.done)
	defer c.state.Store(int32(StateStopped))

	if c.deps.Bus != nil && c.deps.Announce != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
		if err := c.deps.Bus.Publish(ctx, c.cfg.StatusTopic, c.deps.Announce(), c.cfg.QoS, false); err != nil {
			c.deps.Logger.Warn("Shutdown announcement failed: %v", err)
		}
		cancel()
	}

	if c.deps.Admission != nil {
		c.deps.Admission.Cancel()
	}
	if c.deps.Reporter != nil {
		c.deps.Reporter.Stop()
	}

	if c.deps.Drainer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
		if err := c.deps.Drainer.Wait(ctx); err != nil {
			c.deps.Logger.Warn("In-flight tasks still running after %s: %v", c.cfg.DrainTimeout, err)
		}
		cancel()
	}

	c.deps.Sleep(context.Background(), c.cfg.Grace)

	if c.deps.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
		if err := c.deps.Bus.Disconnect(ctx); err != nil {
			c.deps.Logger.Warn("Bus disconnect failed: %v", err)
		}
		cancel()
	}
	c.deps.Logger.Info("Shutdown complete")
}

// NotifyOnSignal routes SIGINT/SIGTERM into Trigger. A second signal calls
// exit. The returned func stops listening.
func (c *Coordinator) NotifyOnSignal(exit func(code int)) func() {
	if exit == nil {
		exit = os.Exit
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	stop := make(chan struct{})
	async.Go(c.deps.Logger, "shutdown.signals", func() {
		c.watchSignals(sigCh, stop, exit)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(stop)
		})
	}
}

func (c *Coordinator) watchSignals(sigCh <-chan os.Signal, stop <-chan struct{}, exit func(int)) {
	received := 0
	for {
		select {
		case sig := <-sigCh:
			received++
			if received == 1 {
				c.Trigger("signal " + sig.String())
				continue
			}
			c.deps.Logger.Warn("Second signal %s, exiting immediately", sig)
			exit(1)
			return
		case <-stop:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
