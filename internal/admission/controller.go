// Package admission bounds concurrent task work with two nested gates: a
// task gate and a smaller enrichment gate that is only ever entered while a
// task permit is held.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultTaskCapacity       = 5
	DefaultEnrichmentCapacity = 2
)

// ErrCancelled is returned by acquisitions once the controller is cancelled
// or the caller's context is done.
var ErrCancelled = errors.New("admission cancelled")

// Gate names a capacity gate.
type Gate int

const (
	GateTask Gate = iota
	GateEnrichment
)

func (g Gate) String() string {
	switch g {
	case GateTask:
		return "task"
	case GateEnrichment:
		return "enrichment"
	default:
		return "unknown"
	}
}

type gate struct {
	kind     Gate
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func newGate(kind Gate, capacity int) *gate {
	return &gate{kind: kind, sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// Permit is one slot of a gate. It must be released exactly once.
type Permit struct {
	gate     *gate
	released atomic.Bool
}

// Gate reports which gate issued the permit.
func (p *Permit) Gate() Gate {
	return p.gate.kind
}

// Release frees the slot. Releasing twice is a caller bug and panics.
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("admission: %s permit released twice", p.gate.kind))
	}
	p.gate.inUse.Add(-1)
	p.gate.sem.Release(1)
}

// Controller owns the task and enrichment gates.
type Controller struct {
	task       *gate
	enrichment *gate

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a controller. enrichmentCapacity may not exceed taskCapacity.
func New(taskCapacity, enrichmentCapacity int) (*Controller, error) {
	if taskCapacity < 1 || enrichmentCapacity < 1 {
		return nil, fmt.Errorf("admission capacities must be positive (task=%d, enrichment=%d)", taskCapacity, enrichmentCapacity)
	}
	if enrichmentCapacity > taskCapacity {
		return nil, fmt.Errorf("enrichment capacity %d exceeds task capacity %d", enrichmentCapacity, taskCapacity)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		task:       newGate(GateTask, taskCapacity),
		enrichment: newGate(GateEnrichment, enrichmentCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// AcquireTask blocks until a task slot is free.
func (c *Controller) AcquireTask(ctx context.Context) (*Permit, error) {
	return c.acquire(ctx, c.task)
}

// AcquireEnrichment blocks until an enrichment slot is free. held must be an
// unreleased task permit from this controller.
func (c *Controller) AcquireEnrichment(ctx context.Context, held *Permit) (*Permit, error) {
	if held == nil || held.gate != c.task || held.released.Load() {
		panic("admission: enrichment acquired without a held task permit")
	}
	return c.acquire(ctx, c.enrichment)
}

// Enrich runs fn while holding an enrichment permit nested inside held. The
// enrichment permit is released before Enrich returns, so held is always
// released last.
func (c *Controller) Enrich(ctx context.Context, held *Permit, fn func(ctx context.Context) error) error {
	permit, err := c.AcquireEnrichment(ctx, held)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}

func (c *Controller) acquire(ctx context.Context, g *gate) (*Permit, error) {
	if c.Cancelled() {
		return nil, ErrCancelled
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if err := g.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, ErrCancelled
	}
	if c.Cancelled() {
		g.sem.Release(1)
		return nil, ErrCancelled
	}

	g.inUse.Add(1)
	return &Permit{gate: g}, nil
}

// Cancel makes every blocked and future acquisition return ErrCancelled.
// Permits already handed out stay valid.
func (c *Controller) Cancel() {
	c.cancel()
}

// Cancelled reports whether Cancel has been called.
func (c *Controller) Cancelled() bool {
	return c.ctx.Err() != nil
}

// InUse reports the number of outstanding permits for a gate.
func (c *Controller) InUse(g Gate) int {
	switch g {
	case GateTask:
		return int(c.task.inUse.Load())
	case GateEnrichment:
		return int(c.enrichment.inUse.Load())
	}
	return 0
}

// Capacity reports the configured size of a gate.
func (c *Controller) Capacity(g Gate) int {
	switch g {
	case GateTask:
		return int(c.task.capacity)
	case GateEnrichment:
		return int(c.enrichment.capacity)
	}
	return 0
}
