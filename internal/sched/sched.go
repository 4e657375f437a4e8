// Package sched implements A3's cooperative GPU schedulers: the policies
// that decide, when more than one guest has outstanding BAR1 doorbell
// writes, which guest's command is actually submitted to the physical
// device next.
//
// Four policies are implemented: FIFO (plain queue, no fairness), Credit
// (round-robin with a replenished time budget), BAND (FIFO's credit
// model plus a three-class under/band/over priority split), and Direct
// (no queueing at all, used only in --through bypass mode).
package sched

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvmediator/a3/internal/record"
)

// Context is the per-guest surface a scheduler drives: enqueue/dequeue of
// its pending commands, the BAND credit-accounting hooks, and the id used
// for diagnostics. Satisfied by *ctxt.Context.
type Context interface {
	ID() uint32
	Budget() time.Duration
	BandwidthUsed() time.Duration
	Enqueue(cmd record.Command) bool
	Dequeue() (record.Command, bool)
	IsSuspended() bool
	UpdateBudget(d time.Duration)
	Replenish(credit, threshold, bandwidth time.Duration, idle bool)
	ClearSamplingBandwidthUsed(point uint64)
}

// Device is the device-wide surface a scheduler submits through: the
// device mutex, the BAR1 doorbell write a submitted command
// becomes, and the PGRAPH activity poll that tells a scheduler when the
// GPU has finished executing what it just submitted.
type Device interface {
	Lock()
	Unlock()
	SubmitDoorbell(ctx Context, cmd record.Command)
	IsActive(ctx Context) bool
}

// Scheduler is the common contract every policy implements.
type Scheduler interface {
	Start()
	Stop()
	Enqueue(ctx Context, cmd record.Command)
	RegisterContext(ctx Context)
	UnregisterContext(ctx Context)
}

// base factors out the shared context registry and its two mutexes:
// every non-Direct policy embeds it.
type base struct {
	mu     sync.Mutex // guards contexts
	fireMu sync.Mutex // serializes physical submission
	dev    Device

	contexts []Context
}

func newBase(dev Device) base {
	return base{dev: dev}
}

// RegisterContext adds ctx to the scheduler's round-robin set.
func (b *base) RegisterContext(ctx Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contexts = append(b.contexts, ctx)
}

// UnregisterContext removes ctx.
func (b *base) UnregisterContext(ctx Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.contexts {
		if c == ctx {
			b.contexts = append(b.contexts[:i], b.contexts[i+1:]...)
			return
		}
	}
}

// demote moves ctx to the back of the registry, the "lowering priority"
// step every select_next_context does when a context's budget has gone
// negative. Caller must hold b.mu.
func (b *base) demote(ctx Context) {
	for i, c := range b.contexts {
		if c == ctx {
			b.contexts = append(b.contexts[:i], b.contexts[i+1:]...)
			b.contexts = append(b.contexts, ctx)
			return
		}
	}
}

// runLoop is the errgroup-supervised goroutine lifecycle shared by
// FIFO/Credit/BAND: each named worker function runs until the group's
// context is cancelled.
type runLoop struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

func startRunLoop(workers ...func(ctx context.Context)) *runLoop {
	parent, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(parent)
	for _, w := range workers {
		w := w
		group.Go(func() error {
			w(gctx)
			return nil
		})
	}
	return &runLoop{cancel: cancel, group: group}
}

func (r *runLoop) stop() {
	if r == nil {
		return
	}
	r.cancel()
	r.group.Wait()
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
