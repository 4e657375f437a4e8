package ctxt

import (
	"log"
	"sync/atomic"
	"time"
)

// Instruments accumulates per-context diagnostic counters: how often and
// how long shadow rebuilds ran, and how many hypercalls the guest issued.
// Counters are atomic because the session goroutine and the scheduler's
// flush path both report into them.
type Instruments struct {
	ctx *Context

	flushTimes     atomic.Uint64
	shadowingTimes atomic.Uint64
	shadowing      atomic.Int64 // nanoseconds
	hypercalls     atomic.Uint64
}

func newInstruments(ctx *Context) *Instruments {
	return &Instruments{ctx: ctx}
}

// IncrementFlushTimes counts one TLB-flush arrival and returns the total.
func (i *Instruments) IncrementFlushTimes() uint64 {
	return i.flushTimes.Add(1)
}

// IncrementShadowingTimes counts one shadow rebuild and returns the total.
func (i *Instruments) IncrementShadowingTimes() uint64 {
	return i.shadowingTimes.Add(1)
}

// IncrementShadowing accumulates time spent rebuilding shadows.
func (i *Instruments) IncrementShadowing(d time.Duration) {
	i.shadowingTimes.Add(1)
	i.shadowing.Add(int64(d))
}

// Shadowing returns the accumulated shadow-rebuild time.
func (i *Instruments) Shadowing() time.Duration {
	return time.Duration(i.shadowing.Load())
}

// Hypercalls returns how many BAR4 hypercalls the guest has issued.
func (i *Instruments) Hypercalls() uint64 { return i.hypercalls.Load() }

// IncrementHypercalls counts one BAR4 dispatch.
func (i *Instruments) IncrementHypercalls() {
	n := i.hypercalls.Add(1)
	log.Printf("ctxt %d: hypercall (total %d)", i.ctx.ID(), n)
}

// ClearShadowingUtilization resets the shadowing counters (the UTILITY
// device-wide counter clear).
func (i *Instruments) ClearShadowingUtilization() {
	i.flushTimes.Store(0)
	i.shadowingTimes.Store(0)
	i.shadowing.Store(0)
}
