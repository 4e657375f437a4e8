package sched

import (
	"context"
	"runtime"
	"time"

	"github.com/nvmediator/a3/internal/record"
)

// BAND layers a three-class priority split on top of Credit's budget
// model: a context that is still under its fair share of recent
// bandwidth always preempts one that is already over it, and a context
// whose budget has gone negative is only demoted once it is also judged
// over bandwidth.
type BAND struct {
	base
	period, sample time.Duration

	wake chan struct{}

	current Context // guarded by mu

	bandwidth, gpuIdle, previousBandwidth time.Duration // guarded by fireMu
	samplingBandwidth, samplingBandwidth100 time.Duration
	points uint64

	loop *runLoop
}

// NewBAND creates a BAND scheduler with the given replenish period and
// sampling-window tick.
func NewBAND(dev Device, period, sample time.Duration) *BAND {
	return &BAND{
		base:   newBase(dev),
		period: period,
		sample: sample,
		wake:   make(chan struct{}, record.MinQueueDepth),
	}
}

// Start launches the submit, replenish and sampling goroutines.
func (b *BAND) Start() {
	b.loop = startRunLoop(b.run, b.replenish, b.sampling)
}

// Stop cancels all three goroutines and waits for them to exit.
func (b *BAND) Stop() {
	b.loop.stop()
}

// Enqueue stashes cmd on ctx's own pending queue and wakes the submit
// loop.
func (b *BAND) Enqueue(ctx Context, cmd record.Command) {
	ctx.Enqueue(cmd)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// utilizationOverBandwidth reports whether ctx has used more than its
// fair share of the last replenish period's observed bandwidth.
// Caller must hold mu.
func (b *BAND) utilizationOverBandwidth(ctx Context) bool {
	n := time.Duration(len(b.contexts))
	if b.bandwidth == 0 {
		return true
	}
	if ctx.BandwidthUsed() > b.previousBandwidth/n {
		return true
	}
	return float64(ctx.BandwidthUsed())/float64(b.bandwidth) > 1.0/float64(n)
}

func yieldChance(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

func (b *BAND) selectNext(idle bool, idleElapsed time.Duration) Context {
	b.mu.Lock()

	if idle {
		b.gpuIdle += idleElapsed
	}

	if b.current != nil && b.current.Budget() < 0 && b.utilizationOverBandwidth(b.current) {
		b.demote(b.current)
	}

	var band, under, over Context
	for _, ctx := range b.contexts {
		if !ctx.IsSuspended() {
			continue
		}
		switch {
		case ctx.Budget() < 0:
			if over == nil {
				over = ctx
			}
		case b.utilizationOverBandwidth(ctx):
			if band == nil {
				band = ctx
			}
		default:
			if under == nil {
				under = ctx
			}
		}
		if over != nil && under != nil && band != nil {
			break
		}
	}

	next := under
	if next == nil {
		next = band
	}
	if next == nil {
		next = over
	}

	if b.current == nil {
		b.mu.Unlock()
		return next
	}

	if next != nil && next != b.current &&
		b.utilizationOverBandwidth(next) && !b.utilizationOverBandwidth(b.current) &&
		next.BandwidthUsed() > b.current.BandwidthUsed() {
		b.mu.Unlock()
		yieldChance(500 * time.Microsecond)
		b.mu.Lock()
		if b.current.IsSuspended() {
			b.mu.Unlock()
			return b.current
		}
	}

	b.mu.Unlock()
	return next
}

func (b *BAND) submit(ctx Context) {
	b.fireMu.Lock()
	defer b.fireMu.Unlock()

	cmd, ok := ctx.Dequeue()
	if !ok {
		return
	}

	start := time.Now()
	b.dev.Lock()
	b.dev.SubmitDoorbell(ctx, cmd)
	b.dev.Unlock()

	for b.dev.IsActive(ctx) {
		runtime.Gosched()
	}

	d := time.Since(start)
	b.bandwidth += d
	b.samplingBandwidth += d
	b.samplingBandwidth100 += d
	ctx.UpdateBudget(d)
}

func (b *BAND) run(cctx context.Context) {
	for {
		idle := false
		var idleStart time.Time
		select {
		case <-b.wake:
		default:
			idle = true
			idleStart = time.Now()
			select {
			case <-cctx.Done():
				return
			case <-b.wake:
			}
		}

		var idleElapsed time.Duration
		if idle {
			idleElapsed = time.Since(idleStart)
		}

		b.current = b.selectNext(idle, idleElapsed)
		if b.current != nil {
			b.submit(b.current)
		}

		if cctx.Err() != nil {
			return
		}
	}
}

// replenish tops up every registered context's budget once per period.
func (b *BAND) replenish(cctx context.Context) {
	for {
		if cctx.Err() != nil {
			return
		}
		b.mu.Lock()
		if n := len(b.contexts); n > 0 {
			b.fireMu.Lock()
			period := b.bandwidth + b.gpuIdle
			defaults := b.period / time.Duration(n)
			b.previousBandwidth = period
			if period != 0 {
				budget := period / time.Duration(n)
				idle := b.bandwidth == 0
				for _, ctx := range b.contexts {
					ctx.Replenish(budget, b.period, defaults, idle)
				}
			}
			b.bandwidth = 0
			b.gpuIdle = 0
			b.fireMu.Unlock()
		}
		b.mu.Unlock()
		sleepCtx(cctx, b.period)
	}
}

// sampling clears every registered context's 100ms/500ms utilization
// windows, the same bookkeeping Credit's sampler performs (see
// DESIGN.md).
func (b *BAND) sampling(cctx context.Context) {
	for {
		if cctx.Err() != nil {
			return
		}
		b.mu.Lock()
		if len(b.contexts) > 0 {
			b.fireMu.Lock()
			use100 := b.samplingBandwidth100 != 0
			use500 := b.samplingBandwidth != 0
			nextPoints := b.points
			if use100 || use500 {
				for _, ctx := range b.contexts {
					ctx.ClearSamplingBandwidthUsed(b.points)
				}
				nextPoints = (b.points + 1) % 5
			}
			b.samplingBandwidth100 = 0
			if b.points%5 == 4 {
				b.samplingBandwidth = 0
			}
			b.points = nextPoints
			b.fireMu.Unlock()
		}
		b.mu.Unlock()
		sleepCtx(cctx, b.sample)
	}
}
