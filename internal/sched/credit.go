package sched

import (
	"context"
	"runtime"
	"time"

	"github.com/nvmediator/a3/internal/record"
)

// Credit is the round-robin scheduler: every registered context holds a
// per-context command queue and a time budget, replenished on a fixed
// period, and the next context submitted is simply the first suspended
// (has pending work) one in round-robin order, with a context whose
// budget has gone negative demoted to the back of the order.
type Credit struct {
	base
	wait, designed, period, sample time.Duration

	wake chan struct{}

	current Context // guarded by mu

	bandwidth, gpuIdle                           time.Duration // guarded by fireMu
	samplingBandwidth, samplingBandwidth100       time.Duration // guarded by fireMu
	points                                        uint64        // guarded by fireMu

	loop *runLoop
}

// NewCredit creates a Credit scheduler. period is the replenish interval;
// sample is the 100ms/500ms sampling-window tick. wait and designed are
// stored but not read: the activity poll runs until the device is idle,
// and the replenish clamp uses period divided by the number of registered
// contexts as the per-context share.
func NewCredit(dev Device, wait, designed, period, sample time.Duration) *Credit {
	return &Credit{
		base:     newBase(dev),
		wait:     wait,
		designed: designed,
		period:   period,
		sample:   sample,
		wake:     make(chan struct{}, record.MinQueueDepth),
	}
}

// Start launches the submit, replenish and sampling goroutines.
func (c *Credit) Start() {
	c.loop = startRunLoop(c.run, c.replenish, c.sampling)
}

// Stop cancels all three goroutines and waits for them to exit.
func (c *Credit) Stop() {
	c.loop.stop()
}

// Enqueue stashes cmd on ctx's own pending queue and wakes the submit
// loop.
func (c *Credit) Enqueue(ctx Context, cmd record.Command) {
	ctx.Enqueue(cmd)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Credit) selectNext(idle bool, idleElapsed time.Duration) Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idle {
		c.gpuIdle += idleElapsed
	}

	if c.current != nil && c.current.Budget() < 0 {
		c.demote(c.current)
	}

	for _, ctx := range c.contexts {
		if ctx.IsSuspended() {
			return ctx
		}
	}
	return nil
}

func (c *Credit) submit(ctx Context) {
	c.fireMu.Lock()
	defer c.fireMu.Unlock()

	cmd, ok := ctx.Dequeue()
	if !ok {
		return
	}

	start := time.Now()
	c.dev.Lock()
	c.dev.SubmitDoorbell(ctx, cmd)
	c.dev.Unlock()

	for c.dev.IsActive(ctx) {
		runtime.Gosched()
	}

	d := time.Since(start)
	c.bandwidth += d
	c.samplingBandwidth += d
	c.samplingBandwidth100 += d
	ctx.UpdateBudget(d)
}

func (c *Credit) run(cctx context.Context) {
	for {
		idle := false
		var idleStart time.Time
		select {
		case <-c.wake:
		default:
			idle = true
			idleStart = time.Now()
			select {
			case <-cctx.Done():
				return
			case <-c.wake:
			}
		}

		var idleElapsed time.Duration
		if idle {
			idleElapsed = time.Since(idleStart)
		}

		c.current = c.selectNext(idle, idleElapsed)
		if c.current != nil {
			c.submit(c.current)
		}

		if cctx.Err() != nil {
			return
		}
	}
}

// replenish tops up every registered context's budget once per period,
// clamping over-threshold contexts to a full share and under-threshold
// ones to zero.
func (c *Credit) replenish(cctx context.Context) {
	for {
		if cctx.Err() != nil {
			return
		}
		c.mu.Lock()
		if n := len(c.contexts); n > 0 {
			c.fireMu.Lock()
			period := c.bandwidth + c.gpuIdle
			defaults := c.period / time.Duration(n)
			if period != 0 {
				budget := period / time.Duration(n)
				idle := c.bandwidth == 0
				for _, ctx := range c.contexts {
					ctx.Replenish(budget, budget*2, defaults, idle)
				}
			}
			c.bandwidth = 0
			c.gpuIdle = 0
			c.fireMu.Unlock()
		}
		c.mu.Unlock()
		sleepCtx(cctx, c.period)
	}
}

// sampling clears every registered context's 100ms window every tick and
// its 500ms window every fifth tick.
func (c *Credit) sampling(cctx context.Context) {
	for {
		if cctx.Err() != nil {
			return
		}
		c.mu.Lock()
		if len(c.contexts) > 0 {
			c.fireMu.Lock()
			use100 := c.samplingBandwidth100 != 0
			use500 := c.samplingBandwidth != 0
			nextPoints := c.points
			if use100 || use500 {
				for _, ctx := range c.contexts {
					ctx.ClearSamplingBandwidthUsed(c.points)
				}
				nextPoints = (c.points + 1) % 5
			}
			c.samplingBandwidth100 = 0
			if c.points%5 == 4 {
				c.samplingBandwidth = 0
			}
			c.points = nextPoints
			c.fireMu.Unlock()
		}
		c.mu.Unlock()
		sleepCtx(cctx, c.sample)
	}
}
