package sched

import (
	"context"
	"runtime"
	"time"

	"github.com/nvmediator/a3/internal/record"
)

// fireItem is one queued (context, command) pair awaiting submission.
type fireItem struct {
	ctx Context
	cmd record.Command
}

// FIFO is the simplest scheduler: a single global queue, submitted in
// arrival order with no per-guest fairness beyond a period-wide
// replenish that gives every registered context an equal budget slice.
type FIFO struct {
	base
	wait, period, sample time.Duration

	queue chan fireItem

	bandwidth time.Duration // guarded by fireMu

	loop *runLoop
}

// NewFIFO creates a FIFO scheduler. period is the replenish interval;
// wait is stored but not read (the activity poll after each submission
// runs until the device is idle or the scheduler stops); sample is
// accepted for symmetry with Credit/BAND's constructor shape though
// FIFO's plain queue has no sampling-window accounting to drive with it.
func NewFIFO(dev Device, wait, period, sample time.Duration) *FIFO {
	return &FIFO{
		base:   newBase(dev),
		wait:   wait,
		period: period,
		sample: sample,
		queue:  make(chan fireItem, record.MinQueueDepth),
	}
}

// Start launches the submit and replenish goroutines.
func (f *FIFO) Start() {
	f.loop = startRunLoop(f.run, f.replenish)
}

// Stop cancels both goroutines and waits for them to exit.
func (f *FIFO) Stop() {
	f.loop.stop()
}

// Enqueue appends (ctx, cmd) to the arrival-order queue.
func (f *FIFO) Enqueue(ctx Context, cmd record.Command) {
	f.queue <- fireItem{ctx: ctx, cmd: cmd}
}

func (f *FIFO) run(cctx context.Context) {
	for {
		var item fireItem
		select {
		case <-cctx.Done():
			return
		case item = <-f.queue:
		}

		start := time.Now()
		f.dev.Lock()
		f.dev.SubmitDoorbell(item.ctx, item.cmd)
		f.dev.Unlock()

		for f.dev.IsActive(item.ctx) {
			if cctx.Err() != nil {
				return
			}
			runtime.Gosched()
		}

		d := time.Since(start)
		f.fireMu.Lock()
		f.bandwidth += d
		f.fireMu.Unlock()
		item.ctx.UpdateBudget(d)
	}
}

// replenish distributes the GPU time consumed over the last period
// equally across every registered context.
func (f *FIFO) replenish(cctx context.Context) {
	for {
		if cctx.Err() != nil {
			return
		}
		f.mu.Lock()
		if n := len(f.contexts); n > 0 {
			f.fireMu.Lock()
			period := f.bandwidth
			defaults := f.period / time.Duration(n)
			if period != 0 {
				budget := period / time.Duration(n)
				idle := f.bandwidth == 0
				for _, ctx := range f.contexts {
					ctx.Replenish(budget, f.period, defaults, idle)
				}
			}
			f.bandwidth = 0
			f.fireMu.Unlock()
		}
		f.mu.Unlock()
		sleepCtx(cctx, f.period)
	}
}
