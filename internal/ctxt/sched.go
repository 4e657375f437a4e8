package ctxt

import (
	"time"

	"github.com/nvmediator/a3/internal/record"
)

// Scheduler-facing accounting.
// The session goroutine enqueues; scheduler goroutines dequeue and adjust
// budgets.

// Enqueue appends a fire command to the suspended queue, reporting
// whether the queue was empty beforehand.
func (c *Context) Enqueue(cmd record.Command) bool {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	wasEmpty := len(c.suspended) == 0
	c.suspended = append(c.suspended, cmd)
	return wasEmpty
}

// Dequeue pops the oldest suspended command.
func (c *Context) Dequeue() (record.Command, bool) {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	if len(c.suspended) == 0 {
		return record.Command{}, false
	}
	cmd := c.suspended[0]
	c.suspended = c.suspended[1:]
	return cmd, true
}

// IsSuspended reports whether this context has commands waiting to fire.
func (c *Context) IsSuspended() bool {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	return len(c.suspended) != 0
}

// Budget is the context's remaining GPU-time credit.
func (c *Context) Budget() time.Duration {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	return c.budget
}

// BandwidthUsed is the GPU time consumed since the last replenish.
func (c *Context) BandwidthUsed() time.Duration {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	return c.bandwidthUsed
}

// UpdateBudget charges one submission's elapsed GPU time against the
// context.
func (c *Context) UpdateBudget(d time.Duration) {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	c.budget -= d
	c.bandwidthUsed += d
	c.samplingUsed += d
	c.samplingUsed100 += d
}

// Replenish tops the budget up by credit and clamps it: an over-threshold
// budget collapses to the fair share, an under-negative-threshold one
// resets to zero, and a fully idle period caps at the fair share.
func (c *Context) Replenish(credit, threshold, bandwidth time.Duration, idle bool) {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	c.budget += credit

	if idle && c.budget >= bandwidth {
		c.budget = bandwidth
	} else {
		if c.budget > threshold {
			c.budget = bandwidth
		}
		if c.budget < -threshold {
			c.budget = 0
		}
	}
	c.bandwidthUsed = 0
}

// ClearSamplingBandwidthUsed resets the 100ms window every tick and the
// 500ms window every fifth tick.
func (c *Context) ClearSamplingBandwidthUsed(point uint64) {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	if point%5 == 4 {
		c.samplingUsed = 0
	}
	c.samplingUsed100 = 0
}

// SamplingBandwidthUsed returns the 500ms utilization window.
func (c *Context) SamplingBandwidthUsed() time.Duration {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	return c.samplingUsed
}

// SamplingBandwidthUsed100 returns the 100ms utilization window.
func (c *Context) SamplingBandwidthUsed100() time.Duration {
	c.bandMu.Lock()
	defer c.bandMu.Unlock()
	return c.samplingUsed100
}
