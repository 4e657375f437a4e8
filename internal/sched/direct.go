package sched

import (
	"runtime"

	"github.com/nvmediator/a3/internal/record"
)

// Direct bypasses queueing and accounting entirely: every Enqueue call
// submits synchronously on the calling goroutine and blocks until the
// device reports idle again. It backs the --through bypass mode, where
// A3 mediates BAR1 without multiplexing guests against each other.
type Direct struct {
	dev Device
}

// NewDirect creates a Direct scheduler over dev.
func NewDirect(dev Device) *Direct {
	return &Direct{dev: dev}
}

// Start is a no-op: Direct has no background goroutines.
func (d *Direct) Start() {}

// Stop is a no-op.
func (d *Direct) Stop() {}

// RegisterContext is a no-op: Direct never consults a context registry.
func (d *Direct) RegisterContext(ctx Context) {}

// UnregisterContext is a no-op.
func (d *Direct) UnregisterContext(ctx Context) {}

// Enqueue submits cmd immediately and spins until the device goes idle,
// with no budget accounting of any kind.
func (d *Direct) Enqueue(ctx Context, cmd record.Command) {
	d.dev.Lock()
	d.dev.SubmitDoorbell(ctx, cmd)
	d.dev.Unlock()

	for d.dev.IsActive(ctx) {
		runtime.Gosched()
	}
}
