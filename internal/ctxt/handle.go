package ctxt

import (
	"log"

	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/record"
)

// failure is the all-ones reply value returned for requests the context
// cannot serve at all (no free virt id, unknown BAR).
const failure = ^uint32(0)

// Handle dispatches one IPC command record and returns the reply value
// plus whether the session must post that reply before accepting the next
// request. Exactly one handler runs per command, selected by
// (kind, bar, offset).
func (c *Context) Handle(cmd record.Command) (uint32, bool) {
	switch cmd.Kind {
	case record.KindInit:
		return c.initialize(cmd.Value, cmd.Offset != 0)

	case record.KindBar3Notify:
		c.bar3Address = uint64(cmd.Value)<<12 + uint64(cmd.Offset)
		log.Printf("ctxt %d: BAR3 address notification 0x%x", c.id, c.bar3Address)
		return 0, false

	case record.KindUtility:
		return c.handleUtility(cmd), false
	}

	if c.through {
		c.dev.Lock()
		defer c.dev.Unlock()
		switch cmd.Kind {
		case record.KindWrite:
			c.dev.Write(mmio.Bar(cmd.Bar), cmd.Offset, cmd.Value, uint8(cmd.Size))
			return 0, false
		case record.KindRead:
			return c.dev.Read(mmio.Bar(cmd.Bar), cmd.Offset, uint8(cmd.Size)), true
		}
		return 0, false
	}

	switch cmd.Kind {
	case record.KindWrite:
		switch cmd.Bar {
		case record.Bar0:
			c.writeBar0(cmd)
		case record.Bar1:
			c.writeBar1(cmd)
		case record.Bar3:
			c.writeBar3(cmd)
		case record.Bar4:
			// BAR4 writes carry hypercall results back in the reply.
			return c.writeBar4(cmd), true
		}
		return 0, false

	case record.KindRead:
		switch cmd.Bar {
		case record.Bar0:
			return c.readBar0(cmd), true
		case record.Bar1:
			return c.readBar1(cmd), true
		case record.Bar3:
			return c.readBar3(cmd), true
		case record.Bar4:
			return c.readBar4(cmd), true
		}
		return failure, true
	}

	return 0, false
}

// handleUtility services the out-of-band UTILITY subops: a raw register
// readback, a PGRAPH status dump, and the device-wide shadowing-counter
// reset.
func (c *Context) handleUtility(cmd record.Command) uint32 {
	switch record.UtilitySubop(cmd.Value) {
	case record.UtilityReadRegister:
		c.dev.Lock()
		v := c.dev.Registers().Read(mmio.Bar0, cmd.Offset, 4)
		c.dev.Unlock()
		return v

	case record.UtilityPGraphStatus:
		c.dev.Lock()
		status := c.dev.Registers().Read(mmio.Bar0, 0x400700, 4)
		for pid := uint32(0); pid < 128; pid++ {
			chanStatus := c.dev.Registers().Read(mmio.Bar0, 0x3000+0x8*pid+0x4, 4)
			log.Printf("ctxt %d: chan%d => 0x%x", c.id, pid, chanStatus)
		}
		c.dev.Unlock()
		log.Printf("ctxt %d: PGRAPH status 0x%x", c.id, status)
		return status

	case record.UtilityClearCounters:
		for _, ctx := range c.dev.Contexts() {
			ctx.ClearShadowingUtilization()
		}
		log.Printf("ctxt %d: cleared context shadowing utilizations", c.id)
		return 0
	}
	return failure
}
