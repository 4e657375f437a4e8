package ctxt

import (
	"log"

	"github.com/nvmediator/a3/internal/record"
)

// WriteBarrier reflects a guest write that landed on a shadowed page: the
// same offset is written into the shadow RAMIN of every channel mapped at
// that page, and a hit on the BAR1/BAR3 channel RAMIN re-shadows the whole
// window. This closes the loop when a guest edits a RAMIN through a
// mapped BAR aperture instead of BAR0.
func (c *Context) WriteBarrier(addr uint64, cmd record.Command) {
	page := addr &^ uint64(0xFFF)
	rest := addr - page
	log.Printf("ctxt %d: write barrier 0x%x page 0x%x <= 0x%x", c.id, addr, page, cmd.Value)

	chans := c.raminChannels(page)
	c.dev.Lock()
	for _, ch := range chans {
		if cmd.Value != 0 && c.flags.LazyShadowing {
			ch.Flush(c)
		}
		c.dev.PMEM().Write(ch.ShadowRaminAddress()+rest, cmd.Value, uint8(cmd.Size))
	}
	c.dev.Unlock()

	if page == c.bar3Channel.RaminAddress() && c.bar3Channel.Enabled() {
		c.bar3Channel.Shadow(c)
	}
	if page == c.bar1Channel.RaminAddress() && c.bar1Channel.Enabled() {
		c.bar1Channel.Shadow(c)
	}
}

// ReadBarrier notes a guest read from a shadowed page. Reads need no
// reflection; the hook exists for diagnostics symmetry with WriteBarrier.
func (c *Context) ReadBarrier(addr uint64, cmd record.Command) {
	log.Printf("ctxt %d: read barrier 0x%x page 0x%x", c.id, addr, addr&^uint64(0xFFF))
}
