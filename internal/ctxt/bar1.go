package ctxt

import (
	"log"

	"github.com/nvmediator/a3/internal/channel"
	"github.com/nvmediator/a3/internal/record"
)

// doorbellOffset is the within-channel poll-area offset that fires a
// channel (the GP_PUT doorbell).
const doorbellOffset = 0x8C

func (c *Context) writeBar1(cmd record.Command) {
	if c.pollArea.InRange(channel.DomainChannels, uint64(cmd.Offset)) {
		cid, within := c.pollArea.ExtractChannelAndOffset(uint64(cmd.Offset))
		if within == doorbellOffset {
			ch := c.channels[cid]
			if !c.ParaVirtualized() && c.flags.LazyShadowing {
				// The target TLB may be stale; flush before the fire.
				ch.Flush(c)
			}
			ch.Submit(cmd.Value)
			// The scheduler takes the device mutex itself when it
			// actually submits; holding it across Enqueue would recurse
			// in --through's synchronous Direct path.
			c.dev.Fire(c, cmd)
			return
		}
		c.dev.Lock()
		c.dev.BAR1().Write(c, c.dev.BAR1IO(), uint64(cmd.Offset), cmd.Value, uint8(cmd.Size))
		c.dev.Unlock()
		return
	}

	gphys, _, ok := c.bar1Channel.Table().Resolve(uint64(cmd.Offset))
	if !ok {
		log.Printf("ctxt %d: BAR1 invalid write 0x%x", c.id, cmd.Offset)
		return
	}
	c.dev.PMEM().Write(gphys, cmd.Value, uint8(cmd.Size))
	if c.barrierT.Present(gphys) {
		c.WriteBarrier(gphys, cmd)
	}
}

func (c *Context) readBar1(cmd record.Command) uint32 {
	if c.pollArea.InRange(channel.DomainChannels, uint64(cmd.Offset)) {
		cid, within := c.pollArea.ExtractChannelAndOffset(uint64(cmd.Offset))
		if within == doorbellOffset {
			return c.channels[cid].Submitted()
		}
		c.dev.Lock()
		defer c.dev.Unlock()
		return c.dev.BAR1().Read(c, c.dev.BAR1IO(), uint64(cmd.Offset), uint8(cmd.Size))
	}

	gphys, _, ok := c.bar1Channel.Table().Resolve(uint64(cmd.Offset))
	if !ok {
		log.Printf("ctxt %d: BAR1 invalid read 0x%x", c.id, cmd.Offset)
		return failure
	}
	value := c.dev.PMEM().Read(gphys, uint8(cmd.Size))
	if c.barrierT.Present(gphys) {
		c.ReadBarrier(gphys, cmd)
	}
	return value
}
