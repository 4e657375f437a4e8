package ctxt

import (
	"log"

	"github.com/nvmediator/a3/internal/record"
)

func (c *Context) writeBar3(cmd record.Command) {
	gphys, ok := c.dev.BAR3().Resolve(c, uint64(cmd.Offset))
	if !ok {
		log.Printf("ctxt %d: BAR3 invalid write 0x%x", c.id, cmd.Offset)
		return
	}
	c.dev.PMEM().Write(gphys, cmd.Value, uint8(cmd.Size))
	if c.barrierT.Present(gphys) {
		c.WriteBarrier(gphys, cmd)
	}
}

func (c *Context) readBar3(cmd record.Command) uint32 {
	gphys, ok := c.dev.BAR3().Resolve(c, uint64(cmd.Offset))
	if !ok {
		log.Printf("ctxt %d: BAR3 invalid read 0x%x", c.id, cmd.Offset)
		return failure
	}
	value := c.dev.PMEM().Read(gphys, uint8(cmd.Size))
	if c.barrierT.Present(gphys) {
		c.ReadBarrier(gphys, cmd)
	}
	return value
}
