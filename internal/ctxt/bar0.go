package ctxt

import (
	"log"

	"github.com/nvmediator/a3/internal/channel"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/record"
)

// Register offsets dispatched by name in the BAR0 table below. Anything
// not listed passes through raw under the device mutex.
const (
	regPMEMWindow   = 0x001700
	regBAR1Channel  = 0x001704
	regBAR3Channel  = 0x001714
	regPollArea     = 0x002254
	regPlaylistAddr = 0x002270
	regPlaylistLen  = 0x002274
	regChannelKill  = 0x002634
	regPramindFlush = 0x070000
	regMemCtlNum0   = 0x022438
	regMemCtlNum1   = 0x121c74
	regTLBVspace    = 0x100cb8
	regTLBTrigger   = 0x100cbc
	regICmdData     = 0x400204
	regICmdTrigger  = 0x400200
	regMthdData     = 0x40448c
	regMthdTrigger  = 0x404488
	regWrcmdData    = 0x409500
	regWrcmdCmd     = 0x409504
	regGraphIRQInst = 0x409b00
	regGPCBcast0    = 0x4188b4
	regGPCBcast1    = 0x4188b8
	regPDisplayObjs = 0x610010

	pmemBase  = 0x700000
	pmemLimit = 0x800000
)

const (
	mask28 = 0x0FFFFFFF
	mask40 = (uint64(1) << 40) - 1
)

const spinAttempts = 1_000_000

func (c *Context) writeBar0(cmd record.Command) {
	regs := c.dev.Registers()

	switch cmd.Offset {
	case regPMEMWindow:
		// The guest's sliding PMEM window base: shadowed only, the real
		// window register stays under the mediator's control.
		c.SetReg32(cmd.Offset, cmd.Value)
		return

	case regBAR1Channel:
		c.SetReg32(cmd.Offset, cmd.Value)
		phys := c.PhysAddress(uint64(cmd.Value&mask28) << 12)
		c.bar1Channel.Refresh(c, phys)
		c.dev.Lock()
		c.dev.BAR1().Refresh()
		c.dev.Unlock()
		return

	case regBAR3Channel:
		c.SetReg32(cmd.Offset, cmd.Value)
		phys := c.PhysAddress(uint64(cmd.Value&mask28) << 12)
		c.bar3Channel.Refresh(c, phys)
		c.dev.Lock()
		c.dev.BAR3().Refresh()
		c.dev.Unlock()
		return

	case regPollArea:
		c.pollArea.SetArea(uint64(cmd.Value&mask28) << 12)
		c.SetReg32(cmd.Offset, cmd.Value)
		c.dev.Lock()
		c.dev.BAR1().RefreshPollArea(c.dev.Chipset().NVC0())
		c.dev.Unlock()
		return

	case regPlaylistAddr:
		c.SetReg32(cmd.Offset, cmd.Value)
		return

	case regPlaylistLen:
		c.SetReg32(cmd.Offset, cmd.Value)
		c.playlistUpdate(c.Reg32(regPlaylistAddr), c.Reg32(regPlaylistLen))
		return

	case regChannelKill:
		if cmd.Value >= uint32(len(c.channels)) {
			return
		}
		pcid := c.PhysChannelID(cmd.Value)
		log.Printf("ctxt %d: killing cid 0x%x", c.id, pcid)
		c.dev.Lock()
		regs.Write(mmio.Bar0, cmd.Offset, pcid, 4)
		if !mmio.WaitEq(regs, mmio.Bar0, cmd.Offset, 0xffffffff, pcid, spinAttempts, nil) {
			log.Printf("ctxt %d: failed killing cid 0x%x", c.id, pcid)
		}
		c.dev.Unlock()
		c.SetReg32(cmd.Offset, cmd.Value)
		return

	case regPramindFlush:
		c.dev.Lock()
		regs.Write(mmio.Bar0, cmd.Offset, cmd.Value, 4)
		c.dev.Unlock()
		return

	case regMemCtlNum0, regMemCtlNum1:
		// memory controller geometry: guests may not resize it
		return

	case regTLBVspace:
		c.SetReg32(cmd.Offset, cmd.Value)
		return

	case regTLBTrigger:
		c.SetReg32(cmd.Offset, cmd.Value)
		c.flushTLB(c.Reg32(regTLBVspace), c.Reg32(regTLBTrigger))
		return

	case 0x104050, 0x104054, 0x105050, 0x105054:
		// PCOPY engine instance pointers carry RAMIN frames.
		value := c.encodeToShadowRamin(cmd.Value)
		c.dev.Lock()
		regs.Write(mmio.Bar0, cmd.Offset, value, 4)
		c.dev.Unlock()
		return

	case regICmdData:
		c.SetReg32(cmd.Offset, cmd.Value)
		return

	case regICmdTrigger:
		c.dev.Lock()
		regs.Write(mmio.Bar0, regICmdData, c.Reg32(regICmdData), 4)
		regs.Write(mmio.Bar0, cmd.Offset, cmd.Value, 4)
		c.dev.Unlock()
		return

	case regMthdData:
		c.SetReg32(cmd.Offset, cmd.Value)
		return

	case regMthdTrigger:
		c.dev.Lock()
		regs.Write(mmio.Bar0, regMthdData, c.Reg32(regMthdData), 4)
		regs.Write(mmio.Bar0, cmd.Offset, cmd.Value, 4)
		c.dev.Unlock()
		return

	case regWrcmdData:
		c.SetReg32(cmd.Offset, cmd.Value)
		return

	case regWrcmdCmd:
		c.SetReg32(cmd.Offset, cmd.Value)
		c.writeWrcmd(cmd.Value)
		return

	case regGraphIRQInst:
		return

	case regGPCBcast0, regGPCBcast1:
		c.SetReg32(cmd.Offset, cmd.Value)
		phys := c.PhysAddress(uint64(cmd.Value) << 8)
		c.dev.Lock()
		regs.Write(mmio.Bar0, cmd.Offset, uint32(phys>>8), 4)
		c.dev.Unlock()
		return

	case regPDisplayObjs:
		c.SetReg32(cmd.Offset, cmd.Value)
		c.dev.Lock()
		regs.Write(mmio.Bar0, cmd.Offset, cmd.Value+uint32(c.AddressShift()>>8), 4)
		c.dev.Unlock()
		return
	}

	if pmemBase <= cmd.Offset && cmd.Offset < pmemLimit {
		addr := c.pmemAddress(cmd.Offset)
		c.dev.PMEM().Write(addr, cmd.Value, uint8(cmd.Size))
		if c.barrierT.Present(addr) {
			c.WriteBarrier(addr, cmd)
		}
		return
	}

	if c.dev.PFIFO().InRange(cmd.Offset) {
		c.dev.PFIFO().Write(c, cmd.Offset, cmd.Value)
		return
	}

	c.dev.Lock()
	regs.Write(mmio.Bar0, cmd.Offset, cmd.Value, uint8(cmd.Size))
	c.dev.Unlock()
}

func (c *Context) readBar0(cmd record.Command) uint32 {
	regs := c.dev.Registers()

	switch cmd.Offset {
	case regPMEMWindow, regBAR1Channel, regBAR3Channel, regPollArea,
		regPlaylistAddr, regChannelKill, regTLBVspace, regTLBTrigger,
		regWrcmdData, regWrcmdCmd, regGPCBcast0, regGPCBcast1,
		regPDisplayObjs:
		return c.Reg32(cmd.Offset)

	case regPramindFlush:
		c.dev.Lock()
		defer c.dev.Unlock()
		return regs.Read(mmio.Bar0, cmd.Offset, 4)

	case regMemCtlNum0, regMemCtlNum1:
		// Lie: report the per-guest memory-controller count, not the
		// physical one, so the driver sizes itself to its quota.
		return MemoryCtlNum

	case 0x104050, 0x104054, 0x105050, 0x105054:
		c.dev.Lock()
		raw := regs.Read(mmio.Bar0, cmd.Offset, 4)
		c.dev.Unlock()
		return c.decodeToVirtRamin(raw)

	case regGraphIRQInst:
		c.dev.Lock()
		raw := regs.Read(mmio.Bar0, cmd.Offset, 4)
		c.dev.Unlock()
		return raw - uint32(c.AddressShift()>>12)
	}

	if pmemBase <= cmd.Offset && cmd.Offset < pmemLimit {
		addr := c.pmemAddress(cmd.Offset)
		value := c.dev.PMEM().Read(addr, uint8(cmd.Size))
		if c.barrierT.Present(addr) {
			c.ReadBarrier(addr, cmd)
		}
		return value
	}

	if c.dev.PFIFO().InRange(cmd.Offset) {
		return c.dev.PFIFO().Read(c, cmd.Offset)
	}

	// Memory partition sizes: every part register reports the per-guest
	// quota slice.
	if (0x110200 <= cmd.Offset && cmd.Offset < 0x110200+0x1000*6) || cmd.Offset == 0x10f20c {
		switch cmd.Offset {
		case 0x11020c, 0x11120c, 0x11220c, 0x11320c, 0x11420c, 0x11520c, 0x11620c, 0x10f20c:
			return MemoryCtlPart >> 20
		}
	}

	c.dev.Lock()
	defer c.dev.Unlock()
	return regs.Read(mmio.Bar0, cmd.Offset, uint8(cmd.Size))
}

// pmemAddress resolves a guest PMEM-window offset into the host-physical
// VRAM address behind it, through the guest's shadowed window register.
func (c *Context) pmemAddress(offset uint32) uint64 {
	base := c.PhysAddress(uint64(c.Reg32(regPMEMWindow)) << 16)
	return base + uint64(offset-pmemBase)
}

// playlistUpdate translates the guest runlist base and hands it to the
// device-wide playlist rewrite.
func (c *Context) playlistUpdate(regAddr, cmd uint32) {
	address := c.PhysAddress(uint64(regAddr&mask28) << 12)
	c.dev.PlaylistUpdate(c, c.dev.PMEM(), address, cmd)
}

// writeWrcmd handles the graph command FIFO trigger: when the stored data
// word carries a VRAM address (bit 31), the RAMIN frame is rewritten to
// the shadow RAMIN of every channel mapped at that page before the
// command fires.
func (c *Context) writeWrcmd(trigger uint32) {
	regs := c.dev.Registers()
	data := c.Reg32(regWrcmdData)

	if data&(1<<31) != 0 {
		phys := c.PhysAddress(uint64(data&mask28) << 12)
		data = data&^uint32(mask28) | uint32(phys>>12)&mask28

		if chans := c.raminChannels(phys); len(chans) != 0 {
			log.Printf("ctxt %d: WRCMD start cmd 0x%x", c.id, trigger)
			c.dev.Lock()
			for _, ch := range chans {
				res := data&^uint32(mask28) | uint32(ch.ShadowRaminAddress()>>12)&mask28
				if c.flags.LazyShadowing {
					ch.Flush(c)
				}
				regs.Write(mmio.Bar0, regWrcmdData, res, 4)
				regs.Write(mmio.Bar0, regWrcmdCmd, trigger, 4)
			}
			c.dev.Unlock()
			log.Printf("ctxt %d: WRCMD end cmd 0x%x", c.id, trigger)
			return
		}
		log.Printf("ctxt %d: WRCMD channel not found", c.id)
	}

	c.dev.Lock()
	regs.Write(mmio.Bar0, regWrcmdData, data, 4)
	regs.Write(mmio.Bar0, regWrcmdCmd, trigger, 4)
	c.dev.Unlock()
}

// flushTLB services the guest's explicit TLB flush: the page directory
// named by vspace is matched against the BAR1/BAR3 channels and every
// enabled normal channel, marking matches dirty and publishing one shadow
// rebuild for the whole group.
func (c *Context) flushTLB(vspace, trigger uint32) {
	pageDirectory := c.PhysAddress(uint64(vspace) << 8 & mask40)
	c.instr.IncrementFlushTimes()
	log.Printf("ctxt %d: TLB flush pd 0x%x", c.id, pageDirectory)

	if c.bar1Channel.Table().PDAddress() == pageDirectory {
		c.bar1Channel.Table().RefreshDirectories(c, c.dev.PMEM(), pageDirectory)
		c.dev.Lock()
		c.dev.BAR1().Shadow(c)
		c.dev.BAR1().Flush()
		c.dev.Unlock()
	}

	if c.bar3Channel.PageDirectoryAddress() == pageDirectory {
		c.bar3Channel.RefreshTable(c, pageDirectory)
		c.dev.Lock()
		c.dev.BAR3().Shadow(c, c.dev)
		c.dev.BAR3().Flush()
		c.dev.Unlock()
	}

	var already uint64
	var reuse *channel.ReuseSet
	for _, ch := range c.channels {
		if !ch.Enabled() || ch.Table().PDAddress() != pageDirectory {
			continue
		}
		ch.TLBFlushNeeded()
		if already != 0 {
			ch.OverrideShadow(already, reuse)
			continue
		}
		if ch.IsOverriddenShadow() {
			ch.RemoveOverriddenShadow()
		}
		ch.Table().AllocateShadowAddress()
		already = ch.Table().ShadowAddress()
		reuse = ch.GenerateOriginal()
		if !c.flags.LazyShadowing {
			ch.Flush(c)
		}
	}

	if already != 0 {
		log.Printf("ctxt %d: flush 0x%x", c.id, already)
		regs := c.dev.Registers()
		c.dev.Lock()
		regs.Write(mmio.Bar0, regTLBVspace, uint32(already>>8), 4)
		regs.Write(mmio.Bar0, regTLBTrigger, trigger, 4)
		c.dev.Unlock()
	}
}

// encodeToShadowRamin rewrites a register value whose 28-bit field names
// a guest RAMIN frame to name the matching channel's shadow RAMIN frame
// instead.
func (c *Context) encodeToShadowRamin(value uint32) uint32 {
	if value == 0 {
		return value
	}
	phys := c.PhysAddress(uint64(value&mask28) << 12)
	chans := c.raminChannels(phys)
	if len(chans) == 0 {
		log.Printf("ctxt %d: encoding channel not found", c.id)
		return value
	}
	ch := chans[0]
	if c.flags.LazyShadowing {
		ch.Flush(c)
	}
	return value&^uint32(mask28) | uint32(ch.ShadowRaminAddress()>>12)&mask28
}

// decodeToVirtRamin is encodeToShadowRamin's readback inverse: a value
// naming a shadow RAMIN frame is rewritten to the guest's own frame.
func (c *Context) decodeToVirtRamin(value uint32) uint32 {
	if value == 0 {
		return value
	}
	shadowAddr := uint64(value&mask28) << 12
	for _, ch := range c.channels {
		if ch.Enabled() && ch.ShadowRaminAddress() == shadowAddr {
			return value&^uint32(mask28) | uint32(c.VirtAddress(ch.RaminAddress())>>12)&mask28
		}
	}
	return 0
}
