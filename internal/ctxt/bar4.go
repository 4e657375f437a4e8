package ctxt

import (
	"errors"
	"log"

	"github.com/nvmediator/a3/internal/channel"
	"github.com/nvmediator/a3/internal/hypercall"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/record"
	"github.com/nvmediator/a3/internal/shadow"
	"github.com/nvmediator/a3/internal/vram"
)

// BAR4 slot-control offsets: the guest publishes its slot buffer's
// guest-physical address at 0x4/0x8, triggers a call by writing the slot
// index to 0xC, and reads 0x0 to have the mediator foreign-map the buffer
const (
	bar4SlotBaseLo = 0x4
	bar4SlotBaseHi = 0x8
	bar4Call       = 0xC
)

// protReadWrite is PROT_READ|PROT_WRITE for the foreign mapping; spelled
// numerically so this package stays portable (the Xen binding translates
// it on Linux).
const protReadWrite = 0x3

var errPVRange = errors.New("ctxt: pv index out of range")

func (c *Context) writeBar4(cmd record.Command) uint32 {
	switch cmd.Offset {
	case 0x0:
		return 0

	case bar4SlotBaseLo, bar4SlotBaseHi:
		c.pv32[cmd.Offset] = cmd.Value
		return 0

	case bar4Call:
		pos := cmd.Value
		if pos >= hypercall.SlotCount {
			errInval := hypercall.ErrInval
			return uint32(errInval)
		}
		if c.guestSlots == nil {
			errInval := hypercall.ErrInval
			return uint32(errInval)
		}
		slot := hypercall.NewSlot(c.guestSlots[hypercall.SlotSize*pos:])
		ret := hypercall.Dispatch(c, slot)
		slot.SetU32(0, uint32(ret))
		return 0
	}
	return 0
}

func (c *Context) readBar4(cmd record.Command) uint32 {
	switch cmd.Offset {
	case 0x0:
		lower := uint64(c.pv32[bar4SlotBaseLo])
		upper := uint64(c.pv32[bar4SlotBaseHi])
		gp := lower | upper<<32
		log.Printf("ctxt %d: guest slot buffer at 0x%x", c.id, gp)

		c.guestSlots = nil
		c.dev.Lock()
		buf, err := c.Hypervisor().MapForeignRange(c.domID, hypercall.SlotTotal, protReadWrite, gp>>12)
		c.dev.Unlock()
		if err != nil {
			log.Printf("ctxt %d: foreign map failed: %v", c.id, err)
			errInval := hypercall.ErrInval
			return uint32(errInval)
		}
		c.guestSlots = buf
		return 0

	case bar4Call:
		return 0xdeadbeef
	}
	return 0
}

// LookupPage resolves a guest-chosen PV id to its allocated page.
func (c *Context) LookupPage(id uint32) (*vram.Page, bool) {
	p, ok := c.allocated[id]
	return p, ok
}

// BAR1PGD returns the paravirt BAR1 page directory, or nil.
func (c *Context) BAR1PGD() *vram.Page { return c.pvBAR1PGD }

// SetBAR1PGD installs the paravirt BAR1 page directory.
func (c *Context) SetBAR1PGD(p *vram.Page) { c.pvBAR1PGD = p }

// BAR3PGD returns the paravirt BAR3 page directory, or nil.
func (c *Context) BAR3PGD() *vram.Page { return c.pvBAR3PGD }

// SetBAR3PGD installs the paravirt BAR3 page directory.
func (c *Context) SetBAR3PGD(p *vram.Page) { c.pvBAR3PGD = p }

// SetChannelPGD installs the paravirt page directory for a channel.
func (c *Context) SetChannelPGD(cid uint32, p *vram.Page) {
	if cid < channel.DomainChannels {
		c.pgds[cid] = p
	}
}

// BAR1LargePGT returns the paravirt BAR1 large-branch page table.
func (c *Context) BAR1LargePGT() *vram.Page { return c.pvBAR1LargePGT }

// SetBAR1LargePGT installs the paravirt BAR1 large-branch page table.
func (c *Context) SetBAR1LargePGT(p *vram.Page) { c.pvBAR1LargePGT = p }

// BAR1SmallPGT returns the paravirt BAR1 small-branch page table.
func (c *Context) BAR1SmallPGT() *vram.Page { return c.pvBAR1SmallPGT }

// SetBAR1SmallPGT installs the paravirt BAR1 small-branch page table.
func (c *Context) SetBAR1SmallPGT(p *vram.Page) { c.pvBAR1SmallPGT = p }

// BAR3PGT returns the paravirt BAR3 page table.
func (c *Context) BAR3PGT() *vram.Page { return c.pvBAR3PGT }

// SetBAR3PGT registers the paravirt BAR3 page table.
func (c *Context) SetBAR3PGT(p *vram.Page) { c.pvBAR3PGT = p }

// PVScanBAR1 bulk-imports a freshly installed BAR1 branch table into the
// guest's software mirror, then rescans the device-wide BAR1 shadow.
func (c *Context) PVScanBAR1(big bool, p *vram.Page) {
	pageSize := uint64(pgt.SmallPageSize)
	if big {
		pageSize = pgt.LargePageSize
	}
	remain := p.Size() / 8 * pageSize
	c.bar1Channel.Table().PVScan(big, p, remain, 0)
	c.dev.Lock()
	c.dev.BAR1().PVScan(c)
	c.dev.Unlock()
}

// PVMap routes a single paravirt PTE install: the fixed BAR1/BAR3 PGT
// slots reflect into the corresponding window shadows, anything else is a
// plain write into the guest's own page-table page.
func (c *Context) PVMap(p *vram.Page, index uint32, guestRaw, hostRaw uint64) error {
	switch {
	case p != nil && p == c.pvBAR3PGT:
		if uint64(index) >= uint64(pgt.DirectoryCoveredSize)/pgt.PageSize {
			return errPVRange
		}
		c.dev.Lock()
		c.dev.BAR3().PVReflect(c, c.dev, index, guestRaw, hostRaw)
		c.dev.Unlock()
		return nil

	case p != nil && p == c.pvBAR1LargePGT:
		if index >= pgt.LargePageCount {
			return errPVRange
		}
		entry, _ := pgt.DecodeEntryRaw(guestRaw)
		c.bar1Channel.Table().PVReflectEntry(0, true, index, entry)
		c.dev.Lock()
		c.dev.BAR1().PVReflectEntry(c, true, index, hostRaw)
		c.dev.Unlock()
		return nil

	case p != nil && p == c.pvBAR1SmallPGT:
		if index >= pgt.SmallPageCount {
			return errPVRange
		}
		entry, _ := pgt.DecodeEntryRaw(guestRaw)
		c.bar1Channel.Table().PVReflectEntry(0, false, index, entry)
		c.dev.Lock()
		c.dev.BAR1().PVReflectEntry(c, false, index, hostRaw)
		c.dev.Unlock()
		return nil
	}

	if 8*(uint64(index)+1) > p.Size() {
		log.Printf("ctxt %d: invalid pv map index %d", c.id, index)
		return errPVRange
	}
	p.Write32(8*uint64(index)+0, uint32(hostRaw))
	p.Write32(8*uint64(index)+4, uint32(hostRaw>>32))
	return nil
}

// TranslateRaw runs a raw guest page-table entry through GuestToHost and
// repacks it.
func (c *Context) TranslateRaw(guestRaw uint64) uint64 {
	entry, ok := pgt.DecodeEntryRaw(guestRaw)
	if !ok {
		return guestRaw
	}
	return shadow.GuestToHost(c, entry).Raw()
}

// VMFlushBAR1 publishes the BAR1 window's page table to hardware.
func (c *Context) VMFlushBAR1() {
	c.dev.Lock()
	c.dev.BAR1().Flush()
	c.dev.Unlock()
}

// VMFlushBAR3 publishes the BAR3 window's page table to hardware.
func (c *Context) VMFlushBAR3() {
	log.Printf("ctxt %d: BAR3 flush", c.id)
	c.dev.Lock()
	c.dev.BAR3().Flush()
	c.dev.Unlock()
}

// VMFlushEngine programs the TLB-refresh registers for a guest-owned
// paravirt page directory (VM_FLUSH's non-BAR branch).
func (c *Context) VMFlushEngine(pgd *vram.Page, engine uint32) {
	regs := c.dev.Registers()
	c.dev.Lock()
	defer c.dev.Unlock()
	if !mmio.WaitNe(regs, mmio.Bar0, 0x100c80, 0x00ff0000, 0x00000000, spinAttempts, nil) {
		log.Printf("ctxt %d: vm flush wait failed", c.id)
		return
	}
	regs.Write(mmio.Bar0, regTLBVspace, uint32(pgd.Address()>>8), 4)
	regs.Write(mmio.Bar0, regTLBTrigger, 0x80000000|engine, 4)
	if !mmio.WaitEq(regs, mmio.Bar0, 0x100c80, 0x00008000, 0x00008000, spinAttempts, nil) {
		log.Printf("ctxt %d: vm flush completion wait failed", c.id)
	}
}

// MemAlloc allocates a cleared page run for the guest and registers it
// under its derived PV id.
func (c *Context) MemAlloc(size uint32) *vram.Page {
	pages := (uint64(size) + vram.PageSize - 1) / vram.PageSize
	p := c.dev.Malloc(pages)
	p.Clear()
	c.allocated[hypercall.PageID(p)] = p
	return p
}

// MemFree releases a paravirt-allocated page run (MEM_FREE).
func (c *Context) MemFree(id uint32) {
	if p, ok := c.allocated[id]; ok {
		c.dev.Free(p)
		delete(c.allocated, id)
	}
}

// IncrementHypercalls counts one BAR4 dispatch against this context.
func (c *Context) IncrementHypercalls() { c.instr.IncrementHypercalls() }
