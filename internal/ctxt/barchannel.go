package ctxt

import (
	"log"

	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/shadow"
)

// raminPageDirectoryVirt / raminPageDirectorySize are the RAMIN header
// offsets holding a channel's page-directory pointer and address-space
// limit, shared with the normal-channel shadowing path.
const (
	raminPageDirectoryVirt = 0x0200
	raminPageDirectorySize = 0x0208
)

// BAR1Channel is the guest's own BAR1 channel: the control block whose
// page tables decide where the guest's BAR1 window accesses land. Unlike
// normal channels it never publishes a hardware shadow — its page table
// is mirrored in software only, and the device-wide BAR1 shadow consumes
// the mirror.
type BAR1Channel struct {
	enabled      bool
	raminAddress uint64
	table        *shadow.Software
}

// bar1ArenaSize is the guest BAR1 address-space extent the software table
// is fixed to (kBAR1_ARENA_SIZE), one page-directory-covered range.
const bar1ArenaSize = pgt.DirectoryCoveredSize

func newBAR1Channel(c *Context) *BAR1Channel {
	return &BAR1Channel{
		table: shadow.NewSoftware(^uint32(0), c.ParaVirtualized(), bar1ArenaSize),
	}
}

// Enabled reports whether the guest has pointed BAR1 at a RAMIN yet.
func (b *BAR1Channel) Enabled() bool { return b.enabled }

// RaminAddress is the host-physical RAMIN page backing the BAR1 channel.
func (b *BAR1Channel) RaminAddress() uint64 { return b.raminAddress }

// Table is the software mirror of the BAR1 channel's page table.
func (b *BAR1Channel) Table() *shadow.Software { return b.table }

// Shadow re-reads the BAR1 channel's page-directory pointer out of its
// RAMIN and rescans the software table. Paravirt guests populate the
// table through hypercalls instead, so the scan is skipped.
func (b *BAR1Channel) Shadow(c *Context) {
	if c.ParaVirtualized() {
		return
	}
	mem := c.dev.PMEM()
	pdVirt := mem.Read64(b.raminAddress + raminPageDirectoryVirt)
	pdPhys := c.PhysAddress(pdVirt)
	pdSize := mem.Read64(b.raminAddress + raminPageDirectorySize)
	b.table.Refresh(c, mem, pdPhys, pdSize)
}

func (b *BAR1Channel) detach(c *Context, addr uint64) {
	log.Printf("bar1: detach from 0x%x to 0x%x", b.raminAddress, addr)
	c.Barrier().Unmap(b.raminAddress)
}

func (b *BAR1Channel) attach(c *Context, addr uint64) {
	log.Printf("bar1: attach to 0x%x", b.raminAddress)
	b.Shadow(c)
	c.Barrier().Map(b.raminAddress)
}

// Refresh installs addr as the BAR1 channel's RAMIN.
func (b *BAR1Channel) Refresh(c *Context, addr uint64) {
	if b.enabled {
		if addr == b.raminAddress {
			return
		}
		b.detach(c, addr)
	}
	b.enabled = true
	b.raminAddress = addr
	b.attach(c, addr)
}

// BAR3Channel is the guest's BAR3 channel: only a page-directory pointer
// is tracked, since the device-wide BAR3 shadow owns the actual entry
// arrays.
type BAR3Channel struct {
	enabled              bool
	raminAddress         uint64
	pageDirectoryAddress uint64
}

func newBAR3Channel() *BAR3Channel { return &BAR3Channel{} }

// Enabled reports whether the guest has pointed BAR3 at a RAMIN yet.
func (b *BAR3Channel) Enabled() bool { return b.enabled }

// RaminAddress is the host-physical RAMIN page backing the BAR3 channel.
func (b *BAR3Channel) RaminAddress() uint64 { return b.raminAddress }

// PageDirectoryAddress is the host-physical page directory last scanned
// for this guest's BAR3 slice.
func (b *BAR3Channel) PageDirectoryAddress() uint64 { return b.pageDirectoryAddress }

// Shadow re-reads the BAR3 channel's page-directory pointer and rescans
// the device-wide BAR3 entry arrays for this guest's slice.
func (b *BAR3Channel) Shadow(c *Context) {
	if c.ParaVirtualized() {
		return
	}
	pdVirt := c.dev.PMEM().Read64(b.raminAddress + raminPageDirectoryVirt)
	b.RefreshTable(c, c.PhysAddress(pdVirt))
}

// RefreshTable records addr as the BAR3 page directory and rescans the
// device-wide shadow from it under the device mutex.
func (b *BAR3Channel) RefreshTable(c *Context, addr uint64) {
	b.pageDirectoryAddress = addr
	c.dev.Lock()
	c.dev.BAR3().RefreshTable(c, c.dev.PMEM(), addr)
	c.dev.Unlock()
}

func (b *BAR3Channel) detach(c *Context, addr uint64) {
	log.Printf("bar3: detach from 0x%x to 0x%x", b.raminAddress, addr)
	c.Barrier().Unmap(b.raminAddress)
}

func (b *BAR3Channel) attach(c *Context, addr uint64) {
	log.Printf("bar3: attach to 0x%x", b.raminAddress)
	b.Shadow(c)
	c.Barrier().Map(b.raminAddress)
}

// Refresh installs addr as the BAR3 channel's RAMIN.
func (b *BAR3Channel) Refresh(c *Context, addr uint64) {
	if b.enabled {
		if addr == b.raminAddress {
			return
		}
		b.detach(c, addr)
	}
	b.enabled = true
	b.raminAddress = addr
	b.attach(c, addr)
}
