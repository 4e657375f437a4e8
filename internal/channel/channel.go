// Package channel implements per-channel RAMIN shadowing: copying a
// guest's raw channel control block (RAMIN) into a physically-backed
// shadow, rewriting the internal pointers it contains
// (page directory, fctx, MPEG context) from guest to host form, and
// kicking the GPU's channel-switch logic to pick up the new shadow.
package channel

import (
	"log"
	"time"

	"github.com/nvmediator/a3/internal/barrier"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/shadow"
	"github.com/nvmediator/a3/internal/vram"
)

// DomainChannels is the number of channels budgeted to a single guest.
const DomainChannels = 64

// RAMIN header offsets, relative to a channel's ramin_address.
const (
	raminSize              = 0x1000
	raminPageDirectoryVirt = 0x0200
	raminPageDirectorySize = 0x0208
	raminFctx              = 0x0008
	raminMpegCtxLimit      = 0x0064
	raminMpegCtx           = 0x0068
)

// Channel-switch kick register offsets on BAR0: wait for the channel
// unit to go idle, program the new shadow's address, request the switch,
// then wait for it to complete.
const (
	regChannelStat = 0x100c80
	regChannelAddr = 0x100cb8
	regChannelCmd  = 0x100cbc
)

const spinAttempts = 1_000_000

// GuestMemory is the translation surface channel shadowing needs from its
// owning context — a superset of shadow.GuestMemory plus the
// paravirtualization switch and per-channel guest page directory lookup.
type GuestMemory interface {
	shadow.GuestMemory
	ParaVirtualized() bool
	PGD(channelID int) *vram.Page
}

// Device is the device-wide collaborator a channel reaches into while
// flushing: the shared register accessor (kick sequence) and the BAR3
// barrier-reset hook that must run under the device-wide mutex.
type Device interface {
	Registers() mmio.PhysAccessor
	Lock()
	Unlock()
	ResetBarrier(ramin GuestMemory, old, addr uint64, oldRemap bool)
}

// Instruments accumulates diagnostic counters; Flush reports how long a
// reshadow pass took.
type Instruments interface {
	IncrementShadowing(d time.Duration)
}

// Context is the full context surface a Channel needs: memory translation,
// the device singleton, instrumentation, and the sibling-channel lookup
// Flush uses to walk a reuse set, plus the ramin→channel index and
// barrier table a channel registers itself into as it attaches/detaches.
type Context interface {
	GuestMemory
	Device() Device
	Instruments() Instruments
	Channel(id int) *Channel
	Barrier() *barrier.Table
	RegisterRamin(addr uint64, ch *Channel)
	UnregisterRamin(addr uint64, ch *Channel)
}

// ReuseSet tracks which channels (by id, within [0, DomainChannels)) share
// one shadow page table.
type ReuseSet struct {
	bits [DomainChannels]bool
}

// Reset clears every bit.
func (r *ReuseSet) Reset() { *r = ReuseSet{} }

// Set marks id's membership.
func (r *ReuseSet) Set(id int, v bool) { r.bits[id] = v }

// IsSet reports id's membership.
func (r *ReuseSet) IsSet(id int) bool { return r.bits[id] }

// Members returns the ids currently set, in ascending order.
func (r *ReuseSet) Members() []int {
	var out []int
	for i, b := range r.bits {
		if b {
			out = append(out, i)
		}
	}
	return out
}

// Channel is one guest GPU channel's shadow state: a shadow RAMIN page, a
// hardware shadow page table, and the reuse-set bookkeeping that lets
// several channels share one shadow when the guest driver reuses a single
// page directory across channels.
type Channel struct {
	id             int
	enabled        bool
	tlbFlushNeeded bool
	raminAddress   uint64
	submitted      uint32
	table          *shadow.Hardware
	shadowRamin    *vram.Page
	phys           vram.Accessor

	original ReuseSet
	derived  *ReuseSet
}

// New creates channel id with its shadow RAMIN page and hardware shadow
// table allocated from arena, both backed by phys.
func New(id int, arena *vram.Arena, phys vram.Accessor) *Channel {
	c := &Channel{
		id:          id,
		table:       shadow.NewHardware(uint32(id), arena, phys),
		shadowRamin: vram.NewPage(arena, phys, 1),
		phys:        phys,
	}
	// A channel owns itself in its reuse set until something explicitly
	// shares a shadow with it via OverrideShadow.
	c.GenerateOriginal()
	c.derived = &c.original
	return c
}

// ID returns the channel's index within its guest's channel budget.
func (c *Channel) ID() int { return c.id }

// Enabled reports whether this channel has ever been assigned a RAMIN
// address.
func (c *Channel) Enabled() bool { return c.enabled }

// RaminAddress is the host-physical RAMIN address currently mapped here.
func (c *Channel) RaminAddress() uint64 { return c.raminAddress }

// Table returns the channel's hardware shadow page table.
func (c *Channel) Table() *shadow.Hardware { return c.table }

// ShadowRaminAddress is the host-physical address of the shadow RAMIN
// page the GPU should actually read.
func (c *Channel) ShadowRaminAddress() uint64 { return c.shadowRamin.Address() }

// Submitted returns the last value submitted on this channel's doorbell.
func (c *Channel) Submitted() uint32 { return c.submitted }

// Submit records a doorbell write.
func (c *Channel) Submit(value uint32) { c.submitted = value }

func (c *Channel) clearTLBFlushNeeded() { c.tlbFlushNeeded = false }

// TLBFlushNeeded marks this channel's shadow as stale, requiring a Flush
// before the GPU may safely execute from it.
func (c *Channel) TLBFlushNeeded() { c.tlbFlushNeeded = true }

// GenerateOriginal resets this channel's own reuse set to contain only
// itself and returns it, used when a channel stops sharing another's
// shadow.
func (c *Channel) GenerateOriginal() *ReuseSet {
	c.original.Reset()
	c.original.Set(c.id, true)
	return &c.original
}

func read64(a interface{ Read32(uint64) uint32 }, addr uint64) uint64 {
	lo := uint64(a.Read32(addr))
	hi := uint64(a.Read32(addr + 4))
	return lo | hi<<32
}

func write64(w interface{ Write32(uint64, uint32) }, addr uint64, v uint64) {
	w.Write32(addr, uint32(v))
	w.Write32(addr+4, uint32(v>>32))
}

// detach removes this channel's prior ramin_address from ctx's
// ramin→channel index and the barrier table, returning whether the
// barrier table considered the page present beforehand.
func (c *Channel) detach(ctx Context, addr uint64) bool {
	log.Printf("channel %d: detach from 0x%x to 0x%x", c.id, c.raminAddress, addr)
	oldExists := ctx.Barrier().Unmap(c.raminAddress)
	ctx.UnregisterRamin(c.raminAddress, c)
	return oldExists
}

// WriteShadowPageTable patches the shadow RAMIN's page-directory pointer
// field to shadow, without re-running the full Shadow scan.
func (c *Channel) WriteShadowPageTable(shadow uint64) {
	write64(c.shadowRamin, raminPageDirectoryVirt, shadow)
}

// OverrideShadow repoints this channel at another channel's already-built
// shadow page table, registering it in reuse, the "page table reuse"
// optimization applied when several channels share one page directory.
func (c *Channel) OverrideShadow(shadowAddr uint64, reuse *ReuseSet) {
	c.derived = reuse
	reuse.Set(c.id, true)
	c.WriteShadowPageTable(shadowAddr)
}

// IsOverriddenShadow reports whether this channel currently shares
// another channel's shadow rather than maintaining its own.
func (c *Channel) IsOverriddenShadow() bool {
	return c.derived != &c.original
}

// RemoveOverriddenShadow reverts a prior OverrideShadow, restoring this
// channel's own shadow page table.
func (c *Channel) RemoveOverriddenShadow() {
	c.derived.Set(c.id, false)
	c.derived = &c.original
	c.WriteShadowPageTable(c.table.ShadowAddress())
}

func (c *Channel) attach(ctx Context, addr uint64) {
	c.shadowInner(ctx)
	ctx.RegisterRamin(addr, c)
	ctx.Barrier().Map(addr)
}

// shadowInner performs the actual RAMIN copy-and-patch scan: copy the
// raw 4 KiB RAMIN block, rewrite
// its fctx/MPEG-context/page-directory pointers to host form, refresh (or
// borrow) the hardware page table, and kick the GPU to pick it up.
func (c *Channel) shadowInner(ctx Context) {
	for off := uint64(0); off < raminSize; off += 4 {
		c.shadowRamin.Write32(off, c.phys.Read32(c.raminAddress+off))
	}

	var pdPhys, pdSize uint64
	if !ctx.ParaVirtualized() {
		pdVirt := read64(c.phys, c.raminAddress+raminPageDirectoryVirt)
		pdPhys = ctx.PhysAddress(pdVirt)
		pdSize = read64(c.phys, c.raminAddress+raminPageDirectorySize)
		write64(c.shadowRamin, raminPageDirectoryVirt, pdPhys)
		write64(c.shadowRamin, raminPageDirectorySize, pdSize)
	}

	fctxVirt := read64(c.phys, c.raminAddress+raminFctx)
	write64(c.shadowRamin, raminFctx, ctx.PhysAddress(fctxVirt))

	mpegLimitVirt := uint64(c.phys.Read32(c.raminAddress + raminMpegCtxLimit))
	c.shadowRamin.Write32(raminMpegCtxLimit, uint32(ctx.PhysAddress(mpegLimitVirt)))

	mpegVirt := uint64(c.phys.Read32(c.raminAddress + raminMpegCtx))
	c.shadowRamin.Write32(raminMpegCtx, uint32(ctx.PhysAddress(mpegVirt)))

	if !ctx.ParaVirtualized() {
		c.table.Refresh(ctx, pdPhys, pdSize)
		c.WriteShadowPageTable(c.table.ShadowAddress())
	} else if pgd := ctx.PGD(c.id); pgd != nil {
		c.WriteShadowPageTable(pgd.Address())
	}

	if !ctx.ParaVirtualized() {
		c.kick(ctx)
	}
}

// kick pokes the GPU's channel-switch sequence: wait for the channel
// unit to idle, program the shadow address, request the switch, then
// wait for completion.
func (c *Channel) kick(ctx Context) {
	regs := ctx.Device().Registers()
	mmio.WaitNe(regs, mmio.Bar0, regChannelStat, 0x00ff0000, 0, spinAttempts, nil)
	regs.Write(mmio.Bar0, regChannelAddr, uint32(c.table.ShadowAddress()>>8), 4)
	regs.Write(mmio.Bar0, regChannelCmd, 0x80000000|0x1, 4)
	mmio.WaitEq(regs, mmio.Bar0, regChannelStat, 0x00008000, 0x00008000, spinAttempts, nil)
}

// Refresh installs addr as this channel's active RAMIN address, shadowing
// it and notifying BAR3's barrier tracking of the remap.
// Returns the host-physical address of the shadow RAMIN the GPU should be
// pointed at.
func (c *Channel) Refresh(ctx Context, addr uint64) uint64 {
	log.Printf("channel %d: mapping 0x%x with shadow 0x%x", c.id, addr, c.shadowRamin.Address())
	var oldRemap bool
	if c.enabled {
		if addr == c.raminAddress {
			return c.shadowRamin.Address()
		}
		oldRemap = !c.detach(ctx, addr)
	}
	c.enabled = true
	old := c.raminAddress
	c.raminAddress = addr
	c.attach(ctx, addr)

	ctx.Device().Lock()
	ctx.Device().ResetBarrier(ctx, old, addr, oldRemap)
	ctx.Device().Unlock()

	return c.shadowRamin.Address()
}

// Flush re-scans the page directory shared by this channel's reuse set if
// this channel has a pending TLB flush, and re-kicks the GPU — the lazy-reshadow path
// invoked on a guest's explicit TLB-flush request rather than on every
// PTE write.
func (c *Channel) Flush(ctx Context) {
	if !c.tlbFlushNeeded {
		return
	}

	var origin *Channel
	for _, pos := range c.derived.Members() {
		sibling := ctx.Channel(pos)
		sibling.clearTLBFlushNeeded()
		if !sibling.IsOverriddenShadow() {
			origin = sibling
		}
	}
	if origin == nil {
		return
	}

	start := time.Now()
	origin.table.Refresh(ctx, origin.table.PDAddress(), origin.table.Size()-1)
	ctx.Instruments().IncrementShadowing(time.Since(start))

	log.Printf("channel %d: flush %d 0x%x", c.id, origin.id, origin.table.ShadowAddress())
	c.kick(ctx)
}
