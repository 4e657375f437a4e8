// Package ctxt implements the per-guest mediation context: the aggregate
// that owns one guest's channels, barriers, register shadow, paravirt
// state and scheduler accounting, and dispatches every IPC command record
// the guest's session delivers onto the right BAR handler.
//
// The package is named ctxt rather than context because internal/sched
// imports the standard library context package for goroutine
// cancellation, and a local package named context would shadow it in
// every file that needs both.
package ctxt

import (
	"sync"
	"time"

	"github.com/nvmediator/a3/internal/bardev"
	"github.com/nvmediator/a3/internal/barrier"
	"github.com/nvmediator/a3/internal/channel"
	"github.com/nvmediator/a3/internal/device"
	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/hypercall"
	"github.com/nvmediator/a3/internal/pfifo"
	"github.com/nvmediator/a3/internal/playlist"
	"github.com/nvmediator/a3/internal/record"
	"github.com/nvmediator/a3/internal/sched"
	"github.com/nvmediator/a3/internal/shadow"
	"github.com/nvmediator/a3/internal/vram"
)

// MemorySize is the fixed per-guest VRAM quota: each
// guest sees this much VRAM, and guest g's host window is
// [g*MemorySize, (g+1)*MemorySize).
const MemorySize = 512 << 20

// MemoryCtlNum and MemoryCtlPart are the memory-controller geometry lied
// about to guests: one part of
// MemorySize, so guest drivers size themselves to the quota rather than
// to the physical six-part layout.
const (
	MemoryCtlNum  = 1
	MemoryCtlPart = MemorySize / MemoryCtlNum
)

// Flags carries the process-wide mediation switches set from the command
// line.
type Flags struct {
	LazyShadowing bool
}

// Context is one guest's mediation state. A single session goroutine
// drives Handle; the scheduler goroutines concurrently read the
// suspended-command queue and budget fields, which are the only fields
// guarded by bandMu.
type Context struct {
	dev     *device.Device
	through bool
	flags   Flags

	initialized bool
	domID       uint32
	id          uint32
	para        bool

	bar1Channel *BAR1Channel
	bar3Channel *BAR3Channel
	channels    [channel.DomainChannels]*channel.Channel
	barrierT    *barrier.Table
	pollArea    *bardev.PollArea
	regs        map[uint32]uint32
	raminMap    map[uint64][]*channel.Channel
	bar3Address uint64

	instr *Instruments

	// Paravirtualization state.
	pv32           map[uint32]uint32
	guestSlots     []byte
	allocated      map[uint32]*vram.Page
	pgds           [channel.DomainChannels]*vram.Page
	pvBAR1PGD      *vram.Page
	pvBAR1LargePGT *vram.Page
	pvBAR1SmallPGT *vram.Page
	pvBAR3PGD      *vram.Page
	pvBAR3PGT      *vram.Page

	// Scheduler accounting, guarded by bandMu.
	bandMu          sync.Mutex
	budget          time.Duration
	bandwidthUsed   time.Duration
	samplingUsed    time.Duration
	samplingUsed100 time.Duration
	suspended       []record.Command
}

// Interface compliance: every surface the rest of the mediator narrows a
// context down to.
var (
	_ channel.Context      = (*Context)(nil)
	_ shadow.GuestMemory   = (*Context)(nil)
	_ bardev.BAR1Context   = (*Context)(nil)
	_ bardev.BAR3Context   = (*Context)(nil)
	_ pfifo.Context        = (*Context)(nil)
	_ playlist.Context     = (*Context)(nil)
	_ sched.Context        = (*Context)(nil)
	_ device.Context       = (*Context)(nil)
	_ hypercall.Dispatcher = (*Context)(nil)
)

// New creates an uninitialized context for one guest session. Subobjects
// that depend on the guest's identity (channels, barrier table, BAR1/BAR3
// channels) are built when the INIT command arrives.
func New(dev *device.Device, through bool, flags Flags) *Context {
	c := &Context{
		dev:       dev,
		through:   through,
		flags:     flags,
		regs:      make(map[uint32]uint32),
		raminMap:  make(map[uint64][]*channel.Channel),
		pv32:      make(map[uint32]uint32),
		allocated: make(map[uint32]*vram.Page),
	}
	c.instr = newInstruments(c)
	return c
}

// initialize builds the per-guest subobjects once the INIT command names
// the guest's domain and virtualization mode.
func (c *Context) initialize(domID uint32, para bool) (uint32, bool) {
	c.domID = domID
	c.para = para

	id, ok := c.dev.AcquireVirt(c)
	if !ok {
		return failure, false
	}
	c.id = id

	c.bar1Channel = newBAR1Channel(c)
	c.bar3Channel = newBAR3Channel()
	c.barrierT = barrier.New(c.AddressShift(), c.VRAMSize())
	c.pollArea = bardev.NewPollArea(c.dev.Chipset().NVC0())
	for i := range c.channels {
		c.channels[i] = channel.New(i, c.dev.Arena(), c.dev.PMEM())
	}
	c.initialized = true
	return c.id, false
}

// Close tears the context down when its session ends: pending work is
// abandoned, the virt id goes back to the device pool, and every
// paravirt-allocated page is released.
func (c *Context) Close() {
	if !c.initialized {
		return
	}
	c.dev.ReleaseVirt(c.id, c)
	for id, p := range c.allocated {
		c.dev.Free(p)
		delete(c.allocated, id)
	}
	c.initialized = false
}

// Through reports whether this session bypasses mediation entirely.
func (c *Context) Through() bool { return c.through }

// ID is the guest's virtualized GPU id assigned at INIT.
func (c *Context) ID() uint32 { return c.id }

// DomID is the guest's hypervisor domain id.
func (c *Context) DomID() uint32 { return c.domID }

// ParaVirtualized reports whether the guest driver uses the BAR4
// hypercall ABI instead of full RAMIN shadowing.
func (c *Context) ParaVirtualized() bool { return c.para }

// VRAMSize is this guest's fixed VRAM quota.
func (c *Context) VRAMSize() uint64 { return MemorySize }

// AddressShift is the base of this guest's host-physical VRAM window,
// id*VRAMSize.
func (c *Context) AddressShift() uint64 { return uint64(c.id) * c.VRAMSize() }

// PhysAddress converts a guest-physical GPU address into its host form.
func (c *Context) PhysAddress(guest uint64) uint64 { return guest + c.AddressShift() }

// VirtAddress is PhysAddress's inverse.
func (c *Context) VirtAddress(phys uint64) uint64 { return phys - c.AddressShift() }

// GuestPhysAddress translates a guest-authored page-table pointer into the
// host-physical address the mediator can dereference through PMEM.
func (c *Context) GuestPhysAddress(guest uint64) uint64 { return c.PhysAddress(guest) }

// PhysChannelID maps a guest's virtual channel id onto the physical slot
// reserved for it.
func (c *Context) PhysChannelID(vcid uint32) uint32 {
	return vcid + c.id*channel.DomainChannels
}

// VirtChannelID is PhysChannelID's inverse, used on readback.
func (c *Context) VirtChannelID(pcid uint32) uint32 {
	return pcid - c.id*channel.DomainChannels
}

// InMemoryRange reports whether a host-physical address falls inside this
// guest's VRAM window.
func (c *Context) InMemoryRange(phys uint64) bool {
	return c.VirtAddress(phys) < c.VRAMSize()
}

// InMemorySize reports whether size fits the guest's quota.
func (c *Context) InMemorySize(size uint64) bool { return size <= c.VRAMSize() }

// Valid reports whether a host-physical page-directory pointer is real: a
// guest that hasn't programmed one yet leaves zero in its RAMIN, which
// translates to exactly the guest's address shift.
func (c *Context) Valid(phys uint64) bool { return c.VirtAddress(phys) != 0 }

// Hypervisor reaches the external GFN→MFN resolver.
func (c *Context) Hypervisor() hv.Interface { return c.dev.Hypervisor() }

// Device returns the device singleton as the channel-facing surface.
func (c *Context) Device() channel.Device { return c.dev }

// Instruments returns the diagnostic counters.
func (c *Context) Instruments() channel.Instruments { return c.instr }

// ClearShadowingUtilization resets the shadowing counters, the device-wide
// UTILITY subop's per-context hook.
func (c *Context) ClearShadowingUtilization() { c.instr.ClearShadowingUtilization() }

// Channel returns the guest's channel object for virtual channel id.
func (c *Context) Channel(id int) *channel.Channel { return c.channels[id] }

// Barrier returns the guest's write-barrier table.
func (c *Context) Barrier() *barrier.Table { return c.barrierT }

// PollArea returns the guest's BAR1 doorbell window descriptor.
func (c *Context) PollArea() *bardev.PollArea { return c.pollArea }

// BAR1Table is the guest's BAR1 software page table, resolved against by
// the device-wide BAR1 shadow.
func (c *Context) BAR1Table() *shadow.Software { return c.bar1Channel.Table() }

// BAR3Address is the guest-physical base of the guest's BAR3 aperture, as
// notified by the toolstack.
func (c *Context) BAR3Address() uint64 { return c.bar3Address }

// BAR1Channel returns the guest's own BAR1 channel state.
func (c *Context) BAR1Channel() *BAR1Channel { return c.bar1Channel }

// BAR3Channel returns the guest's own BAR3 channel state.
func (c *Context) BAR3Channel() *BAR3Channel { return c.bar3Channel }

// Reg32 reads the guest-visible register shadow.
func (c *Context) Reg32(offset uint32) uint32 { return c.regs[offset] }

// SetReg32 stores into the register shadow.
func (c *Context) SetReg32(offset uint32, value uint32) { c.regs[offset] = value }

// PGD returns the paravirt page directory assigned to a channel, or nil.
func (c *Context) PGD(channelID int) *vram.Page {
	if channelID < 0 || channelID >= len(c.pgds) {
		return nil
	}
	return c.pgds[channelID]
}

// RegisterRamin indexes ch under the host-physical RAMIN page addr, so
// barrier hits and PCOPY/graph-FIFO encodes can find every channel
// observing that page.
func (c *Context) RegisterRamin(addr uint64, ch *channel.Channel) {
	c.raminMap[addr] = append(c.raminMap[addr], ch)
}

// UnregisterRamin removes ch's entry for addr.
func (c *Context) UnregisterRamin(addr uint64, ch *channel.Channel) {
	chans := c.raminMap[addr]
	for i, cand := range chans {
		if cand == ch {
			c.raminMap[addr] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.raminMap[addr]) == 0 {
		delete(c.raminMap, addr)
	}
}

// raminChannels returns every channel currently mapped at the RAMIN page
// addr.
func (c *Context) raminChannels(addr uint64) []*channel.Channel {
	return c.raminMap[addr]
}
