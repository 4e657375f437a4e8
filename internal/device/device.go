// Package device is the physical-GPU singleton every guest's shadow
// state and scheduler submissions are multiplexed through: the device
// mutex, the register/PMEM accessors, the VRAM arena, the device-wide
// BAR1/BAR3 shadows, PFIFO's channel-control window, the playlist, and
// the chosen cooperative scheduler.
package device

import (
	"sync"

	"github.com/nvmediator/a3/internal/bardev"
	"github.com/nvmediator/a3/internal/channel"
	"github.com/nvmediator/a3/internal/chipset"
	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pfifo"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/playlist"
	"github.com/nvmediator/a3/internal/record"
	"github.com/nvmediator/a3/internal/sched"
	"github.com/nvmediator/a3/internal/vram"
)

// MaxGuests bounds the device-wide virtual-guest-id space. It reuses
// bardev.MaxBAR3Guests so a guest's BAR3 slice and its virt id share the
// same capacity, a judgment call recorded in DESIGN.md.
const MaxGuests = bardev.MaxBAR3Guests

// activeReg is the PGRAPH busy-status register the activity poll reads:
// non-zero means the GPU is still executing the last submitted command.
const activeReg = 0x400700

// Context is the minimal per-guest surface the device singleton itself
// needs to hold onto generically: scheduler accounting plus the
// device-wide UTILITY_CLEAR_SHADOWING_UTILIZATION counter reset. The
// richer per-guest surfaces (channel.Context, bardev.BAR1Context,
// bardev.BAR3Context, pfifo.Context, playlist.Context) are all satisfied
// by *ctxt.Context directly; Device only narrows to what it dispatches
// through type assertions.
type Context interface {
	sched.Context
	ClearShadowingUtilization()
}

// Device is the process-wide GPU singleton. Exactly one
// exists per mediator process.
type Device struct {
	mu sync.Mutex

	regs mmio.PhysAccessor
	pmem *mmio.PMEM
	hv   hv.Interface
	cs   chipset.Chipset

	arena *vram.Arena

	bar1     *bardev.BAR1
	bar3     *bardev.BAR3
	pollSize uint64

	pfifo    *pfifo.PFIFO
	playlist *playlist.Playlist

	scheduler sched.Scheduler

	domID uint32

	virts    [MaxGuests]bool // true = free
	contexts [MaxGuests]Context
}

// Config bundles the construction-time dependencies New wires together.
type Config struct {
	Regs       mmio.PhysAccessor
	HV         hv.Interface
	DomID      uint32
	Chipset    chipset.Chipset
	ArenaBase  uint64
	ArenaSize  uint64
	Remap      bool // --bar3-remapping
	BAR3Base   uint64
}

// New builds the device singleton: the VRAM arena, the device-wide BAR1
// and BAR3 shadows, PFIFO, the playlist, and the PMEM sliding-window
// accessor, then bootstraps BAR1.
func New(cfg Config) *Device {
	d := &Device{
		regs:  cfg.Regs,
		hv:    cfg.HV,
		cs:    cfg.Chipset,
		domID: cfg.DomID,
	}
	d.pmem = mmio.NewPMEM(cfg.Regs)
	d.arena = vram.NewArena(cfg.ArenaBase, cfg.ArenaSize)

	pollArea := bardev.NewPollArea(cfg.Chipset.NVC0())
	d.pollSize = pollArea.PerSize()

	d.bar1 = bardev.NewBAR1(d.arena, d.pmem, d.regs, d.pollSize)
	d.bar1.Bootstrap(cfg.Chipset.NVC0())

	d.bar3 = bardev.NewBAR3(d.arena, d.pmem, d.regs, cfg.BAR3Base, cfg.Remap)

	d.pfifo = pfifo.New(d.regs, cfg.Chipset.NVC0())
	d.playlist = playlist.New(d.arena, d.pmem, d.regs)

	for i := range d.virts {
		d.virts[i] = true
	}

	return d
}

// SetScheduler installs the cooperative scheduler this device submits
// doorbells through. Split from New because every scheduler
// implementation takes the device itself as its sched.Device collaborator
// (construction order: device, then scheduler, then SetScheduler).
func (d *Device) SetScheduler(s sched.Scheduler) {
	d.scheduler = s
}

// Lock acquires the device-wide mutex.
func (d *Device) Lock() { d.mu.Lock() }

// Unlock releases the device-wide mutex.
func (d *Device) Unlock() { d.mu.Unlock() }

// Registers returns the shared physical-register accessor.
func (d *Device) Registers() mmio.PhysAccessor { return d.regs }

// PMEM returns the VRAM sliding-window accessor.
func (d *Device) PMEM() *mmio.PMEM { return d.pmem }

// Arena returns the host-VRAM page allocator.
func (d *Device) Arena() *vram.Arena { return d.arena }

// Hypervisor returns the hypervisor call surface (bardev.BAR3Device).
func (d *Device) Hypervisor() hv.Interface { return d.hv }

// Chipset returns the detected chipset generation.
func (d *Device) Chipset() chipset.Chipset { return d.cs }

// BAR1 returns the device-wide shadow BAR1 channel.
func (d *Device) BAR1() *bardev.BAR1 { return d.bar1 }

// BAR3 returns the device-wide shadow BAR3 RAMIN aperture.
func (d *Device) BAR3() *bardev.BAR3 { return d.bar3 }

// PFIFO returns the device-wide PFIFO channel-control window.
func (d *Device) PFIFO() *pfifo.PFIFO { return d.pfifo }

// Playlist returns the device-wide double-buffered runlist.
func (d *Device) Playlist() *playlist.Playlist { return d.playlist }

// DomID is the hypervisor domain id of the privileged driver domain A3
// itself runs in.
func (d *Device) DomID() uint32 { return d.domID }

// ResetBarrier satisfies channel.Device: it forwards to the device-wide
// BAR3 shadow's own barrier-reset sweep. ramin must additionally satisfy
// bardev.BAR3Context (true of every concrete *ctxt.Context); callers
// (channel.Channel.Refresh) already hold the device mutex around this
// call, so it performs no locking of its own.
func (d *Device) ResetBarrier(ramin channel.GuestMemory, old, addr uint64, oldRemap bool) {
	bc, ok := ramin.(bardev.BAR3Context)
	if !ok {
		return
	}
	d.bar3.ResetBarrier(bc, d, old, addr, oldRemap)
}

// Read forwards a raw physical register access, used by the --through
// bypass mode that skips shadowing entirely.
func (d *Device) Read(bar mmio.Bar, offset uint32, size uint8) uint32 {
	return d.regs.Read(bar, offset, size)
}

// Write forwards a raw physical register write.
func (d *Device) Write(bar mmio.Bar, offset uint32, value uint32, size uint8) {
	d.regs.Write(bar, offset, value, size)
}

// bar1Read/bar1Write forward a device-wide BAR1 offset access to the
// physical register accessor.
func (d *Device) bar1Read(offset uint32, size uint8) uint32 {
	return d.regs.Read(mmio.Bar1, offset, size)
}

func (d *Device) bar1Write(offset uint32, value uint32, size uint8) {
	d.regs.Write(mmio.Bar1, offset, value, size)
}

// bar1IO adapts Device's unexported bar1Read/bar1Write into the
// bardev.BAR1IO interface without exporting them as part of Device's own
// public method set (Device.Read/Write above serve a different,
// bar-parameterized contract for --through passthrough).
type bar1IO struct{ d *Device }

func (io bar1IO) Read(offset uint32, size uint8) uint32            { return io.d.bar1Read(offset, size) }
func (io bar1IO) Write(offset uint32, value uint32, size uint8) { io.d.bar1Write(offset, value, size) }

// BAR1IO returns the bardev.BAR1IO adapter for this device, used by
// callers forwarding a guest's poll-area doorbell accesses.
func (d *Device) BAR1IO() bardev.BAR1IO { return bar1IO{d} }

// IsActive reports whether the GPU is still executing the last submitted
// command. ctx is accepted for the sched.Device contract but unused: the
// activity register is device-global.
func (d *Device) IsActive(ctx sched.Context) bool {
	return d.regs.Read(mmio.Bar0, activeReg, 4) != 0
}

// SubmitDoorbell writes cmd to ctx's BAR1 doorbell offset through the
// device-wide shadow. Caller must already hold the device mutex (every
// scheduler submits under dev.Lock()).
func (d *Device) SubmitDoorbell(ctx sched.Context, cmd record.Command) {
	bc, ok := ctx.(bardev.BAR1Context)
	if !ok {
		return
	}
	d.bar1.Write(bc, d.BAR1IO(), uint64(cmd.Offset), cmd.Value, uint8(cmd.Size))
}

// Fire hands cmd off to the installed scheduler.
func (d *Device) Fire(ctx Context, cmd record.Command) {
	d.scheduler.Enqueue(ctx, cmd)
}

// AcquireVirt assigns ctx the first free virtual guest id and registers
// it with the scheduler. Returns false if the
// device has no free ids.
func (d *Device) AcquireVirt(ctx Context) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, free := range d.virts {
		if free {
			d.virts[i] = false
			d.contexts[i] = ctx
			d.scheduler.RegisterContext(ctx)
			return uint32(i), true
		}
	}
	return 0, false
}

// ReleaseVirt returns virt to the free pool and unregisters ctx from the
// scheduler.
func (d *Device) ReleaseVirt(virt uint32, ctx Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(virt) >= len(d.virts) {
		return
	}
	d.virts[virt] = true
	d.contexts[virt] = nil
	d.scheduler.UnregisterContext(ctx)
}

// Contexts returns every currently-registered guest context, used by the
// UTILITY device-wide counter reset.
func (d *Device) Contexts() []Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Context, 0, MaxGuests)
	for _, ctx := range d.contexts {
		if ctx != nil {
			out = append(out, ctx)
		}
	}
	return out
}

// PlaylistUpdate rewrites ctx's playlist submission into the device-wide
// physical-channel runlist under the device mutex.
func (d *Device) PlaylistUpdate(ctx playlist.Context, mem pgt.Accessor, address uint64, cmd uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playlist.Update(ctx, mem, address, cmd)
}

// Malloc allocates n VRAM pages from the device arena.
func (d *Device) Malloc(n uint64) *vram.Page {
	return vram.NewPage(d.arena, d.pmem, n)
}

// Free releases a page run back to the arena.
func (d *Device) Free(p *vram.Page) {
	p.Close()
}
