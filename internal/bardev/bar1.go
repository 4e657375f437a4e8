// Package bardev implements the device-wide BAR1 and BAR3 shadow state:
// singletons, one per physical device rather than one per guest, that
// every guest's channels and VRAM apertures are multiplexed through.
package bardev

import (
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/shadow"
	"github.com/nvmediator/a3/internal/vram"
)

// Kick register offsets shared by the BAR1 and BAR3 device-wide shadows,
// identical to channel.go's.
const (
	regChannelStat = 0x100c80
	regChannelAddr = 0x100cb8
	regChannelCmd  = 0x100cbc
	spinAttempts   = 1_000_000
)

// flushEngineMask is the PFIFO/PGRAPH engine mask the BAR1 and BAR3
// flushes kick together (engine = 1 | 4).
const flushEngineMask = 0x1 | 0x4

// DomainChannels is the number of virtual channel ids a single guest is
// presented with, half the device's physical slots.
const DomainChannels = 64

// BAR1Context is the per-guest surface BAR1.Shadow needs: which physical
// channel a virtual channel id maps to, and the guest's own software
// page table over its poll-area-relative doorbell offsets.
type BAR1Context interface {
	ID() uint32
	PollArea() *PollArea
	PhysChannelID(vcid uint32) uint32
	BAR1Table() *shadow.Software
}

// BAR1 is the device-wide shadow BAR1 channel: a single minimal RAMIN +
// one-entry page table that every guest's virtual channel doorbells are
// remapped through. Unlike shadow.Hardware, this shadow covers only the
// first page-directory-covered range (128 MiB); its entries are rewritten
// by Shadow whenever a guest flushes its BAR1 channel's TLB.
type BAR1 struct {
	ramin     *vram.Page
	directory *vram.Page
	entry     *vram.Page
	rangeSize uint64
	regs      mmio.PhysAccessor
}

// NewBAR1 constructs the device-wide shadow BAR1 channel and programs
// the chipset to use it. rangeSize is the chipset's per-channel doorbell
// stride, shared with PollArea.PerSize().
func NewBAR1(arena *vram.Arena, phys vram.Accessor, regs mmio.PhysAccessor, rangeSize uint64) *BAR1 {
	ramin := vram.NewPage(arena, phys, 1)
	directory := vram.NewPage(arena, phys, 8)
	entry := vram.NewPage(arena, phys, 1)
	ramin.Clear()
	directory.Clear()
	entry.Clear()

	ramin.Write32(0x0200, uint32(directory.Address()))
	ramin.Write32(0x0204, uint32(directory.Address()>>32))
	ramin.Write32(0x0208, 0xffffffff)
	ramin.Write32(0x020c, 0x000000ff)

	directory.Write32(0x0, 0)
	directory.Write32(0x4, uint32(entry.Address()>>8)|0x1)

	b := &BAR1{ramin: ramin, directory: directory, entry: entry, rangeSize: rangeSize, regs: regs}
	return b
}

// Address is the shadow BAR1 channel's page-directory address, used by
// Flush's kick sequence.
func (b *BAR1) Address() uint64 { return b.directory.Address() }

// Bootstrap programs the chipset's POLL_AREA and BAR1-channel registers
// to point at this shadow. Call once at device bring-up, after NewBAR1.
func (b *BAR1) Bootstrap(nvc0 bool) {
	b.RefreshPollArea(nvc0)
	b.Refresh()
}

// RefreshPollArea re-programs the chipset's POLL_AREA base at the
// device-wide shadow's fixed location, re-run whenever a guest moves its
// own poll-area register.
func (b *BAR1) RefreshPollArea(nvc0 bool) {
	if nvc0 {
		cur := b.regs.Read(mmio.Bar0, 0x002200, 4)
		b.regs.Write(mmio.Bar0, 0x002200, cur|0x00000001, 4)
	}
	b.regs.Write(mmio.Bar0, 0x002254, 0x10000000, 4)
}

// Refresh re-points the chipset's BAR1-channel register at this shadow's
// RAMIN.
func (b *BAR1) Refresh() {
	b.regs.Write(mmio.Bar0, 0x001704, 0x80000000|uint32(b.ramin.Address()>>12), 4)
}

// mapEntry installs entry at the shadow page table index covering the
// device-wide virtual offset virt, a no-op if virt falls beyond the
// single page-directory-covered range this shadow supports.
func (b *BAR1) mapEntry(virt uint64, entry pgt.Entry) {
	if virt/pgt.DirectoryCoveredSize != 0 {
		return
	}
	index := virt / pgt.SmallPageSize
	entry.Encode(b.entry, 8*index)
}

// Shadow re-walks every virtual channel id of guest ctx, resolving each
// through ctx's BAR1 software table and installing the result into the
// device-wide shadow at that channel's physical slot.
func (b *BAR1) Shadow(ctx BAR1Context) {
	for vcid := uint32(0); vcid < DomainChannels; vcid++ {
		offset := uint64(vcid)*b.rangeSize + ctx.PollArea().Area()
		pcid := ctx.PhysChannelID(vcid)
		virt := uint64(pcid) * b.rangeSize
		_, entry, ok := ctx.BAR1Table().Resolve(offset)
		if ok {
			b.mapEntry(virt, entry.Phys())
		}
	}
}

// PVScan is the paravirt-driven counterpart to Shadow: functionally
// identical, kept distinct so callers can record separate
// instrumentation for the paravirt fast path.
func (b *BAR1) PVScan(ctx BAR1Context) { b.Shadow(ctx) }

// PVReflectEntry installs a single paravirt-supplied raw host entry at
// the shadow slot for guest ctx's channel index, bypassing a full Shadow
// rescan. big is accepted for symmetry with the hardware path; only the
// small-page branch is implemented.
func (b *BAR1) PVReflectEntry(ctx BAR1Context, big bool, index uint32, host uint64) {
	if big {
		return
	}
	entry, _ := pgt.DecodeEntryRaw(host)
	virt := (uint64(ctx.ID())*DomainChannels + uint64(index)) * b.rangeSize
	b.mapEntry(virt, entry)
}

// Flush kicks PFIFO/PGRAPH to reload the shadow BAR1 channel's page
// table, the same bounded-poll idiom as a channel kick. Caller must hold
// the device mutex.
func (b *BAR1) Flush() {
	mmio.WaitNe(b.regs, mmio.Bar0, regChannelStat, 0x00ff0000, 0x00000000, spinAttempts, nil)
	b.regs.Write(mmio.Bar0, regChannelAddr, uint32(b.Address()>>8), 4)
	b.regs.Write(mmio.Bar0, regChannelCmd, 0x80000000|flushEngineMask, 4)
	mmio.WaitEq(b.regs, mmio.Bar0, regChannelStat, 0x00008000, 0x00008000, spinAttempts, nil)
}

// Write forwards a guest's poll-area-relative doorbell write to the
// device-wide BAR1 offset it corresponds to.
func (b *BAR1) Write(ctx BAR1Context, io BAR1IO, offset uint64, value uint32, size uint8) {
	devOffset := offset - ctx.PollArea().Area() + b.rangeSize*uint64(ctx.ID())*DomainChannels
	io.Write(uint32(devOffset), value, size)
}

// Read forwards a guest's poll-area-relative doorbell read to the
// device-wide BAR1 offset it corresponds to.
func (b *BAR1) Read(ctx BAR1Context, io BAR1IO, offset uint64, size uint8) uint32 {
	devOffset := offset - ctx.PollArea().Area() + b.rangeSize*uint64(ctx.ID())*DomainChannels
	return io.Read(uint32(devOffset), size)
}
