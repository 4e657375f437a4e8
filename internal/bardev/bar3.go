package bardev

import (
	"github.com/nvmediator/a3/internal/barrier"
	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/shadow"
	"github.com/nvmediator/a3/internal/vram"
)

// BAR3ArenaSize is the per-guest slice of the device-wide BAR3 aperture
// (RAMIN access window), sized to fit a single page-directory-covered
// range so resolve()'s directory-index bounds check always passes for
// dir==0; higher directories are never populated.
const BAR3ArenaSize = pgt.DirectoryCoveredSize // 128 MiB

// MaxBAR3Guests bounds how many guest slices the device-wide BAR3
// arrays are pre-sized for; 16 is a deployment judgment call recorded
// in DESIGN.md.
const MaxBAR3Guests = 16

// BAR3TotalSize is the full device-wide BAR3 aperture, one arena slice
// per guest.
const BAR3TotalSize = BAR3ArenaSize * MaxBAR3Guests

// bar3Entry mirrors shadow.SoftwareEntry's translate-and-remember
// behavior but lives in package bardev since SoftwareEntry's fields are
// unexported.
type bar3Entry struct {
	phys pgt.Entry
}

func (e *bar3Entry) present() bool { return e.phys.Present }

func (e *bar3Entry) refresh(t shadow.Translator, raw pgt.Entry) {
	e.phys = shadow.GuestToHost(t, raw)
}

func (e *bar3Entry) clear() { e.phys = pgt.Entry{} }

// BAR3Context is the per-guest surface the BAR3 shadow's methods need.
type BAR3Context interface {
	shadow.GuestMemory
	ID() uint32
	BAR3Address() uint64
	Barrier() *barrier.Table
}

// BAR3Device reaches the device-wide mutex and hypervisor, shared by
// every guest's BAR3 shadow calls.
type BAR3Device interface {
	Lock()
	Unlock()
	Hypervisor() hv.Interface
}

// BAR3 is the device-wide BAR3 (RAMIN access aperture) shadow: every
// guest's 128 MiB slice of host VRAM/RAMIN address space is resolved
// through one flat pair of large/small software entry arrays and
// reflected into the guest's HVM physical address space via the
// hypervisor's foreign memory-mapping calls.
type BAR3 struct {
	address uint64
	size    uint64

	ramin     *vram.Page
	directory *vram.Page
	entries   *vram.Page

	software []uint64 // per-small-page host guest-phys target, or 0
	large    []bar3Entry
	small    []bar3Entry

	regs  mmio.PhysAccessor
	remap bool // --bar3-remapping
}

// NewBAR3 constructs the device-wide BAR3 shadow and programs the
// chipset to present it.
func NewBAR3(arena *vram.Arena, phys vram.Accessor, regs mmio.PhysAccessor, address uint64, remap bool) *BAR3 {
	ramin := vram.NewPage(arena, phys, 1)
	directory := vram.NewPage(arena, phys, 8)
	entryPages := uint64(BAR3TotalSize/pgt.SmallPageSize*8+vram.PageSize-1) / vram.PageSize
	entries := vram.NewPage(arena, phys, entryPages)
	ramin.Clear()
	directory.Clear()
	entries.Clear()

	ramin.Write32(0x0200, uint32(directory.Address()))
	ramin.Write32(0x0204, uint32(directory.Address()>>32))
	ramin.Write32(0x0208, uint32(BAR3TotalSize-1))
	ramin.Write32(0x020c, uint32((BAR3TotalSize-1)>>32))

	directory.Write32(0x0, 0)
	directory.Write32(0x4, uint32(entries.Address()>>8)|0x1)

	b := &BAR3{
		address:   address,
		size:      BAR3TotalSize,
		ramin:     ramin,
		directory: directory,
		entries:   entries,
		software:  make([]uint64, BAR3TotalSize/pgt.SmallPageSize),
		large:     make([]bar3Entry, BAR3TotalSize/pgt.LargePageSize),
		small:     make([]bar3Entry, BAR3TotalSize/pgt.SmallPageSize),
		regs:      regs,
		remap:     remap,
	}
	b.Refresh()
	return b
}

// Address is this shadow's page-directory address, used by Flush.
func (b *BAR3) Address() uint64 { return b.directory.Address() }

// Refresh re-points the chipset's BAR3-channel register at this shadow's
// RAMIN.
func (b *BAR3) Refresh() {
	b.regs.Write(mmio.Bar0, 0x001714, 0xc0000000|uint32(b.ramin.Address()>>12), 4)
}

func (b *BAR3) mapEntry(index uint64, entry pgt.Entry) {
	entry.Encode(b.entries, 8*index)
	if entry.Present {
		b.software[index] = entry.Address << pgt.PageShift
	} else {
		b.software[index] = 0
	}
}

func (b *BAR3) mapXenPage(ctx BAR3Context, dev BAR3Device, offset uint64) {
	if !b.remap {
		return
	}
	guest := (ctx.BAR3Address() + offset) >> pgt.PageShift
	host := (b.address + uint64(ctx.ID())*BAR3ArenaSize + offset) >> pgt.PageShift
	dev.Hypervisor().AddMemoryMapping(ctx.DomID(), guest, host, 1)
}

func (b *BAR3) unmapXenPage(ctx BAR3Context, dev BAR3Device, offset uint64) {
	if !b.remap {
		return
	}
	guest := (ctx.BAR3Address() + offset) >> pgt.PageShift
	host := (b.address + uint64(ctx.ID())*BAR3ArenaSize + offset) >> pgt.PageShift
	dev.Hypervisor().RemoveMemoryMapping(ctx.DomID(), guest, host, 1)
}

// Resolve exposes resolve to callers outside package bardev (ctxt's BAR3
// write/read dispatch, which needs the same small-branch-first lookup
// but lives in a different package).
func (b *BAR3) Resolve(ctx BAR3Context, gvaddr uint64) (uint64, bool) {
	phys, _, ok := b.resolve(ctx, gvaddr)
	return phys, ok
}

// resolve translates a guest-relative BAR3 offset (within one guest's
// arena slice) into its guest-physical target and backing entry,
// preferring the finer-grained small branch.
func (b *BAR3) resolve(ctx BAR3Context, gvaddr uint64) (uint64, bar3Entry, bool) {
	if gvaddr/pgt.DirectoryCoveredSize != 0 {
		return 0, bar3Entry{}, false
	}
	hvaddr := gvaddr + uint64(ctx.ID())*BAR3ArenaSize

	if index := hvaddr / pgt.SmallPageSize; int(index) < len(b.small) {
		if e := b.small[index]; e.present() {
			rest := hvaddr % pgt.SmallPageSize
			return (e.phys.Address << pgt.PageShift) + rest, e, true
		}
	}
	if index := hvaddr / pgt.LargePageSize; int(index) < len(b.large) {
		if e := b.large[index]; e.present() {
			rest := hvaddr % pgt.LargePageSize
			return (e.phys.Address << pgt.PageShift) + rest, e, true
		}
	}
	return 0, bar3Entry{}, false
}

// Shadow fully re-walks guest ctx's 128 MiB BAR3 slice, installing every
// resolved page into the shadow entry table and reflecting non-barrier
// pages into the guest's HVM address space via the hypervisor. Unmap and
// map happen per page here — a simplification noted in DESIGN.md that
// preserves the same end-state mapping at the cost of more hypercalls.
func (b *BAR3) Shadow(ctx BAR3Context, dev BAR3Device) {
	base := uint64(ctx.ID()) * BAR3ArenaSize
	for off := uint64(0); off < BAR3ArenaSize; off += pgt.PageSize {
		b.unmapXenPage(ctx, dev, off)
	}

	for off := uint64(0); off < BAR3ArenaSize; off += pgt.PageSize {
		virt := base + off
		index := virt / pgt.PageSize
		gphys, entry, ok := b.resolve(ctx, off)
		if !ok {
			b.mapEntry(index, pgt.Entry{})
			continue
		}
		b.mapEntry(index, entry.phys)
		if !ctx.Barrier().Present(gphys) {
			b.mapXenPage(ctx, dev, off)
		}
	}
}

// ResetBarrier is called when a barrier-tracked page's mapping target
// changes: any BAR3 slot of ctx's slice that
// pointed at old gets its Xen mapping restored (if oldRemap), and any
// slot that now points at addr gets its Xen mapping torn down (the
// mediator is about to shadow it directly instead).
func (b *BAR3) ResetBarrier(ctx BAR3Context, dev BAR3Device, old, addr uint64, oldRemap bool) {
	shift := uint64(ctx.ID()) * BAR3ArenaSize / pgt.PageSize
	for index := uint64(0); index < BAR3ArenaSize/pgt.PageSize; index++ {
		hindex := shift + index
		target := b.software[hindex]
		switch {
		case target == old && oldRemap:
			b.mapXenPage(ctx, dev, index*pgt.PageSize)
		case target == addr:
			b.unmapXenPage(ctx, dev, index*pgt.PageSize)
		}
	}
}

// Flush kicks PFIFO/PGRAPH to reload this shadow's page table. Caller
// must hold the device mutex.
func (b *BAR3) Flush() {
	b.regs.Write(mmio.Bar0, regChannelAddr, uint32(b.Address()>>8), 4)
	b.regs.Write(mmio.Bar0, regChannelCmd, 0x80000000|flushEngineMask, 4)
}

// RefreshTable re-scans a guest-supplied page directory at host-physical
// address phys (already resolved by the caller) into this shadow's flat
// large/small entry arrays for ctx's slice.
func (b *BAR3) RefreshTable(ctx BAR3Context, mem pgt.Accessor, phys uint64) {
	if phys == 0 {
		return
	}
	dir := pgt.DecodeDirectory(mem, phys)
	base := uint64(ctx.ID()) * BAR3ArenaSize

	largeBase := base / pgt.LargePageSize
	largeCount := BAR3ArenaSize / pgt.LargePageSize
	if dir.LargePresent {
		addr := ctx.GuestPhysAddress(dir.LargeTableAddr << pgt.PageShift)
		if max := pgt.LargeSizeCount(dir.SizeType); uint64(largeCount) > max {
			largeCount = int(max)
		}
		for i := 0; i < largeCount; i++ {
			entry, ok := pgt.DecodeEntry(mem, addr+uint64(i)*8)
			if ok {
				b.large[largeBase+uint64(i)].refresh(ctx, entry)
			} else {
				b.large[largeBase+uint64(i)].clear()
			}
		}
	} else {
		for i := uint64(0); i < BAR3ArenaSize/pgt.LargePageSize; i++ {
			b.large[largeBase+i].clear()
		}
	}

	smallBase := base / pgt.SmallPageSize
	if dir.SmallPresent {
		addr := ctx.GuestPhysAddress(dir.SmallTableAddr << pgt.PageShift)
		count := BAR3ArenaSize / pgt.SmallPageSize
		for i := 0; i < count; i++ {
			entry, ok := pgt.DecodeEntry(mem, addr+uint64(i)*8)
			if ok {
				b.small[smallBase+uint64(i)].refresh(ctx, entry)
			} else {
				b.small[smallBase+uint64(i)].clear()
			}
		}
	} else {
		for i := uint64(0); i < BAR3ArenaSize/pgt.SmallPageSize; i++ {
			b.small[smallBase+i].clear()
		}
	}
}

// PVReflect installs a single paravirt-supplied (guest, host) entry pair
// directly, bypassing RefreshTable's guest-memory scan.
func (b *BAR3) PVReflect(ctx BAR3Context, dev BAR3Device, index uint32, guest, host uint64) {
	hindex := uint64(index) + uint64(ctx.ID())*BAR3ArenaSize/pgt.PageSize
	goffset := uint64(index) * pgt.PageSize

	gentry, _ := pgt.DecodeEntryRaw(guest)
	b.small[hindex].refresh(ctx, gentry)

	if host == 0 {
		b.mapEntry(hindex, pgt.Entry{})
		b.unmapXenPage(ctx, dev, goffset)
		return
	}

	hostEntry, _ := pgt.DecodeEntryRaw(host)
	b.mapEntry(hindex, hostEntry)
	gphys := hostEntry.Address << pgt.PageShift
	if !ctx.Barrier().Present(gphys) {
		b.mapXenPage(ctx, dev, goffset)
	} else {
		b.unmapXenPage(ctx, dev, goffset)
	}
}

// PVReflectBatch resolves count consecutive guest entries (spaced next
// apart) through GuestToHost and installs each, the batched counterpart
// used by the MAP_BATCH hypercall. Consecutive same-mode pages could
// share one hypervisor call; one map/unmap is issued per page instead
// (documented simplification in DESIGN.md),
// which produces the same end-state mapping at the cost of more
// hypervisor round trips.
func (b *BAR3) PVReflectBatch(ctx BAR3Context, dev BAR3Device, index uint32, guest, next uint64, count uint32) {
	for i := uint32(0); i < count; i++ {
		hindex := uint64(index+i) + uint64(ctx.ID())*BAR3ArenaSize/pgt.PageSize
		goffset := uint64(index+i) * pgt.PageSize

		gentry, _ := pgt.DecodeEntryRaw(guest)
		b.small[hindex].refresh(ctx, gentry)
		entry := shadow.GuestToHost(ctx, gentry)
		b.mapEntry(hindex, entry)

		if entry.Present {
			gphys := entry.Address << pgt.PageShift
			if !ctx.Barrier().Present(gphys) {
				b.mapXenPage(ctx, dev, goffset)
			} else {
				b.unmapXenPage(ctx, dev, goffset)
			}
		} else {
			b.unmapXenPage(ctx, dev, goffset)
		}

		guest += next
	}
}
