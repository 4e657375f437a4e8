package shadow

import (
	"log"

	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/vram"
)

// GuestMemory is the per-guest surface the Hardware shadow table scans
// through: guest-physical page-table pointers need validating and
// translating before they can be dereferenced.
type GuestMemory interface {
	Translator
	// Valid reports whether a guest-physical address is backed by real
	// memory.
	Valid(guestAddr uint64) bool
	// InMemoryRange reports whether guestAddr falls inside the guest's
	// assigned memory.
	InMemoryRange(guestAddr uint64) bool
	// InMemorySize reports whether size fits inside the guest's assigned
	// memory budget.
	InMemorySize(size uint64) bool
	// GuestPhysAddress translates a guest-virtual page-table pointer
	// (already decoded from an entry's Address field, pre-shift) into the
	// host-physical address the mediator can read through pmem.
	GuestPhysAddress(guestAddr uint64) uint64
}

const directorySlots = 0x10000 / 0x8 // 8192 directory entries per PD page

// largePoolPages / smallPoolPages size each pool page run to hold one
// full branch table's worth of 8-byte entries.
const (
	largePoolPages = pgt.LargePageCount * 8 / vram.PageSize // 1024*8/4096 = 2
	smallPoolPages = pgt.SmallPageCount * 8 / vram.PageSize // 32768*8/4096 = 64
)

// Hardware is the scan-and-shadow hardware page table presented to the
// GPU in place of a guest's own page directory. Each
// Refresh call re-walks the entire guest directory and rewrites every
// present entry's host frame via GuestToHost, publishing the result into a
// physically-backed shadow page the GPU's MMU actually reads.
type Hardware struct {
	channelID uint32
	arena     *vram.Arena
	phys      vram.Accessor

	size      uint64
	pdAddress uint64
	shadow    *vram.Page

	largePool       []*vram.Page
	smallPool       []*vram.Page
	largePoolCursor int
	smallPoolCursor int
}

// NewHardware creates an empty Hardware shadow table for the given
// channel. Its backing shadow page is allocated lazily on first Refresh.
func NewHardware(channelID uint32, arena *vram.Arena, phys vram.Accessor) *Hardware {
	return &Hardware{channelID: channelID, arena: arena, phys: phys}
}

// ChannelID returns the owning channel's identifier.
func (h *Hardware) ChannelID() uint32 { return h.channelID }

// Size returns the guest virtual address space size last passed to
// Refresh.
func (h *Hardware) Size() uint64 { return h.size }

// PDAddress returns the guest-physical page directory address last
// scanned, for re-refreshing without re-deriving it (e.g. a TLB flush
// that reuses the same directory pointer).
func (h *Hardware) PDAddress() uint64 { return h.pdAddress }

// ShadowAddress returns the host-physical address of the shadow page
// directory page the GPU should be pointed at, or 0 if none has been
// allocated yet.
func (h *Hardware) ShadowAddress() uint64 {
	if h.shadow == nil {
		return 0
	}
	return h.shadow.Address()
}

// AllocateShadowAddress ensures the shadow page directory page exists
// without scanning anything, used by the TLB-flush path to obtain a stable
// shadow address before the (possibly deferred) rescan happens.
func (h *Hardware) AllocateShadowAddress() {
	if h.shadow == nil {
		h.shadow = vram.NewPage(h.arena, h.phys, 0x10)
		h.shadow.Clear()
	}
}

// Refresh re-scans the guest's page directory at pageDirectoryAddress,
// covering a guest address space of pageLimit+1 bytes.
func (h *Hardware) Refresh(ctx GuestMemory, pageDirectoryAddress, pageLimit uint64) {
	h.AllocateShadowAddress()
	h.pdAddress = pageDirectoryAddress
	h.size = pageLimit + 1
	h.refreshDirectories(ctx, pageDirectoryAddress)
}

func (h *Hardware) refreshDirectories(ctx GuestMemory, address uint64) {
	h.pdAddress = address
	h.largePoolCursor = 0
	h.smallPoolCursor = 0

	if !ctx.Valid(address) {
		// Disabled: the guest hasn't pointed this channel at a real
		// directory yet. Leave the shadow page as all zeros.
		return
	}
	if !ctx.InMemoryRange(address) || !ctx.InMemorySize(h.Size()) {
		log.Printf("shadow: channel %d page directory out of range addr=0x%x size=0x%x", h.channelID, address, h.Size())
		return
	}

	for slot := 0; slot < directorySlots; slot++ {
		offset := uint64(slot) * 8
		guestDir := pgt.DecodeDirectory(h.phys, address+offset)
		result := h.refreshDirectory(ctx, guestDir)
		result.Encode(h.shadow, offset)
	}
}

func (h *Hardware) refreshDirectory(ctx GuestMemory, dir pgt.Directory) pgt.Directory {
	result := dir

	if dir.LargePresent {
		guestTableAddr := ctx.GuestPhysAddress(dir.LargeTableAddr << pgt.PageShift)
		pool := h.allocateLargePage()
		count := pgt.LargeSizeCount(dir.SizeType)
		for i := uint64(0); i < count; i++ {
			item := i * 8
			entry, ok := pgt.DecodeEntry(h.phys, guestTableAddr+item)
			if ok {
				res := GuestToHost(ctx, entry)
				res.Encode(pool, item)
			} else {
				pool.Write32(item, 0)
			}
		}
		result.LargeTableAddr = pool.Address() >> pgt.PageShift
	} else {
		result.LargeTableAddr = 0
	}

	if dir.SmallPresent {
		guestTableAddr := ctx.GuestPhysAddress(dir.SmallTableAddr << pgt.PageShift)
		pool := h.allocateSmallPage()
		for i := uint64(0); i < pgt.SmallPageCount; i++ {
			item := i * 8
			entry, ok := pgt.DecodeEntry(h.phys, guestTableAddr+item)
			if ok {
				res := GuestToHost(ctx, entry)
				res.Encode(pool, item)
			} else {
				pool.Write32(item, 0)
			}
		}
		result.SmallTableAddr = pool.Address() >> pgt.PageShift
	} else {
		result.SmallTableAddr = 0
	}

	return result
}

// allocateLargePage draws the next large branch-table page from the pool,
// growing the pool only when the cursor exhausts what's already allocated
// — the per-refresh reuse-before-grow policy.
func (h *Hardware) allocateLargePage() *vram.Page {
	if h.largePoolCursor == len(h.largePool) {
		h.largePool = append(h.largePool, vram.NewPage(h.arena, h.phys, largePoolPages))
	}
	p := h.largePool[h.largePoolCursor]
	h.largePoolCursor++
	return p
}

func (h *Hardware) allocateSmallPage() *vram.Page {
	if h.smallPoolCursor == len(h.smallPool) {
		h.smallPool = append(h.smallPool, vram.NewPage(h.arena, h.phys, smallPoolPages))
	}
	p := h.smallPool[h.smallPoolCursor]
	h.smallPoolCursor++
	return p
}
