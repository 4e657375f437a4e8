// Package hypercall implements the BAR4 paravirtualization hypercall
// dispatcher: a slot-based RPC ABI a paravirt-aware guest driver uses in
// place of raw BAR0/BAR1/BAR3 register traffic, to install page
// directories, patch page-table entries and allocate VRAM directly.
package hypercall

import (
	"encoding/binary"
	"fmt"

	"github.com/nvmediator/a3/internal/vram"
)

// Op identifies a BAR4 hypercall operation, written to a slot's word[0]
// by the guest before triggering it.
type Op uint32

const (
	OpSetPGD Op = iota
	OpMapPGT
	OpMap
	OpMapBatch
	OpMapSGBatch
	OpUnmapBatch
	OpVMFlush
	OpMemAlloc
	OpMemFree
	OpBAR3PGT
)

func (op Op) String() string {
	switch op {
	case OpSetPGD:
		return "SET_PGD"
	case OpMapPGT:
		return "MAP_PGT"
	case OpMap:
		return "MAP"
	case OpMapBatch:
		return "MAP_BATCH"
	case OpMapSGBatch:
		return "MAP_SG_BATCH"
	case OpUnmapBatch:
		return "UNMAP_BATCH"
	case OpVMFlush:
		return "VM_FLUSH"
	case OpMemAlloc:
		return "MEM_ALLOC"
	case OpMemFree:
		return "MEM_FREE"
	case OpBAR3PGT:
		return "BAR3_PGT"
	default:
		return fmt.Sprintf("Op(%d)", uint32(op))
	}
}

// Result codes written back into a slot's word[0], the negative-errno
// convention for guest protocol errors.
const (
	OK       int32 = 0
	ErrNoEnt int32 = -2  // unknown PV id
	ErrInval int32 = -22 // bad op
	ErrRange int32 = -34 // out-of-range index/count
)

// SlotSize is sized generously enough to hold MAP_SG_BATCH's largest
// practical gather list; SlotCount matches a guest's channel budget (one
// slot per virtual channel, the natural 1:1 a paravirt driver would
// pick).
const (
	SlotSize  = 512
	SlotCount = 64
	SlotTotal = SlotSize * SlotCount
)

// pvIDTag marks a PV id as the mediator's own token rather than a raw
// host frame number, so SET_PGD's cid<0 special values (-1 BAR1, -3
// BAR3) can never collide with a real 29-bit PV id.
const pvIDTag = 1 << 28

// PageID derives the opaque PV id a MEM_ALLOC reply hands back to the
// guest for a freshly allocated page.
func PageID(p *vram.Page) uint32 {
	return uint32(p.Address()>>12) | pvIDTag
}

// Slot is a fixed-size little-endian view over one hypercall slot's raw
// bytes (a guest-mapped region of BAR4's foreign-mapped memory). Fields
// are read/written at fixed byte offsets per op, documented alongside
// each op's handler below.
type Slot struct{ buf []byte }

// NewSlot wraps buf (must be at least SlotSize bytes) as a Slot.
func NewSlot(buf []byte) Slot { return Slot{buf: buf[:SlotSize]} }

func (s Slot) U32(off int) uint32        { return binary.LittleEndian.Uint32(s.buf[off:]) }
func (s Slot) SetU32(off int, v uint32)  { binary.LittleEndian.PutUint32(s.buf[off:], v) }
func (s Slot) U64(off int) uint64        { return binary.LittleEndian.Uint64(s.buf[off:]) }
func (s Slot) SetU64(off int, v uint64) { binary.LittleEndian.PutUint64(s.buf[off:], v) }

// Dispatcher is the per-guest surface Dispatch drives: PV id bookkeeping,
// the fixed BAR1/BAR3 PGD/PGT slots, page-table patching and allocation.
// Satisfied by *ctxt.Context.
type Dispatcher interface {
	LookupPage(id uint32) (*vram.Page, bool)

	BAR1PGD() *vram.Page
	SetBAR1PGD(p *vram.Page)
	BAR3PGD() *vram.Page
	SetBAR3PGD(p *vram.Page)
	SetChannelPGD(cid uint32, p *vram.Page)

	BAR1LargePGT() *vram.Page
	SetBAR1LargePGT(p *vram.Page)
	BAR1SmallPGT() *vram.Page
	SetBAR1SmallPGT(p *vram.Page)
	BAR3PGT() *vram.Page
	SetBAR3PGT(p *vram.Page)

	PVScanBAR1(big bool, pgt *vram.Page)

	// PVMap patches pgt at index with the host-translated form of
	// guestRaw (already run through TranslateRaw by the caller), and
	// reflects the result into BAR1/BAR3's software tables when pgt is
	// one of the fixed BAR1/BAR3 PGT slots.
	PVMap(pgt *vram.Page, index uint32, guestRaw, hostRaw uint64) error

	// TranslateRaw runs a raw guest page-table entry through
	// shadow.GuestToHost and repacks it, the guest_to_host step every
	// MAP-family op performs before writing.
	TranslateRaw(guestRaw uint64) uint64

	VMFlushBAR1()
	VMFlushBAR3()
	VMFlushEngine(pgd *vram.Page, engine uint32)

	MemAlloc(size uint32) *vram.Page
	MemFree(id uint32)

	IncrementHypercalls()
}

// Dispatch decodes slot's op and arguments and executes it against d,
// returning the result code to be written into slot's word[0].
func Dispatch(d Dispatcher, slot Slot) int32 {
	d.IncrementHypercalls()
	switch Op(slot.U32(0)) {
	case OpSetPGD:
		return opSetPGD(d, slot)
	case OpMapPGT:
		return opMapPGT(d, slot)
	case OpMap:
		return opMap(d, slot)
	case OpMapBatch:
		return opMapBatch(d, slot)
	case OpMapSGBatch:
		return opMapSGBatch(d, slot)
	case OpUnmapBatch:
		return opUnmapBatch(d, slot)
	case OpVMFlush:
		return opVMFlush(d, slot)
	case OpMemAlloc:
		return opMemAlloc(d, slot)
	case OpMemFree:
		return opMemFree(d, slot)
	case OpBAR3PGT:
		return opBAR3PGT(d, slot)
	default:
		return ErrInval
	}
}

// opSetPGD installs pv_id's page as PGD for channel cid; cid==-1 means
// BAR1, cid==-3 means BAR3. Slot layout: pv_id @4,
// cid (signed) @8.
func opSetPGD(d Dispatcher, slot Slot) int32 {
	pgd, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}
	switch cid := int32(slot.U32(8)); {
	case cid == -1:
		d.SetBAR1PGD(pgd)
	case cid == -3:
		d.SetBAR3PGD(pgd)
	case cid < 0:
		return ErrInval
	default:
		d.SetChannelPGD(uint32(cid), pgd)
	}
	return OK
}

// opMapPGT patches directory entry dirIdx of pgd with pgt0 (small) and
// pgt1 (large), or — when pgd is the fixed BAR1/BAR3 PGD — installs the
// page tables directly and scans them. Slot layout:
// pgd_id @4, pgt0_id @8, pgt1_id @12, dir_idx @16.
func opMapPGT(d Dispatcher, slot Slot) int32 {
	pgd, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}

	var pgt0, pgt1 *vram.Page
	if id := slot.U32(8); id != 0 {
		if pgt0, ok = d.LookupPage(id); !ok {
			return ErrNoEnt
		}
	}
	if id := slot.U32(12); id != 0 {
		if pgt1, ok = d.LookupPage(id); !ok {
			return ErrNoEnt
		}
	}

	switch pgd {
	case d.BAR1PGD():
		if pgt1 != nil && pgt1 != d.BAR1LargePGT() {
			d.SetBAR1LargePGT(pgt1)
			d.PVScanBAR1(true, pgt1)
		}
		if pgt0 != nil && pgt0 != d.BAR1SmallPGT() {
			d.SetBAR1SmallPGT(pgt0)
			d.PVScanBAR1(false, pgt0)
		}
		return OK
	case d.BAR3PGD():
		// The BAR3 shadow is reflected entry-by-entry via PVReflect/
		// PVReflectBatch, never through a directory patch.
		return OK
	}

	index := uint64(slot.U32(16))
	if 8*(index+1) > pgd.Size() {
		return ErrRange
	}
	var word0, word1 uint32
	if pgt1 != nil {
		word0 = 0x1 | uint32(pgt1.Address()>>8)
	}
	if pgt0 != nil {
		word1 = 0x1 | uint32(pgt0.Address()>>8)
	}
	pgd.Write32(8*index+0, word0)
	pgd.Write32(8*index+4, word1)
	return OK
}

// opMap installs a single translated entry into pgt at entry_idx. Slot
// layout: pgt_id @4, entry_idx @8, guest_raw_pte @16 (64-bit).
func opMap(d Dispatcher, slot Slot) int32 {
	pgt, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}
	index := slot.U32(8)
	guestRaw := slot.U64(16)
	hostRaw := d.TranslateRaw(guestRaw)
	if err := d.PVMap(pgt, index, guestRaw, hostRaw); err != nil {
		return ErrRange
	}
	return OK
}

// opMapBatch installs count contiguous entries into pgt starting at
// start_idx, the guest-raw entry advancing by stride bytes each step.
// Slot layout: pgt_id @4, start_idx @8,
// stride @12, count @16, first_entry @24 (64-bit).
func opMapBatch(d Dispatcher, slot Slot) int32 {
	pgt, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}
	index := slot.U32(8)
	stride := uint64(slot.U32(12))
	count := slot.U32(16)
	guest := slot.U64(24)

	for i := uint32(0); i < count; i++ {
		host := d.TranslateRaw(guest)
		if err := d.PVMap(pgt, index+i, guest, host); err != nil {
			return ErrRange
		}
		guest += stride
	}
	return OK
}

// sgBatchEntriesOffset is the byte offset the gather list starts at;
// sgBatchMaxEntries bounds how many 8-byte raw entries fit in one slot.
const (
	sgBatchEntriesOffset = 16
	sgBatchMaxEntries    = (SlotSize - sgBatchEntriesOffset) / 8
)

// opMapSGBatch installs count entries into pgt starting at start_idx,
// each taken from its own slot in entries[] rather than a fixed stride.
// Slot layout: pgt_id @4, start_idx @8,
// count @12, entries[] @16 (8 bytes each).
func opMapSGBatch(d Dispatcher, slot Slot) int32 {
	pgt, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}
	index := slot.U32(8)
	count := slot.U32(12)
	if count > sgBatchMaxEntries {
		return ErrRange
	}
	for i := uint32(0); i < count; i++ {
		guest := slot.U64(sgBatchEntriesOffset + int(i)*8)
		host := d.TranslateRaw(guest)
		if err := d.PVMap(pgt, index+i, guest, host); err != nil {
			return ErrRange
		}
	}
	return OK
}

// opUnmapBatch zero-maps count entries of pgt starting at start_idx.
// Slot layout: pgt_id @4, start_idx @8,
// count @12.
func opUnmapBatch(d Dispatcher, slot Slot) int32 {
	pgt, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}
	index := slot.U32(8)
	count := slot.U32(12)
	for i := uint32(0); i < count; i++ {
		if err := d.PVMap(pgt, index+i, 0, 0); err != nil {
			return ErrRange
		}
	}
	return OK
}

// opVMFlush flushes the BAR1/BAR3 window if pgd is one of their fixed
// PGD slots, otherwise programs the physical TLB-refresh registers for
// pgd's owning engine. Slot layout: pgd_id @4,
// engine @8.
func opVMFlush(d Dispatcher, slot Slot) int32 {
	pgd, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}
	switch pgd {
	case d.BAR1PGD():
		d.VMFlushBAR1()
	case d.BAR3PGD():
		d.VMFlushBAR3()
	default:
		d.VMFlushEngine(pgd, slot.U32(8))
	}
	return OK
}

// opMemAlloc allocates ceil(size/4K) host-VRAM pages and returns a PV id
// derived from the page's host frame number. Slot layout: size @4 in; id
// written back @4.
func opMemAlloc(d Dispatcher, slot Slot) int32 {
	page := d.MemAlloc(slot.U32(4))
	slot.SetU32(4, PageID(page))
	return OK
}

// opMemFree releases the page pv_id refers to.
// Slot layout: pv_id @4.
func opMemFree(d Dispatcher, slot Slot) int32 {
	d.MemFree(slot.U32(4))
	return OK
}

// opBAR3PGT registers pv_id's page as the guest's BAR3 PGT. Slot layout: pv_id @4.
func opBAR3PGT(d Dispatcher, slot Slot) int32 {
	pgt, ok := d.LookupPage(slot.U32(4))
	if !ok {
		return ErrNoEnt
	}
	d.SetBAR3PGT(pgt)
	return OK
}
