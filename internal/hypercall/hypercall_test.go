package hypercall

import (
	"errors"
	"testing"

	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/vram"
)

// fakeDispatcher is a minimal in-memory Dispatcher, enough to exercise
// Dispatch's op decoding and the PV-id bookkeeping without pulling in
// package ctxt (which itself depends on hypercall).
type fakeDispatcher struct {
	arena *vram.Arena
	phys  *mmio.PMEM
	pages map[uint32]*vram.Page

	bar1PGD, bar3PGD              *vram.Page
	bar1Large, bar1Small, bar3PGT *vram.Page
	channelPGD                    map[uint32]*vram.Page

	shift      uint64
	hypercalls int
	vmFlushes  []string
	freed      []uint32
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		arena:      vram.NewArena(0, 64*vram.PageSize),
		phys:       mmio.NewPMEM(mmio.NewFakeAccessor(map[mmio.Bar]int{mmio.Bar0: 0x900000})),
		pages:      make(map[uint32]*vram.Page),
		channelPGD: make(map[uint32]*vram.Page),
	}
}

func (d *fakeDispatcher) alloc(n uint64) *vram.Page {
	p := vram.NewPage(d.arena, d.phys, n)
	d.pages[PageID(p)] = p
	return p
}

func (d *fakeDispatcher) LookupPage(id uint32) (*vram.Page, bool) { p, ok := d.pages[id]; return p, ok }

func (d *fakeDispatcher) BAR1PGD() *vram.Page                    { return d.bar1PGD }
func (d *fakeDispatcher) SetBAR1PGD(p *vram.Page)                { d.bar1PGD = p }
func (d *fakeDispatcher) BAR3PGD() *vram.Page                    { return d.bar3PGD }
func (d *fakeDispatcher) SetBAR3PGD(p *vram.Page)                { d.bar3PGD = p }
func (d *fakeDispatcher) SetChannelPGD(cid uint32, p *vram.Page) { d.channelPGD[cid] = p }

func (d *fakeDispatcher) BAR1LargePGT() *vram.Page     { return d.bar1Large }
func (d *fakeDispatcher) SetBAR1LargePGT(p *vram.Page) { d.bar1Large = p }
func (d *fakeDispatcher) BAR1SmallPGT() *vram.Page     { return d.bar1Small }
func (d *fakeDispatcher) SetBAR1SmallPGT(p *vram.Page) { d.bar1Small = p }
func (d *fakeDispatcher) BAR3PGT() *vram.Page          { return d.bar3PGT }
func (d *fakeDispatcher) SetBAR3PGT(p *vram.Page)      { d.bar3PGT = p }

func (d *fakeDispatcher) PVScanBAR1(big bool, pgt *vram.Page) {}

var errOutOfRange = errors.New("out of range")

func (d *fakeDispatcher) PVMap(pgtPage *vram.Page, index uint32, guestRaw, hostRaw uint64) error {
	if 8*(uint64(index)+1) > pgtPage.Size() {
		return errOutOfRange
	}
	entry, _ := pgt.DecodeEntryRaw(hostRaw)
	entry.Encode(pgtPage, 8*uint64(index))
	return nil
}

func (d *fakeDispatcher) TranslateRaw(guestRaw uint64) uint64 {
	entry, ok := pgt.DecodeEntryRaw(guestRaw)
	if !ok {
		return 0
	}
	if entry.Target == pgt.TargetVRAM {
		entry.Address += d.shift >> pgt.PageShift
	}
	return entry.Raw()
}

func (d *fakeDispatcher) VMFlushBAR1() { d.vmFlushes = append(d.vmFlushes, "bar1") }
func (d *fakeDispatcher) VMFlushBAR3() { d.vmFlushes = append(d.vmFlushes, "bar3") }
func (d *fakeDispatcher) VMFlushEngine(pgd *vram.Page, e uint32) {
	d.vmFlushes = append(d.vmFlushes, "engine")
}

func (d *fakeDispatcher) MemAlloc(size uint32) *vram.Page {
	pages := (uint64(size) + vram.PageSize - 1) / vram.PageSize
	return d.alloc(pages)
}
func (d *fakeDispatcher) MemFree(id uint32) { d.freed = append(d.freed, id) }

func (d *fakeDispatcher) IncrementHypercalls() { d.hypercalls++ }

func TestSlotAccessors(t *testing.T) {
	s := NewSlot(make([]byte, SlotSize))
	s.SetU32(0, uint32(OpMap))
	s.SetU32(4, 0xdeadbeef)
	s.SetU64(16, 0x0102030405060708)
	if got := s.U32(0); got != uint32(OpMap) {
		t.Fatalf("U32(0) = %#x, want OpMap", got)
	}
	if got := s.U32(4); got != 0xdeadbeef {
		t.Fatalf("U32(4) = %#x, want 0xdeadbeef", got)
	}
	if got := s.U64(16); got != 0x0102030405060708 {
		t.Fatalf("U64(16) = %#x", got)
	}
}

func TestDispatchUnknownOp(t *testing.T) {
	d := newFakeDispatcher()
	s := NewSlot(make([]byte, SlotSize))
	s.SetU32(0, 0xff)
	if got := Dispatch(d, s); got != ErrInval {
		t.Fatalf("Dispatch(unknown op) = %d, want ErrInval", got)
	}
	if d.hypercalls != 1 {
		t.Fatalf("hypercalls = %d, want 1", d.hypercalls)
	}
}

func TestDispatchSetPGDUnknownID(t *testing.T) {
	d := newFakeDispatcher()
	s := NewSlot(make([]byte, SlotSize))
	s.SetU32(0, uint32(OpSetPGD))
	s.SetU32(4, 0x12345)
	if got := Dispatch(d, s); got != ErrNoEnt {
		t.Fatalf("Dispatch(SET_PGD, bad id) = %d, want ErrNoEnt", got)
	}
}

func TestDispatchSetPGDBar1AndChannel(t *testing.T) {
	d := newFakeDispatcher()
	pgd := d.alloc(1)
	id := PageID(pgd)

	s := NewSlot(make([]byte, SlotSize))
	s.SetU32(0, uint32(OpSetPGD))
	s.SetU32(4, id)
	negOne := int32(-1)
	s.SetU32(8, uint32(negOne))
	if got := Dispatch(d, s); got != OK {
		t.Fatalf("Dispatch(SET_PGD, bar1) = %d, want OK", got)
	}
	if d.BAR1PGD() != pgd {
		t.Fatalf("bar1PGD not installed")
	}

	s2 := NewSlot(make([]byte, SlotSize))
	s2.SetU32(0, uint32(OpSetPGD))
	s2.SetU32(4, id)
	s2.SetU32(8, 3)
	if got := Dispatch(d, s2); got != OK {
		t.Fatalf("Dispatch(SET_PGD, channel 3) = %d, want OK", got)
	}
	if d.channelPGD[3] != pgd {
		t.Fatalf("channel 3 PGD not installed")
	}
}

// TestMemAllocThenMap: MEM_ALLOC returns an id
// derived from the page's host frame, and a subsequent MAP into that
// page's entry 0 writes the shift-translated address field.
func TestMemAllocThenMap(t *testing.T) {
	d := newFakeDispatcher()
	d.shift = 0 // guest 0, no shift

	allocReq := NewSlot(make([]byte, SlotSize))
	allocReq.SetU32(0, uint32(OpMemAlloc))
	allocReq.SetU32(4, 0x1000)
	if got := Dispatch(d, allocReq); got != OK {
		t.Fatalf("Dispatch(MEM_ALLOC) = %d, want OK", got)
	}
	id := allocReq.U32(4)
	if id&pvIDTag == 0 {
		t.Fatalf("PageID(%#x) missing tag bit", id)
	}
	page, ok := d.LookupPage(id)
	if !ok {
		t.Fatalf("allocated page %#x not registered", id)
	}

	guest := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x40}.Raw()
	mapReq := NewSlot(make([]byte, SlotSize))
	mapReq.SetU32(0, uint32(OpMap))
	mapReq.SetU32(4, id)
	mapReq.SetU32(8, 0)
	mapReq.SetU64(16, guest)
	if got := Dispatch(d, mapReq); got != OK {
		t.Fatalf("Dispatch(MAP) = %d, want OK", got)
	}

	entry, ok := pgt.DecodeEntry(page, 0)
	if !ok || !entry.Present {
		t.Fatalf("entry not present after MAP")
	}
	if entry.Address != 0x40 {
		t.Fatalf("entry.Address = %#x, want 0x40", entry.Address)
	}
}

func TestUnmapBatchZeroesEntries(t *testing.T) {
	d := newFakeDispatcher()
	pgtPage := d.alloc(1)
	id := PageID(pgtPage)
	pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x10}.Encode(pgtPage, 0)

	s := NewSlot(make([]byte, SlotSize))
	s.SetU32(0, uint32(OpUnmapBatch))
	s.SetU32(4, id)
	s.SetU32(8, 0)
	s.SetU32(12, 1)
	if got := Dispatch(d, s); got != OK {
		t.Fatalf("Dispatch(UNMAP_BATCH) = %d, want OK", got)
	}
	entry, ok := pgt.DecodeEntry(pgtPage, 0)
	if ok && entry.Present {
		t.Fatalf("entry still present after UNMAP_BATCH")
	}
}
