package shadow

import (
	"errors"
	"testing"

	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/vram"
)

// fakeMem is a flat byte-addressed physical memory used both as "guest"
// memory (pre-shift) and as the arena's backing accessor.
type fakeMem struct {
	words map[uint64]uint32
}

func newFakeMem() *fakeMem { return &fakeMem{words: make(map[uint64]uint32)} }

func (f *fakeMem) Read32(addr uint64) uint32     { return f.words[addr] }
func (f *fakeMem) Write32(addr uint64, v uint32) { f.words[addr] = v }

// fakeGuest implements GuestMemory with a fixed shift (as if guest N had
// VRAM_SIZE*N host offset) and an identity guest-phys mapping (no
// shift between guest page-table pointers and the flat memory used in
// tests).
type fakeGuest struct {
	shift    uint64
	vramSize uint64
	valid    bool
	hvFace   hv.Interface
	domID    uint32
}

func (g *fakeGuest) PhysAddress(guestVirt uint64) uint64 { return guestVirt + g.shift }
func (g *fakeGuest) AddressShift() uint64                { return g.shift }
func (g *fakeGuest) VRAMSize() uint64                    { return g.vramSize }
func (g *fakeGuest) DomID() uint32                       { return g.domID }
func (g *fakeGuest) Hypervisor() hv.Interface            { return g.hvFace }
func (g *fakeGuest) Valid(addr uint64) bool              { return g.valid }
func (g *fakeGuest) InMemoryRange(addr uint64) bool      { return true }
func (g *fakeGuest) InMemorySize(size uint64) bool       { return true }
func (g *fakeGuest) GuestPhysAddress(addr uint64) uint64 { return addr }

func TestGuestToHostVRAMInWindow(t *testing.T) {
	g := &fakeGuest{shift: 0x1000_0000, vramSize: 0x1000_0000, hvFace: hv.NewFake()}
	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x10}
	got := GuestToHost(g, entry)
	if !got.Present {
		t.Fatal("expected entry to remain present inside VRAM window")
	}
	wantHostAddr := (entry.Address << pgt.PageShift) + g.shift
	if got.Address != wantHostAddr>>pgt.PageShift {
		t.Fatalf("Address = 0x%x, want 0x%x", got.Address, wantHostAddr>>pgt.PageShift)
	}
}

func TestGuestToHostVRAMOutOfWindowForcesNotPresent(t *testing.T) {
	// PhysAddress here ignores shift, simulating a translation that lands
	// outside this guest's window.
	g := &fakeGuest{shift: 0, vramSize: 0x1000, hvFace: hv.NewFake()}
	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x10} // 0x10000, way past vramSize
	got := GuestToHost(g, entry)
	if got.Present {
		t.Fatal("expected entry outside VRAM window to be forced not-present")
	}
}

func TestGuestToHostSysramResolvesViaHypervisor(t *testing.T) {
	fake := hv.NewFake()
	fake.GfnMfn[0x55] = 0x99
	g := &fakeGuest{domID: 3, hvFace: fake}
	entry := pgt.Entry{Present: true, Target: pgt.TargetSysram, Address: 0x55}
	got := GuestToHost(g, entry)
	if !got.Present || got.Address != 0x99 {
		t.Fatalf("expected mfn 0x99, got present=%v address=0x%x", got.Present, got.Address)
	}
}

func TestGuestToHostSysramFailureDegradesToNotPresent(t *testing.T) {
	fake := hv.NewFake()
	fake.FailGfnToMfn = errors.New("xen: call failed")
	g := &fakeGuest{hvFace: fake}
	entry := pgt.Entry{Present: true, Target: pgt.TargetSysram, Address: 0x1}
	got := GuestToHost(g, entry)
	if got.Present {
		t.Fatal("expected hypervisor failure to degrade mapping to not-present")
	}
}

func TestGuestToHostNotPresentPassesThroughUnchanged(t *testing.T) {
	g := &fakeGuest{hvFace: hv.NewFake()}
	entry := pgt.Entry{Present: false, Tag: 0x42}
	got := GuestToHost(g, entry)
	if got != entry {
		t.Fatalf("expected not-present entry unchanged, got %+v", got)
	}
}

func newHardwareFixture(t *testing.T) (*Hardware, *fakeGuest, *fakeMem) {
	t.Helper()
	mem := newFakeMem()
	arena := vram.NewArena(0x10_0000, 0x100_0000)
	hw := NewHardware(7, arena, mem)
	g := &fakeGuest{shift: 0, vramSize: 0x100_0000, valid: true, hvFace: hv.NewFake()}
	return hw, g, mem
}

func TestHardwareRefreshDisabledWhenDirectoryInvalid(t *testing.T) {
	hw, g, _ := newHardwareFixture(t)
	g.valid = false
	hw.Refresh(g, 0x2000, pgt.DirectoryCoveredSize-1)
	if hw.ShadowAddress() == 0 {
		t.Fatal("expected shadow page to still be allocated even when disabled")
	}
	// Disabled scan leaves the shadow page all zero.
	if hw.shadow.Read32(0) != 0 {
		t.Fatal("expected shadow directory slot 0 to remain zero when pd is invalid")
	}
}

func TestHardwareRefreshTranslatesVRAMEntry(t *testing.T) {
	hw, g, mem := newHardwareFixture(t)

	guestPD := uint64(0x2000)
	guestLargeTable := uint64(0x3000)
	dir := pgt.Directory{LargePresent: true, SizeType: pgt.Size128M, LargeTableAddr: guestLargeTable >> pgt.PageShift}
	dir.Encode(mem, guestPD)

	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x55}
	entry.Encode(mem, guestLargeTable)

	hw.Refresh(g, guestPD, pgt.DirectoryCoveredSize-1)

	gotDir := pgt.DecodeDirectory(mem, hw.ShadowAddress())
	if !gotDir.LargePresent {
		t.Fatal("expected shadow directory slot 0 large branch present")
	}
	shadowLargeAddr := gotDir.LargeTableAddr << pgt.PageShift
	gotEntry, ok := pgt.DecodeEntry(mem, shadowLargeAddr)
	if !ok {
		t.Fatal("expected translated entry present in shadow large table")
	}
	if gotEntry.Address != entry.Address {
		t.Fatalf("Address = 0x%x, want 0x%x (identity shift)", gotEntry.Address, entry.Address)
	}
}

func TestSoftwareResolveAfterRefresh(t *testing.T) {
	mem := newFakeMem()
	g := &fakeGuest{shift: 0, vramSize: 0x100_0000, valid: true, hvFace: hv.NewFake()}

	guestPD := uint64(0x5000)
	guestSmallTable := uint64(0x6000)
	dir := pgt.Directory{SmallPresent: true, SmallTableAddr: guestSmallTable >> pgt.PageShift}
	dir.Encode(mem, guestPD)

	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x9}
	entry.Encode(mem, guestSmallTable) // index 0

	sw := NewSoftware(1, false, 0)
	sw.Refresh(g, mem, guestPD, pgt.DirectoryCoveredSize-1)

	addr, e, ok := sw.Resolve(0x40) // offset within small page index 0
	if !ok {
		t.Fatal("expected resolve hit")
	}
	if !e.Present() {
		t.Fatal("expected resolved entry present")
	}
	wantAddr := (entry.Address << pgt.PageShift) + 0x40
	if addr != wantAddr {
		t.Fatalf("addr = 0x%x, want 0x%x", addr, wantAddr)
	}
}

func TestSoftwareResolveMissOutsideDirectories(t *testing.T) {
	sw := NewSoftware(1, false, 0x1000)
	if _, _, ok := sw.Resolve(pgt.DirectoryCoveredSize * 10); ok {
		t.Fatal("expected resolve miss far beyond any directory")
	}
}

func TestSoftwarePVReflectEntryAndScan(t *testing.T) {
	sw := NewSoftware(2, true, 0x10_0000)

	e := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x77}
	sw.PVReflectEntry(0, false, 5, e)

	addr, got, ok := sw.Resolve(5 * pgt.SmallPageSize)
	if !ok || !got.Present() {
		t.Fatal("expected pv-reflected entry to resolve")
	}
	wantAddr := e.Address << pgt.PageShift
	if addr != wantAddr {
		t.Fatalf("addr = 0x%x, want 0x%x", addr, wantAddr)
	}

	// PVScan bulk path: build a tiny raw page holding one entry and scan it in.
	raw := newFakeMem()
	entry0 := pgt.Entry{Present: true, Target: pgt.TargetSysram, Address: 0x11}
	entry0.Encode(raw, 0)
	sw.PVScan(true, raw, pgt.LargePageSize, 0)

	_, got2, ok := sw.Resolve(0)
	if !ok || got2.Phys().Address != 0x11 {
		t.Fatalf("expected PVScan to install entry 0, got %+v ok=%v", got2, ok)
	}
}
