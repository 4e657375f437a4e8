package bardev

import (
	"testing"

	"github.com/nvmediator/a3/internal/barrier"
	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/shadow"
	"github.com/nvmediator/a3/internal/vram"
)

type fakeGuest struct {
	id       uint32
	shift    uint64
	vramSize uint64
	hvFace   hv.Interface
	valid    bool
	bar3Addr uint64
	barrierT *barrier.Table
}

func (g *fakeGuest) PhysAddress(v uint64) uint64         { return v + g.shift }
func (g *fakeGuest) AddressShift() uint64                { return g.shift }
func (g *fakeGuest) VRAMSize() uint64                    { return g.vramSize }
func (g *fakeGuest) DomID() uint32                       { return g.id }
func (g *fakeGuest) Hypervisor() hv.Interface            { return g.hvFace }
func (g *fakeGuest) Valid(addr uint64) bool              { return g.valid }
func (g *fakeGuest) InMemoryRange(addr uint64) bool      { return true }
func (g *fakeGuest) InMemorySize(size uint64) bool       { return true }
func (g *fakeGuest) GuestPhysAddress(addr uint64) uint64 { return addr }
func (g *fakeGuest) ID() uint32                          { return g.id }
func (g *fakeGuest) BAR3Address() uint64                 { return g.bar3Addr }
func (g *fakeGuest) Barrier() *barrier.Table             { return g.barrierT }

type fakeDevice struct {
	locked bool
}

func (d *fakeDevice) Lock()                    { d.locked = true }
func (d *fakeDevice) Unlock()                  { d.locked = false }
func (d *fakeDevice) Hypervisor() hv.Interface { return hv.NewFake() }

func newBAR3Fixture(t *testing.T) (*BAR3, *fakeGuest, *mmio.FakeAccessor, vram.Accessor) {
	t.Helper()
	fake := mmio.NewFakeAccessor(map[mmio.Bar]int{mmio.Bar0: 0x900000})
	phys := mmio.NewPMEM(fake)
	arena := vram.NewArena(0x10_0000, 0x400_0000)
	b3 := NewBAR3(arena, phys, fake, 0x2000_0000, true)
	g := &fakeGuest{id: 0, vramSize: BAR3ArenaSize, hvFace: hv.NewFake(), valid: true, barrierT: barrier.New(0, BAR3ArenaSize)}
	return b3, g, fake, phys
}

func TestBAR3RefreshProgramsChannelRegister(t *testing.T) {
	b3, _, fake, _ := newBAR3Fixture(t)
	got := fake.Read(mmio.Bar0, 0x001714, 4)
	want := uint32(0xc0000000 | uint32(b3.ramin.Address()>>12))
	if got != want {
		t.Fatalf("channel register = 0x%x, want 0x%x", got, want)
	}
}

func TestBAR3ResolveAfterRefreshTable(t *testing.T) {
	b3, g, _, phys := newBAR3Fixture(t)

	guestPD := uint64(0x8000)
	guestSmallTable := uint64(0x9000)
	dir := pgt.Directory{SmallPresent: true, SmallTableAddr: guestSmallTable >> pgt.PageShift}
	dir.Encode(phys, guestPD)

	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x30}
	entry.Encode(phys, guestSmallTable)

	b3.RefreshTable(g, phys, guestPD)

	gphys, e, ok := b3.resolve(g, 0)
	if !ok {
		t.Fatal("expected resolve hit for small entry 0")
	}
	if !e.present() {
		t.Fatal("expected resolved entry present")
	}
	if gphys != entry.Address<<pgt.PageShift {
		t.Fatalf("gphys = 0x%x, want 0x%x", gphys, entry.Address<<pgt.PageShift)
	}
}

func TestBAR3ShadowSkipsXenMapForBarrierTrackedPage(t *testing.T) {
	b3, g, _, phys := newBAR3Fixture(t)

	guestPD := uint64(0xa000)
	guestSmallTable := uint64(0xb000)
	dir := pgt.Directory{SmallPresent: true, SmallTableAddr: guestSmallTable >> pgt.PageShift}
	dir.Encode(phys, guestPD)
	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x40}
	entry.Encode(phys, guestSmallTable)
	b3.RefreshTable(g, phys, guestPD)

	gphys := entry.Address << pgt.PageShift
	g.barrierT.Map(gphys)

	hvFake := hv.NewFake()
	devWithHV := &hvDevice{Fake: hvFake}
	b3.Shadow(g, devWithHV)

	for _, c := range hvFake.Mappings {
		if c.Add && c.GPFN == (g.bar3Addr)>>pgt.PageShift {
			t.Fatal("expected barrier-tracked page not to be xen-mapped")
		}
	}
}

// hvDevice adapts a concrete *hv.Fake to BAR3Device for assertions on
// recorded mapping calls.
type hvDevice struct {
	Fake *hv.Fake
}

func (d *hvDevice) Lock()                    {}
func (d *hvDevice) Unlock()                  {}
func (d *hvDevice) Hypervisor() hv.Interface { return d.Fake }

func TestBAR1ShadowResolvesViaSoftwareTable(t *testing.T) {
	fake := mmio.NewFakeAccessor(map[mmio.Bar]int{mmio.Bar0: 0x900000})
	phys := mmio.NewPMEM(fake)
	arena := vram.NewArena(0x10_0000, 0x100_0000)
	b1 := NewBAR1(arena, phys, fake, pollAreaSizeLegacy)

	sw := shadow.NewSoftware(1, true, DomainChannels*pollAreaSizeLegacy)
	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x21}
	sw.PVReflectEntry(0, false, 0, entry)

	ctx := &fakeBAR1Context{table: sw, poll: &PollArea{}}
	b1.Shadow(ctx)

	got := b1.entry.Read32(0)
	if got&0x1 == 0 {
		t.Fatal("expected BAR1 shadow entry 0 present after Shadow")
	}
}

type fakeBAR1Context struct {
	table *shadow.Software
	poll  *PollArea
}

func (c *fakeBAR1Context) ID() uint32                       { return 0 }
func (c *fakeBAR1Context) PollArea() *PollArea              { return c.poll }
func (c *fakeBAR1Context) PhysChannelID(vcid uint32) uint32 { return vcid }
func (c *fakeBAR1Context) BAR1Table() *shadow.Software      { return c.table }

func TestPollAreaInRangeAndExtract(t *testing.T) {
	p := NewPollArea(true)
	p.SetArea(0x1000)
	if !p.InRange(4, 0x1000) || p.InRange(4, 0x1000+4*pollAreaSizeNVC0) {
		t.Fatal("InRange bounds incorrect")
	}
	ch, within := p.ExtractChannelAndOffset(0x1000 + 2*pollAreaSizeNVC0 + 0x10)
	if ch != 2 || within != 0x10 {
		t.Fatalf("ExtractChannelAndOffset = (%d, 0x%x), want (2, 0x10)", ch, within)
	}
}
