package ctxt

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/nvmediator/a3/internal/channel"
	"github.com/nvmediator/a3/internal/chipset"
	"github.com/nvmediator/a3/internal/device"
	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/hypercall"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/record"
	"github.com/nvmediator/a3/internal/sched"
)

// windowedFake models the real PMEM paging behavior the plain
// FakeAccessor lacks: writes to the window register at 0x1700 slide a
// 1 MiB view over a sparse page-granular VRAM image, so two VRAM
// addresses in different megabytes no longer alias the same window
// bytes.
type windowedFake struct {
	mu     sync.Mutex
	bar0   []byte
	bar1   []byte
	window uint32
	vram   map[uint64][]byte // page number -> 4 KiB
}

func newWindowedFake() *windowedFake {
	return &windowedFake{
		bar0: make([]byte, 0x900000),
		bar1: make([]byte, 1<<20),
		vram: make(map[uint64][]byte),
	}
}

func (f *windowedFake) vramPage(addr uint64) []byte {
	page, ok := f.vram[addr>>12]
	if !ok {
		page = make([]byte, 0x1000)
		f.vram[addr>>12] = page
	}
	return page
}

func (f *windowedFake) vramRead32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(f.vramPage(addr)[addr&0xFFF:])
}

func (f *windowedFake) vramWrite32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(f.vramPage(addr)[addr&0xFFF:], v)
}

func (f *windowedFake) Read(bar mmio.Bar, offset uint32, size uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bar == mmio.Bar0 && 0x700000 <= offset && offset < 0x800000 {
		addr := uint64(f.window)*0x100000 + uint64(offset-0x700000)
		page := f.vramPage(addr)
		off := addr & 0xFFF
		switch size {
		case 1:
			return uint32(page[off])
		case 2:
			return uint32(binary.LittleEndian.Uint16(page[off:]))
		default:
			return binary.LittleEndian.Uint32(page[off:])
		}
	}
	buf := f.bar0
	if bar == mmio.Bar1 {
		buf = f.bar1
	}
	if int(offset)+int(size) > len(buf) {
		return 0
	}
	switch size {
	case 1:
		return uint32(buf[offset])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf[offset:]))
	default:
		return binary.LittleEndian.Uint32(buf[offset:])
	}
}

func (f *windowedFake) Write(bar mmio.Bar, offset uint32, value uint32, size uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bar == mmio.Bar0 && offset == 0x001700 {
		f.window = value
	}
	if bar == mmio.Bar0 && 0x700000 <= offset && offset < 0x800000 {
		addr := uint64(f.window)*0x100000 + uint64(offset-0x700000)
		page := f.vramPage(addr)
		off := addr & 0xFFF
		switch size {
		case 1:
			page[off] = byte(value)
		case 2:
			binary.LittleEndian.PutUint16(page[off:], uint16(value))
		default:
			binary.LittleEndian.PutUint32(page[off:], value)
		}
		return
	}
	buf := f.bar0
	if bar == mmio.Bar1 {
		buf = f.bar1
	}
	if int(offset)+int(size) > len(buf) {
		return
	}
	switch size {
	case 1:
		buf[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf[offset:], uint16(value))
	default:
		binary.LittleEndian.PutUint32(buf[offset:], value)
	}
}

type fixture struct {
	fake *windowedFake
	hv   *hv.Fake
	dev  *device.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := newWindowedFake()
	// Pre-satisfy the channel kick polls: bit 16 for WaitNe's busy check,
	// bit 15 for WaitEq's completion check.
	fake.Write(mmio.Bar0, 0x100c80, 0x00018000, 4)

	hvFake := hv.NewFake()
	dev := device.New(device.Config{
		Regs:      fake,
		HV:        hvFake,
		DomID:     0,
		Chipset:   chipset.Detect(0xc0000000), // Fermi
		ArenaBase: 2 << 30,                    // host shadow pages, clear of every guest window used here
		ArenaSize: 64 << 20,
		BAR3Base:  0,
	})
	dev.SetScheduler(sched.NewDirect(dev))
	return &fixture{fake: fake, hv: hvFake, dev: dev}
}

func (f *fixture) newContext(t *testing.T, domID uint32, para bool, flags Flags) *Context {
	t.Helper()
	ctx := New(f.dev, false, flags)
	off := uint32(0)
	if para {
		off = 1
	}
	id, wait := ctx.Handle(record.Command{Kind: record.KindInit, Value: domID, Offset: off})
	if wait {
		t.Fatal("INIT must not require a wait")
	}
	if id == failure {
		t.Fatal("INIT failed to acquire a virt id")
	}
	return ctx
}

func write(ctx *Context, bar record.Bar, offset, value uint32) {
	ctx.Handle(record.Command{Kind: record.KindWrite, Bar: bar, Offset: offset, Value: value, Size: record.Size4})
}

func read(ctx *Context, bar record.Bar, offset uint32) uint32 {
	v, _ := ctx.Handle(record.Command{Kind: record.KindRead, Bar: bar, Offset: offset, Size: record.Size4})
	return v
}

func TestInitAndBAR3Notify(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	if ctx.ID() != 0 {
		t.Fatalf("first guest id = %d, want 0", ctx.ID())
	}

	ctx.Handle(record.Command{Kind: record.KindBar3Notify, Value: 0x100, Offset: 0})
	if ctx.BAR3Address() != 0x100000 {
		t.Fatalf("BAR3Address = 0x%x, want 0x100000", ctx.BAR3Address())
	}
}

func TestSecondGuestGetsShiftedWindow(t *testing.T) {
	f := newFixture(t)
	a := f.newContext(t, 1, false, Flags{})
	defer a.Close()
	b := f.newContext(t, 2, false, Flags{})
	defer b.Close()

	if b.ID() != 1 {
		t.Fatalf("second guest id = %d, want 1", b.ID())
	}
	if b.AddressShift() != MemorySize {
		t.Fatalf("AddressShift = 0x%x, want 0x%x", b.AddressShift(), uint64(MemorySize))
	}
	if b.PhysChannelID(3) != channel.DomainChannels+3 {
		t.Fatalf("PhysChannelID(3) = %d", b.PhysChannelID(3))
	}
}

func TestBAR1ChannelPointerInstall(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	write(ctx, record.Bar0, 0x001704, 0x80000123)

	if got := read(ctx, record.Bar0, 0x001704); got != 0x80000123 {
		t.Fatalf("0x1704 readback = 0x%x, want the stored shadow value", got)
	}
	bc := ctx.BAR1Channel()
	if !bc.Enabled() || bc.RaminAddress() != 0x123000 {
		t.Fatalf("bar1 channel enabled=%v ramin=0x%x, want enabled at 0x123000", bc.Enabled(), bc.RaminAddress())
	}
}

func TestRegisterShadowRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	// Dirty the physical register behind the guest's back; the shadow
	// readback must be unaffected.
	write(ctx, record.Bar0, 0x002270, 0xabcd)
	f.fake.Write(mmio.Bar0, 0x002270, 0xffff, 4)
	if got := read(ctx, record.Bar0, 0x002270); got != 0xabcd {
		t.Fatalf("0x2270 readback = 0x%x, want shadowed 0xabcd", got)
	}
}

func TestMemoryGeometryIsLiedAbout(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	if got := read(ctx, record.Bar0, 0x022438); got != MemoryCtlNum {
		t.Fatalf("controller count = %d, want %d", got, MemoryCtlNum)
	}
	if got := read(ctx, record.Bar0, 0x11020c); got != MemoryCtlPart>>20 {
		t.Fatalf("part size = 0x%x, want 0x%x", got, uint32(MemoryCtlPart>>20))
	}
}

// installChannel points virtual channel vcid at a guest RAMIN page whose
// page-directory pointer names pdGuest, through the PFIFO window.
func installChannel(t *testing.T, f *fixture, ctx *Context, vcid uint32, raminGuest, pdGuest uint64) {
	t.Helper()
	ramin := ctx.PhysAddress(raminGuest)
	f.fake.vramWrite32(ramin+0x200, uint32(pdGuest))
	f.fake.vramWrite32(ramin+0x204, uint32(pdGuest>>32))
	f.fake.vramWrite32(ramin+0x208, 0xffff) // page limit
	write(ctx, record.Bar0, 0x003000+vcid*8, 0xc0000000|uint32(raminGuest>>12))
}

func TestPFIFORaminPointerRemap(t *testing.T) {
	f := newFixture(t)
	a := f.newContext(t, 1, false, Flags{})
	defer a.Close()
	ctx := f.newContext(t, 2, false, Flags{}) // guest id 1: pcid differs from vcid
	defer ctx.Close()

	const vcid = 2
	installChannel(t, f, ctx, vcid, 0x4000, 0x40000)

	ch := ctx.Channel(vcid)
	if !ch.Enabled() {
		t.Fatal("expected channel enabled after PFIFO RAMIN write")
	}
	if ch.RaminAddress() != ctx.PhysAddress(0x4000) {
		t.Fatalf("channel ramin = 0x%x, want 0x%x", ch.RaminAddress(), ctx.PhysAddress(0x4000))
	}

	pcid := ctx.PhysChannelID(vcid)
	phys := f.fake.Read(mmio.Bar0, 0x003000+pcid*8, 4)
	wantFrame := uint32(ch.ShadowRaminAddress() >> 12)
	if phys&0x0FFFFFFF != wantFrame&0x0FFFFFFF {
		t.Fatalf("physical PFIFO slot frame = 0x%x, want shadow frame 0x%x", phys&0x0FFFFFFF, wantFrame)
	}
	if phys&0xF0000000 != 0xc0000000 {
		t.Fatalf("physical PFIFO slot flags = 0x%x, want upper nibble preserved", phys)
	}

	// Readback returns the guest's own (pre-shift) value from the
	// register mirror, not the shadow.
	if got := read(ctx, record.Bar0, 0x003000+vcid*8); got != 0xc0000000|uint32(0x4000>>12) {
		t.Fatalf("PFIFO readback = 0x%x, want guest's own value", got)
	}
}

func TestShadowRaminPageDirectoryPatched(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	installChannel(t, f, ctx, 0, 0x8000, 0x40000)

	ch := ctx.Channel(0)
	got := f.dev.PMEM().Read64(ch.ShadowRaminAddress() + 0x200)
	if got != ch.Table().ShadowAddress() {
		t.Fatalf("shadow RAMIN pd pointer = 0x%x, want shadow pde page 0x%x", got, ch.Table().ShadowAddress())
	}
}

func TestFlushTLBMarksAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	installChannel(t, f, ctx, 0, 0x8000, 0x40000)
	ch := ctx.Channel(0)

	write(ctx, record.Bar0, 0x100cb8, uint32(0x40000>>8))
	write(ctx, record.Bar0, 0x100cbc, 0x80000001)

	// Eager mode: the flush already happened; the publish register names
	// the channel's shadow page directory.
	if got := f.fake.Read(mmio.Bar0, 0x100cb8, 4); got != uint32(ch.Table().ShadowAddress()>>8) {
		t.Fatalf("published vspace = 0x%x, want shadow pd 0x%x", got, ch.Table().ShadowAddress()>>8)
	}
	if got := read(ctx, record.Bar0, 0x100cb8); got != uint32(0x40000>>8) {
		t.Fatalf("vspace readback = 0x%x, want the guest's own value", got)
	}
}

func TestPMEMWriteBarrierFansOutToShadowRamin(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	installChannel(t, f, ctx, 0, 0x8000, 0x40000)
	ch := ctx.Channel(0)

	// Window register 0 puts guest page 0x8000 at window offset 0x8000.
	write(ctx, record.Bar0, 0x001700, 0)
	write(ctx, record.Bar0, 0x700000+0x8010, 0xabcd1234)

	if got := f.fake.vramRead32(0x8010); got != 0xabcd1234 {
		t.Fatalf("guest RAMIN word = 0x%x, want the written value", got)
	}
	if got := f.dev.PMEM().Read32(ch.ShadowRaminAddress() + 0x10); got != 0xabcd1234 {
		t.Fatalf("shadow RAMIN word = 0x%x, want barrier fanout 0xabcd1234", got)
	}
}

func TestPlaylistRewrite(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	const base = 0x10000
	for i, vid := range []uint32{0, 5, 7} {
		f.fake.vramWrite32(base+uint64(i)*8, vid)
	}

	write(ctx, record.Bar0, 0x002270, base>>12)
	write(ctx, record.Bar0, 0x002274, 3)

	frame := f.fake.Read(mmio.Bar0, 0x002270, 4)
	if frame == base>>12 {
		t.Fatal("playlist register still names the guest page, not the rebuilt one")
	}
	if got := f.fake.Read(mmio.Bar0, 0x002274, 4); got != 3 {
		t.Fatalf("playlist length = %d, want 3", got)
	}
	page := uint64(frame) << 12
	want := []uint32{ctx.PhysChannelID(0), ctx.PhysChannelID(5), ctx.PhysChannelID(7)}
	for i, pcid := range want {
		if got := f.fake.vramRead32(page + uint64(i)*8); got != pcid {
			t.Fatalf("playlist entry %d = %d, want %d", i, got, pcid)
		}
		if got := f.fake.vramRead32(page + uint64(i)*8 + 4); got != 0x4 {
			t.Fatalf("playlist entry %d priority = %d, want 4", i, got)
		}
	}
}

func TestGPCBroadcastAddressTranslated(t *testing.T) {
	f := newFixture(t)
	a := f.newContext(t, 1, false, Flags{})
	defer a.Close()
	ctx := f.newContext(t, 2, false, Flags{}) // guest 1, nonzero shift
	defer ctx.Close()

	write(ctx, record.Bar0, 0x4188b4, 0x1000)

	want := uint32((uint64(0x1000)<<8 + ctx.AddressShift()) >> 8)
	if got := f.fake.Read(mmio.Bar0, 0x4188b4, 4); got != want {
		t.Fatalf("physical GPC bcast = 0x%x, want shifted 0x%x", got, want)
	}
	if got := read(ctx, record.Bar0, 0x4188b4); got != 0x1000 {
		t.Fatalf("GPC bcast readback = 0x%x, want the guest's own 0x1000", got)
	}
}

func TestHypercallMemAllocAndMap(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 7, true, Flags{})
	defer ctx.Close()

	// Publish the slot buffer and have the mediator foreign-map it.
	write(ctx, record.Bar4, 0x4, 0x10000)
	write(ctx, record.Bar4, 0x8, 0)
	if got := read(ctx, record.Bar4, 0x0); got != 0 {
		t.Fatalf("slot map reply = 0x%x, want 0", got)
	}
	buf := f.hv.Foreign[[2]uint64{7, 0x10000 >> 12}]
	if buf == nil {
		t.Fatal("expected foreign mapping recorded in hv fake")
	}

	slot := hypercall.NewSlot(buf)
	slot.SetU32(0, uint32(hypercall.OpMemAlloc))
	slot.SetU32(4, 0x1000)
	write(ctx, record.Bar4, 0xC, 0)

	if ret := int32(slot.U32(0)); ret != hypercall.OK {
		t.Fatalf("MEM_ALLOC result = %d, want 0", ret)
	}
	id := slot.U32(4)
	if id&(1<<28) == 0 {
		t.Fatalf("PV id 0x%x missing tag bit", id)
	}
	page, ok := ctx.LookupPage(id)
	if !ok {
		t.Fatal("allocated page not registered under its PV id")
	}

	entry := pgt.Entry{Present: true, Target: pgt.TargetVRAM, Address: 0x40}
	slot.SetU32(0, uint32(hypercall.OpMap))
	slot.SetU32(4, id)
	slot.SetU32(8, 0) // entry_idx
	slot.SetU64(16, entry.Raw())
	write(ctx, record.Bar4, 0xC, 0)

	if ret := int32(slot.U32(0)); ret != hypercall.OK {
		t.Fatalf("MAP result = %d, want 0", ret)
	}
	word0 := f.dev.PMEM().Read32(page.Address())
	gotAddr := uint64(word0>>4) & 0x0FFFFFFF
	wantAddr := uint64(0x40) + ctx.AddressShift()>>12
	if gotAddr != wantAddr {
		t.Fatalf("mapped entry address = 0x%x, want 0x%x", gotAddr, wantAddr)
	}

	slot.SetU32(0, uint32(hypercall.OpMemFree))
	slot.SetU32(4, id)
	write(ctx, record.Bar4, 0xC, 0)
	if _, ok := ctx.LookupPage(id); ok {
		t.Fatal("page still registered after MEM_FREE")
	}

	if ctx.instr.Hypercalls() != 3 {
		t.Fatalf("hypercall count = %d, want 3", ctx.instr.Hypercalls())
	}
}

func TestHypercallUnknownOpAndBadSlot(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 7, true, Flags{})
	defer ctx.Close()

	// No slot buffer mapped yet: calls are rejected outright.
	if v, _ := ctx.Handle(record.Command{Kind: record.KindWrite, Bar: record.Bar4, Offset: 0xC, Value: 0, Size: record.Size4}); int32(v) != hypercall.ErrInval {
		t.Fatalf("call without mapped slots = %d, want EINVAL", int32(v))
	}

	write(ctx, record.Bar4, 0x4, 0x10000)
	read(ctx, record.Bar4, 0x0)
	buf := f.hv.Foreign[[2]uint64{7, 0x10000 >> 12}]

	slot := hypercall.NewSlot(buf)
	slot.SetU32(0, 0xffff) // no such op
	write(ctx, record.Bar4, 0xC, 0)
	if ret := int32(slot.U32(0)); ret != hypercall.ErrInval {
		t.Fatalf("unknown op result = %d, want EINVAL", ret)
	}

	if v, _ := ctx.Handle(record.Command{Kind: record.KindWrite, Bar: record.Bar4, Offset: 0xC, Value: hypercall.SlotCount, Size: record.Size4}); int32(v) != hypercall.ErrInval {
		t.Fatalf("out-of-range slot = %d, want EINVAL", int32(v))
	}
}

func TestThroughModeBypassesMediation(t *testing.T) {
	f := newFixture(t)
	ctx := New(f.dev, true, Flags{})
	ctx.Handle(record.Command{Kind: record.KindInit, Value: 0})
	defer ctx.Close()

	write(ctx, record.Bar0, 0x001704, 0x1234)
	if got := f.fake.Read(mmio.Bar0, 0x001704, 4); got != 0x1234 {
		t.Fatalf("through-mode write = 0x%x, want raw 0x1234", got)
	}
	if bc := ctx.BAR1Channel(); bc != nil && bc.Enabled() {
		t.Fatal("through mode must not engage the BAR1 shadow")
	}
}

func TestSchedulerAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := f.newContext(t, 0, false, Flags{})
	defer ctx.Close()

	cmd := record.Command{Kind: record.KindWrite, Bar: record.Bar1, Value: 1}
	if !ctx.Enqueue(cmd) {
		t.Fatal("first enqueue should report an empty prior queue")
	}
	if ctx.Enqueue(cmd) {
		t.Fatal("second enqueue should report a non-empty prior queue")
	}
	if !ctx.IsSuspended() {
		t.Fatal("expected pending work")
	}
	if _, ok := ctx.Dequeue(); !ok {
		t.Fatal("expected a dequeued command")
	}

	ctx.UpdateBudget(100)
	if ctx.Budget() != -100 || ctx.BandwidthUsed() != 100 {
		t.Fatalf("budget=%v used=%v after charge", ctx.Budget(), ctx.BandwidthUsed())
	}
	ctx.Replenish(250, 500, 250, false)
	if ctx.Budget() != 150 || ctx.BandwidthUsed() != 0 {
		t.Fatalf("budget=%v used=%v after replenish, want 150/0", ctx.Budget(), ctx.BandwidthUsed())
	}

	// Over-threshold clamps to the fair share.
	ctx.Replenish(1000, 500, 250, false)
	if ctx.Budget() != 250 {
		t.Fatalf("budget=%v after clamp, want fair share 250", ctx.Budget())
	}
}
