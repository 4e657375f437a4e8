package bardev

// PollArea is the chipset-sized doorbell region within the device-wide
// BAR1 shadow that routes a guest's per-channel submit/kick writes
// through to the physical device.
type PollArea struct {
	perSize uint64
	area    uint64
}

// pollAreaSizeNVC0 and pollAreaSizeLegacy are the chipset-dependent
// per-channel doorbell strides.
const (
	pollAreaSizeNVC0   = 0x1000
	pollAreaSizeLegacy = 0x200
)

// NewPollArea creates a PollArea sized for the chipset family.
func NewPollArea(nvc0 bool) *PollArea {
	size := uint64(pollAreaSizeLegacy)
	if nvc0 {
		size = pollAreaSizeNVC0
	}
	return &PollArea{perSize: size}
}

// PerSize returns this chipset's per-channel doorbell stride.
func (p *PollArea) PerSize() uint64 { return p.perSize }

// Area returns the guest BAR1 offset this guest's poll area starts at,
// as programmed through the guest's POLL_AREA register.
func (p *PollArea) Area() uint64 { return p.area }

// SetArea assigns this guest's poll area base offset.
func (p *PollArea) SetArea(area uint64) { p.area = area }

// InRange reports whether offset falls within this poll area, covering
// channels consecutive per-channel strides starting at Area().
func (p *PollArea) InRange(channels uint32, offset uint64) bool {
	return offset >= p.area && offset < p.area+uint64(channels)*p.perSize
}

// ExtractChannelAndOffset decomposes an offset known to be InRange into
// its local channel index and within-channel byte offset.
func (p *PollArea) ExtractChannelAndOffset(offset uint64) (channel uint32, within uint64) {
	sub := offset - p.area
	return uint32(sub / p.perSize), sub % p.perSize
}

// BAR1IO is the device-wide BAR1 register surface a poll area forwards
// through, serialized by the caller's device mutex.
type BAR1IO interface {
	Read(offset uint32, size uint8) uint32
	Write(offset uint32, value uint32, size uint8)
}

// Write forwards a guest doorbell write to the physical device; callers
// are expected to hold the device mutex, as with mmio.PhysAccessor.
func (p *PollArea) Write(io BAR1IO, offset uint32, value uint32, size uint8) {
	io.Write(offset, value, size)
}

// Read forwards a guest doorbell read to the physical device.
func (p *PollArea) Read(io BAR1IO, offset uint32, size uint8) uint32 {
	return io.Read(offset, size)
}
