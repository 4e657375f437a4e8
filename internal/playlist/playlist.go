// Package playlist implements the double-buffered PFIFO runlist rewrite:
// a guest's submitted channel-id list is rewritten to physical channel
// ids before being handed to the GPU scheduler.
package playlist

import (
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/pgt"
	"github.com/nvmediator/a3/internal/vram"
)

// totalChannels is the physical channel count; domainChannels is one
// guest's share of it.
const (
	totalChannels  = 128
	domainChannels = totalChannels / 2
)

const (
	regPlaylistAddr = 0x002270
	regPlaylistCmd  = 0x002274
)

// Context is the per-guest surface a playlist update needs: its
// virtual→physical channel id remap.
type Context interface {
	PhysChannelID(vcid uint32) uint32
}

// Playlist is the device-wide double-buffered runlist: each update
// writes the next physical-channel-id list into the page the previous
// update isn't using, then points PFIFO at it, so the GPU never reads a
// runlist while it's being rewritten.
type Playlist struct {
	pages    [2]*vram.Page
	channels [totalChannels]bool
	cursor   int
	regs     mmio.PhysAccessor
}

// New allocates both playlist pages.
func New(arena *vram.Arena, phys vram.Accessor, regs mmio.PhysAccessor) *Playlist {
	return &Playlist{
		pages: [2]*vram.Page{
			vram.NewPage(arena, phys, 1),
			vram.NewPage(arena, phys, 1),
		},
		regs: regs,
	}
}

func (p *Playlist) toggle() *vram.Page {
	p.cursor ^= 1
	return p.pages[p.cursor&0x1]
}

// Update rewrites the playlist written by guest ctx at guest-physical
// address (already host-translated by the caller) containing count
// (encoded in cmd's low 8 bits) 8-byte virtual-channel-id entries, into
// the device's physical-channel-id runlist, and points PFIFO's runlist
// register at the result. A count of 0 (guest
// clearing its own runlist) only clears this guest's channel bits and
// returns without touching the shared page or PFIFO registers.
func (p *Playlist) Update(ctx Context, mem pgt.Accessor, address uint64, cmd uint32) {
	for i := uint32(0); i < domainChannels; i++ {
		cid := ctx.PhysChannelID(i)
		p.channels[cid] = false
	}

	count := cmd & 0xFF
	if count == 0 {
		return
	}

	page := p.toggle()

	for i := uint32(0); i < count; i++ {
		vid := mem.Read32(address + uint64(i)*8)
		cid := ctx.PhysChannelID(vid)
		p.channels[cid] = true
	}

	physCount := uint32(0)
	for i := uint32(0); i < totalChannels; i++ {
		if p.channels[i] {
			page.Write32(uint64(physCount)*8+0x0, i)
			page.Write32(uint64(physCount)*8+0x4, 0x4)
			physCount++
		}
	}

	physCmd := (cmd &^ 0xFF) | physCount
	p.regs.Write(mmio.Bar0, regPlaylistAddr, uint32(page.Address()>>12), 4)
	p.regs.Write(mmio.Bar0, regPlaylistCmd, physCmd, 4)
}
