// Package shadow implements the scan-and-shadow translation of
// guest-authored GPU page directories and page tables into host-side
// shadow copies whose physical frame numbers have been remapped
// guest→host, plus a software-only mirror used for
// BAR1/BAR3 resolution and the paravirt fast path.
package shadow

import (
	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/pgt"
)

// Translator is implemented by the owning per-guest context: it knows the
// guest's host-physical shift and VRAM window, and reaches the
// hypervisor for SYSRAM-target resolution.
type Translator interface {
	// PhysAddress converts a guest-virtual GPU address into its
	// host-physical form (GVA + guest_id*VRAM_SIZE).
	PhysAddress(guestVirt uint64) uint64
	// AddressShift is guest_id*VRAM_SIZE.
	AddressShift() uint64
	// VRAMSize is this guest's fixed VRAM quota.
	VRAMSize() uint64
	// DomID is the guest's hypervisor domain id, for GFN→MFN calls.
	DomID() uint32
	// Hypervisor reaches the external GFN→MFN resolver.
	Hypervisor() hv.Interface
}

// GuestToHost rewrites a single decoded page-table entry from guest to
// host-physical form:
//
//   - TargetVRAM: address is reinterpreted as (addr<<12)+shift; if the
//     result falls outside the guest's VRAM window the entry is forced
//     not-present.
//   - TargetSysram / TargetSysramNoSnoop: address is resolved through the
//     hypervisor's gfn→mfn call; a hypervisor failure degrades to
//     not-present rather than propagating.
//   - anything else passes through unchanged.
func GuestToHost(t Translator, entry pgt.Entry) pgt.Entry {
	if !entry.Present {
		return entry
	}
	switch entry.Target {
	case pgt.TargetVRAM:
		guestAddr := entry.Address << pgt.PageShift
		hostAddr := t.PhysAddress(guestAddr)
		entry.Address = hostAddr >> pgt.PageShift
		shift := t.AddressShift()
		if !(hostAddr >= shift && hostAddr < shift+t.VRAMSize()) {
			entry.Present = false
		}
	case pgt.TargetSysram, pgt.TargetSysramNoSnoop:
		gfn := entry.Address
		mfn, err := t.Hypervisor().GfnToMfn(t.DomID(), gfn)
		if err != nil {
			// Hypervisor call failures degrade to a not-present mapping;
			// the guest observes a fault at its own level.
			entry.Present = false
			return entry
		}
		entry.Address = mfn
	}
	return entry
}
