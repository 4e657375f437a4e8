package shadow

import (
	"github.com/nvmediator/a3/internal/pgt"
)

// SoftwareEntry mirrors one guest page-table entry's host-translated form,
// kept purely in Go memory (no physically-backed shadow page), for
// resolving BAR1/BAR3 guest addresses and for the paravirt fast path
type SoftwareEntry struct {
	phys pgt.Entry
}

// Present reports whether this entry currently resolves to a mapped host
// page.
func (e *SoftwareEntry) Present() bool { return e.phys.Present }

// Phys returns the entry's translated (host) form.
func (e *SoftwareEntry) Phys() pgt.Entry { return e.phys }

func (e *SoftwareEntry) refresh(t Translator, entry pgt.Entry) {
	e.phys = GuestToHost(t, entry)
}

// assign stores entry (already in its raw/paravirt form) without running
// it through GuestToHost — used by the pv_scan/pv_reflect fast path, which
// hands the software table an entry that is by construction already
// host-addressed.
func (e *SoftwareEntry) assign(entry pgt.Entry) { e.phys = entry }

func (e *SoftwareEntry) clear() { e.phys = pgt.Entry{} }

type softwareDirectory struct {
	large []SoftwareEntry
	small []SoftwareEntry
}

func (d *softwareDirectory) refresh(t GuestMemory, mem pgt.Accessor, dir pgt.Directory, remain uint64) {
	if dir.LargePresent {
		addr := t.GuestPhysAddress(dir.LargeTableAddr << pgt.PageShift)
		if d.large == nil {
			d.large = make([]SoftwareEntry, pgt.LargePageCount)
		}
		count := remain / pgt.LargePageSize
		if max := pgt.LargeSizeCount(dir.SizeType); count > max {
			count = max
		}
		for i := uint64(0); i < count; i++ {
			item := i * 8
			entry, ok := pgt.DecodeEntry(mem, addr+item)
			if ok {
				d.large[i].refresh(t, entry)
			} else {
				d.large[i].clear()
			}
		}
	} else {
		d.large = nil
	}

	if dir.SmallPresent {
		addr := t.GuestPhysAddress(dir.SmallTableAddr << pgt.PageShift)
		if d.small == nil {
			d.small = make([]SoftwareEntry, pgt.SmallPageCount)
		}
		count := remain / pgt.SmallPageSize
		if count > pgt.SmallPageCount {
			count = pgt.SmallPageCount
		}
		for i := uint64(0); i < count; i++ {
			item := i * 8
			entry, ok := pgt.DecodeEntry(mem, addr+item)
			if ok {
				d.small[i].refresh(t, entry)
			} else {
				d.small[i].clear()
			}
		}
	} else {
		d.small = nil
	}
}

// resolve translates a directory-relative byte offset into a host
// address, preferring the small-page branch. Returns (addr, entry, true) on
// a hit.
func (d *softwareDirectory) resolve(offset uint64) (uint64, SoftwareEntry, bool) {
	if d.small != nil {
		index := offset / pgt.SmallPageSize
		rest := offset % pgt.SmallPageSize
		if index < uint64(len(d.small)) {
			e := d.small[index]
			if e.Present() {
				return (e.phys.Address << pgt.PageShift) + rest, e, true
			}
		}
	}
	if d.large != nil {
		index := offset / pgt.LargePageSize
		rest := offset % pgt.LargePageSize
		if index < uint64(len(d.large)) {
			e := d.large[index]
			if e.Present() {
				return (e.phys.Address << pgt.PageShift) + rest, e, true
			}
		}
	}
	return 0, SoftwareEntry{}, false
}

// MaxDirectories bounds how many 128 MiB directory slots a Software table
// will ever allocate, guarding against a guest claiming an unbounded
// address space.
const MaxDirectories = 512

// Software is the non-shadow (pure lookup) mirror of a guest's page
// tables: it never publishes a physically-backed page to the GPU, and
// exists purely so the mediator itself can resolve guest virtual
// addresses — BAR1/BAR3 channel pointer installs, and the paravirt
// pv_scan/pv_reflect_entry fast path that populates it directly from
// hypercall payloads instead of scanning guest memory.
type Software struct {
	channelID     uint32
	para          bool
	predefinedMax uint64

	directories []softwareDirectory
	size        uint64
	pdAddress   uint64
}

// NewSoftware creates a Software table for channelID. If predefinedMax is
// nonzero, the table's size is fixed (used for the BAR1/BAR3 global
// shadows, whose extent is the device's own window size rather than a
// guest-supplied size register) and, when para is set, its directory
// slots are preallocated immediately so pv_reflect_entry can address them
// before any Refresh.
func NewSoftware(channelID uint32, para bool, predefinedMax uint64) *Software {
	s := &Software{channelID: channelID, para: para, predefinedMax: predefinedMax}
	if predefinedMax != 0 {
		s.size = predefinedMax
	}
	if para {
		s.directories = make([]softwareDirectory, s.directorySize())
	}
	return s
}

func (s *Software) directorySize() uint64 {
	covered := pgt.DirectoryCoveredSize
	return (s.size + uint64(covered) - 1) / uint64(covered)
}

// Size returns the guest virtual address space size this table covers.
func (s *Software) Size() uint64 { return s.size }

// PDAddress returns the host-physical page directory address last scanned,
// compared by the TLB-flush dispatch to decide whether a flush targets this
// table's address space.
func (s *Software) PDAddress() uint64 { return s.pdAddress }

// RefreshDirectories re-scans the directory at address without changing
// the table's recorded size — the TLB-flush path, which reuses the size
// from the previous Refresh.
func (s *Software) RefreshDirectories(ctx GuestMemory, mem pgt.Accessor, address uint64) {
	s.refreshDirectories(ctx, mem, address)
}

// Refresh re-scans the guest's page directory the same way Hardware does,
// but only updates the in-memory SoftwareEntry slices — no shadow page is
// published.
func (s *Software) Refresh(ctx GuestMemory, mem pgt.Accessor, pageDirectoryAddress, pageLimit uint64) {
	s.pdAddress = pageDirectoryAddress
	if s.predefinedMax == 0 {
		s.size = pageLimit + 1
	}
	if s.directorySize() > MaxDirectories {
		return
	}
	s.refreshDirectories(ctx, mem, pageDirectoryAddress)
}

func (s *Software) refreshDirectories(ctx GuestMemory, mem pgt.Accessor, address uint64) {
	s.pdAddress = address
	count := s.directorySize()
	if uint64(len(s.directories)) != count {
		s.directories = make([]softwareDirectory, count)
	}

	remain := s.size % pgt.DirectoryCoveredSize
	if remain == 0 {
		remain = pgt.DirectoryCoveredSize
	}

	for i := range s.directories {
		offset := uint64(i) * 8
		var span uint64 = pgt.DirectoryCoveredSize
		if s.predefinedMax != 0 && uint64(i)+1 == count {
			span = remain
		}
		dir := pgt.DecodeDirectory(mem, address+offset)
		s.directories[i].refresh(ctx, mem, dir, span)
	}
}

// Resolve translates a guest virtual address within this table into a
// host address and its backing entry. ok is false if virtualAddress falls
// outside any mapped page.
func (s *Software) Resolve(virtualAddress uint64) (uint64, SoftwareEntry, bool) {
	index := virtualAddress / pgt.DirectoryCoveredSize
	if index >= uint64(len(s.directories)) {
		return 0, SoftwareEntry{}, false
	}
	return s.directories[index].resolve(virtualAddress - index*pgt.DirectoryCoveredSize)
}

// PVReflectEntry installs a single raw paravirt-supplied entry directly
// into directory d's large (big=true) or small branch at index, bypassing
// guest-memory scanning entirely — the MAP/MAP_BATCH hypercall fast path.
// The caller is responsible for the entry already being in
// its final (already-resolved) host form; it is stored via assign, not
// refresh.
func (s *Software) PVReflectEntry(d uint32, big bool, index uint32, entry pgt.Entry) {
	dir := &s.directories[d]
	if big {
		if dir.large == nil {
			dir.large = make([]SoftwareEntry, pgt.LargePageCount)
		}
		dir.large[index].assign(entry)
	} else {
		if dir.small == nil {
			dir.small = make([]SoftwareEntry, pgt.SmallPageCount)
		}
		dir.small[index].assign(entry)
	}
}

// PVScan bulk-populates directory d's large or small branch by reading
// count*8 bytes of raw entries from pgt (a paravirt-allocated guest page
// handed over via MAP_PGT), the batched counterpart to PVReflectEntry.
func (s *Software) PVScan(big bool, pgtMem pgt.Accessor, remain uint64, d uint32) {
	dir := &s.directories[d]
	if big {
		if dir.large == nil {
			dir.large = make([]SoftwareEntry, pgt.LargePageCount)
		}
		count := remain / pgt.LargePageSize
		if count > pgt.LargePageCount {
			count = pgt.LargePageCount
		}
		for i := uint64(0); i < count; i++ {
			item := i * 8
			entry, ok := pgt.DecodeEntry(pgtMem, item)
			if ok {
				dir.large[i].assign(entry)
			} else {
				dir.large[i].clear()
			}
		}
	} else {
		if dir.small == nil {
			dir.small = make([]SoftwareEntry, pgt.SmallPageCount)
		}
		count := remain / pgt.SmallPageSize
		if count > pgt.SmallPageCount {
			count = pgt.SmallPageCount
		}
		for i := uint64(0); i < count; i++ {
			item := i * 8
			entry, ok := pgt.DecodeEntry(pgtMem, item)
			if ok {
				dir.small[i].assign(entry)
			} else {
				dir.small[i].clear()
			}
		}
	}
}
