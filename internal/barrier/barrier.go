// Package barrier implements the sparse two-level reference-counted
// page-presence map used to detect guest writes to
// pages the mediator also shadows — channel RAMIN pages, BAR1/BAR3 device
// shadow targets, and any VRAM page otherwise tracked by a shadow
// structure.
//
// The top level is a dense slice of optional directories sized to cover
// the table's address range; each directory holds 2^15 entries (12-bit
// offset, 15-bit page, 13-bit directory, within a 40-bit address space).
package barrier

import "fmt"

const (
	pageBits      = 12
	pageEntryBits = 15
	directoryBits = 13
	addressBits   = pageBits + pageEntryBits + directoryBits // 40

	entriesPerDirectory = 1 << pageEntryBits
)

func mask(bits uint, v uint64) uint64 {
	return v & ((uint64(1) << bits) - 1)
}

// entry is a small reference counter, saturating at its 8-bit bound.
// Underflow (Unmap on an already-zero entry) is a programming bug and
// panics rather than wrapping.
type entry struct {
	refs uint8
}

const maxRefs = 0xff

func (e *entry) present() bool { return e.refs != 0 }

func (e *entry) retain() {
	if e.refs == maxRefs {
		return // saturate
	}
	e.refs++
}

func (e *entry) release() {
	if e.refs == 0 {
		panic("barrier: reference count underflow")
	}
	e.refs--
}

// directory holds one top-level slot's 2^15 page entries.
type directory struct {
	entries [entriesPerDirectory]entry
}

func (d *directory) lookup(addrInTable uint64) *entry {
	idx := mask(pageEntryBits, addrInTable>>pageBits)
	return &d.entries[idx]
}

// Table is the barrier table: a dense vector of lazily-created
// directories covering [base, base+size).
type Table struct {
	base  uint64
	size  uint64
	slots []*directory
}

// New creates a Table sized to cover [base, base+size) of guest-physical
// address space, one table per guest covering its VRAM quota.
func New(base, size uint64) *Table {
	t := &Table{base: base, size: mask(addressBits, size)}
	if size == 0 {
		return t
	}
	dirCount := mask(directoryBits, (t.size-1)>>(pageBits+pageEntryBits)) + 1
	t.slots = make([]*directory, dirCount)
	return t
}

// Base returns the table's base address.
func (t *Table) Base() uint64 { return t.base }

// Size returns the table's covered byte range.
func (t *Table) Size() uint64 { return t.size }

func (t *Table) inRange(addr uint64) bool {
	return addr >= t.base && addr < t.base+t.size
}

// lookup returns the entry for addr, creating its directory on demand if
// forceCreate is set. Returns nil if addr is out of range, or if
// forceCreate is false and no directory exists yet.
func (t *Table) lookup(addr uint64, forceCreate bool) *entry {
	if !t.inRange(addr) {
		return nil
	}
	rel := addr - t.base
	idx := mask(directoryBits, rel>>(pageBits+pageEntryBits))
	dir := t.slots[idx]
	if dir == nil {
		if !forceCreate {
			return nil
		}
		dir = &directory{}
		t.slots[idx] = dir
	}
	return dir.lookup(rel)
}

// Map increments the reference count for the page containing pageAddr,
// creating its directory on demand, and returns whether the page was
// already present beforehand.
func (t *Table) Map(pageAddr uint64) bool {
	e := t.lookup(pageAddr, true)
	if e == nil {
		return false
	}
	wasPresent := e.present()
	e.retain()
	return wasPresent
}

// Unmap decrements the reference count for pageAddr and returns the
// entry's new presence state. A no-op (returns false) if pageAddr is out
// of range or has no directory yet.
func (t *Table) Unmap(pageAddr uint64) bool {
	e := t.lookup(pageAddr, false)
	if e == nil {
		return false
	}
	e.release()
	return e.present()
}

// Present reports whether pageAddr currently has a nonzero reference
// count, without creating a directory if one doesn't exist.
func (t *Table) Present(pageAddr uint64) bool {
	e := t.lookup(pageAddr, false)
	return e != nil && e.present()
}

// String renders the table's address range for diagnostics.
func (t *Table) String() string {
	return fmt.Sprintf("barrier.Table[0x%x, 0x%x)", t.base, t.base+t.size)
}
