// Package vram implements the host-VRAM page allocator and the
// owning handle to N contiguous 4 KiB pages that backs every
// shadow structure in the mediator: shadow RAMIN pages, shadow page
// directories/tables, and paravirt-allocated guest pages.
//
// Allocation policy is the classic K&R free-list malloc: a sorted,
// coalescing free list plus a bump cursor that carves fresh pages
// (rounded up to 32, or whatever is left of the arena if that is less)
// from the arena when the free list can't satisfy a request. Exhaustion is a capacity bug and panics rather than returning
// an error.
package vram

import (
	"fmt"
	"sort"
	"sync"
)

// PageSize is the fixed unit of VRAM allocation.
const PageSize = 0x1000

// growthUnit is the rounding granularity used when the arena needs to
// carve fresh pages from its bump cursor.
const growthUnit = 32

// Accessor is the byte/word/dword read-write surface a Page is backed by
// — the physical-memory accessor. Satisfied by *mmio.PMEM in production
// code; tests use a plain byte slice.
type Accessor interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

type freeRun struct {
	address uint64
	pages   uint64
}

// Arena is the host-VRAM page allocator: a free-list over a fixed base
// address and byte size, serving fixed-size runs of PageSize pages.
type Arena struct {
	mu     sync.Mutex
	base   uint64
	size   uint64
	cursor uint64 // pages claimed from the bump allocator so far
	free   []freeRun
}

// NewArena creates an Arena covering [base, base+size) of host-physical
// VRAM address space.
func NewArena(base, size uint64) *Arena {
	return &Arena{base: base, size: size}
}

// MaxPages is the total page capacity of the arena.
func (a *Arena) MaxPages() uint64 {
	return a.size / PageSize
}

// more carves `pages` rounded up to growthUnit fresh pages from the bump
// cursor (or the rest of the arena, when fewer than that are left but at
// least `pages` remain) and returns them as a free run, or false if the
// arena is exhausted.
func (a *Arena) more(pages uint64) bool {
	rounded := ((pages + growthUnit - 1) / growthUnit) * growthUnit
	if left := a.MaxPages() - a.cursor; rounded > left && pages <= left {
		rounded = left
	}
	address := a.base + a.cursor*PageSize
	a.cursor += rounded
	if a.cursor > a.MaxPages() {
		a.cursor -= rounded
		return false
	}
	a.insertFree(freeRun{address: address, pages: rounded})
	return true
}

// Alloc reserves n contiguous pages and returns their base host-physical
// address. Exhaustion panics.
func (a *Arena) Alloc(n uint64) uint64 {
	if n == 0 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		for i, run := range a.free {
			if run.pages < n {
				continue
			}
			if run.pages == n {
				a.free = append(a.free[:i], a.free[i+1:]...)
				return run.address
			}
			a.free[i].pages -= n
			return run.address + a.free[i].pages*PageSize
		}
		if !a.more(n) {
			panic(fmt.Sprintf("vram: arena exhausted requesting %d pages (base=0x%x size=0x%x)", n, a.base, a.size))
		}
	}
}

// Free releases an n-page run starting at address back to the free list,
// coalescing with adjacent runs.
func (a *Arena) Free(address, n uint64) {
	if n == 0 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertFree(freeRun{address: address, pages: n})
}

// insertFree inserts run into the sorted free list, coalescing with its
// immediate neighbors. Caller must hold a.mu.
func (a *Arena) insertFree(run freeRun) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].address >= run.address })
	a.free = append(a.free, freeRun{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = run

	// Join with next.
	if i+1 < len(a.free) && a.free[i].address+a.free[i].pages*PageSize == a.free[i+1].address {
		a.free[i].pages += a.free[i+1].pages
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// Join with previous.
	if i > 0 && a.free[i-1].address+a.free[i-1].pages*PageSize == a.free[i].address {
		a.free[i-1].pages += a.free[i].pages
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}
