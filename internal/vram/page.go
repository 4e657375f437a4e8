package vram

// Page is an owning handle to n contiguous PageSize host-VRAM pages,
// released back to its Arena when Close is called. All
// byte/word/dword access goes through the shared Accessor (physical
// memory accessor).
type Page struct {
	arena   *Arena
	address uint64
	pages   uint64
	phys    Accessor
}

// NewPage allocates n pages from arena and returns an owning Page backed
// by phys for reads/writes.
func NewPage(arena *Arena, phys Accessor, n uint64) *Page {
	if n == 0 {
		n = 1
	}
	return &Page{
		arena:   arena,
		address: arena.Alloc(n),
		pages:   n,
		phys:    phys,
	}
}

// Address is this page's host-physical base address.
func (p *Page) Address() uint64 { return p.address }

// Pages is the number of PageSize pages this handle owns.
func (p *Page) Pages() uint64 { return p.pages }

// Size is the byte size of this page run.
func (p *Page) Size() uint64 { return p.pages * PageSize }

// Clear zeroes the entire page run.
func (p *Page) Clear() {
	for off := uint64(0); off < p.Size(); off += 4 {
		p.phys.Write32(p.address+off, 0)
	}
}

// Read32 reads a dword at the given byte offset into this page run.
func (p *Page) Read32(offset uint64) uint32 {
	if offset >= p.Size() {
		panic("vram: page read out of range")
	}
	return p.phys.Read32(p.address + offset)
}

// Write32 writes a dword at the given byte offset into this page run.
func (p *Page) Write32(offset uint64, value uint32) {
	if offset >= p.Size() {
		panic("vram: page write out of range")
	}
	p.phys.Write32(p.address+offset, value)
}

// Close releases the page run back to its arena.
func (p *Page) Close() {
	p.arena.Free(p.address, p.pages)
}
