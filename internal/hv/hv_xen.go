//go:build linux

package hv

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// Xen implements Interface by dynamically loading libxenctrl.so with
// purego — no cgo step required — and calling the a3_xen_* helper entry
// points (a3_xen_gfn_to_mfn, a3_xen_add_memory_mapping,
// a3_xen_remove_memory_mapping, a3_xen_map_foreign_range).
type Xen struct {
	handle uintptr

	gfnToMfn            func(xch uintptr, domID uint32, gfn uint64) uint64
	addMemoryMapping    func(xch uintptr, domID uint32, gpfn, mfn, count uint64) int32
	removeMemoryMapping func(xch uintptr, domID uint32, gpfn, mfn, count uint64) int32
	mapForeignRange     func(xch uintptr, domID uint32, size uint64, prot int32, gpfn uint64) uintptr

	xch uintptr
}

// OpenXen dlopens libPath (typically "libxenctrl.so.4.0" or similar) and
// binds the a3_xen_* entry points. xch is the opaque Xen control-library
// context handle threaded through every call.
func OpenXen(libPath string, xch uintptr) (*Xen, error) {
	handle, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("hv: dlopen %s: %w", libPath, err)
	}
	x := &Xen{handle: handle, xch: xch}
	purego.RegisterLibFunc(&x.gfnToMfn, handle, "a3_xen_gfn_to_mfn")
	purego.RegisterLibFunc(&x.addMemoryMapping, handle, "a3_xen_add_memory_mapping")
	purego.RegisterLibFunc(&x.removeMemoryMapping, handle, "a3_xen_remove_memory_mapping")
	purego.RegisterLibFunc(&x.mapForeignRange, handle, "a3_xen_map_foreign_range")
	return x, nil
}

func (x *Xen) GfnToMfn(domID uint32, gfn uint64) (uint64, error) {
	mfn := x.gfnToMfn(x.xch, domID, gfn)
	if mfn == ^uint64(0) {
		return 0, &ErrCallFailed{Call: "gfn_to_mfn", Err: unix.EINVAL}
	}
	return mfn, nil
}

func (x *Xen) AddMemoryMapping(domID uint32, gpfn, mfn, count uint64) error {
	if rc := x.addMemoryMapping(x.xch, domID, gpfn, mfn, count); rc != 0 {
		return &ErrCallFailed{Call: "add_memory_mapping", Err: unix.Errno(-rc)}
	}
	return nil
}

func (x *Xen) RemoveMemoryMapping(domID uint32, gpfn, mfn, count uint64) error {
	if rc := x.removeMemoryMapping(x.xch, domID, gpfn, mfn, count); rc != 0 {
		return &ErrCallFailed{Call: "remove_memory_mapping", Err: unix.Errno(-rc)}
	}
	return nil
}

// PROT flags for the foreign mapping of the guest slot buffer.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2
)

func (x *Xen) MapForeignRange(domID uint32, size uint64, prot int, gpfn uint64) ([]byte, error) {
	ptr := x.mapForeignRange(x.xch, domID, size, int32(prot), gpfn)
	if ptr == 0 {
		return nil, &ErrCallFailed{Call: "map_foreign_range", Err: unix.ENOMEM}
	}
	var buf []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	sh.Data = ptr
	sh.Len = int(size)
	sh.Cap = int(size)
	return buf, nil
}

// Close releases the dynamically loaded library.
func (x *Xen) Close() error {
	return purego.Dlclose(x.handle)
}
