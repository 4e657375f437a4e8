//go:build linux

package mmio

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BARResource describes one PCI BAR's sysfs resource file and its mapped
// length, e.g. "/sys/bus/pci/devices/0000:01:00.0/resource0".
type BARResource struct {
	Bar  Bar
	Path string
	Size int
}

// PCIAccessor implements PhysAccessor by mmapping each BAR's sysfs
// resource file with golang.org/x/sys/unix: byte-granular reads and
// writes at a (BAR, offset) pair.
type PCIAccessor struct {
	regions map[Bar][]byte
	files   map[Bar]*os.File
}

// OpenPCIAccessor mmaps every resource in descs. Callers must Close it.
func OpenPCIAccessor(descs []BARResource) (*PCIAccessor, error) {
	acc := &PCIAccessor{
		regions: make(map[Bar][]byte, len(descs)),
		files:   make(map[Bar]*os.File, len(descs)),
	}
	for _, d := range descs {
		f, err := os.OpenFile(d.Path, os.O_RDWR|os.O_SYNC, 0)
		if err != nil {
			acc.Close()
			return nil, fmt.Errorf("mmio: open %s: %w", d.Path, err)
		}
		data, err := unix.Mmap(int(f.Fd()), 0, d.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			acc.Close()
			return nil, fmt.Errorf("mmio: mmap %s: %w", d.Path, err)
		}
		acc.regions[d.Bar] = data
		acc.files[d.Bar] = f
	}
	return acc, nil
}

// Close unmaps and closes every mapped BAR region.
func (a *PCIAccessor) Close() error {
	var firstErr error
	for bar, data := range a.regions {
		if err := unix.Munmap(data); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.regions, bar)
	}
	for bar, f := range a.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.files, bar)
	}
	return firstErr
}

func (a *PCIAccessor) Read(bar Bar, offset uint32, size uint8) uint32 {
	region, ok := a.regions[bar]
	if !ok || int(offset)+int(size) > len(region) {
		Log.Printf("mmio: pci read out of range bar=%d offset=0x%x size=%d", bar, offset, size)
		return 0
	}
	switch size {
	case 1:
		return uint32(region[offset])
	case 2:
		return uint32(binary.LittleEndian.Uint16(region[offset:]))
	case 4:
		return binary.LittleEndian.Uint32(region[offset:])
	default:
		panic(fmt.Sprintf("mmio: invalid access size %d", size))
	}
}

func (a *PCIAccessor) Write(bar Bar, offset uint32, value uint32, size uint8) {
	region, ok := a.regions[bar]
	if !ok || int(offset)+int(size) > len(region) {
		Log.Printf("mmio: pci write out of range bar=%d offset=0x%x size=%d", bar, offset, size)
		return
	}
	switch size {
	case 1:
		region[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(region[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(region[offset:], value)
	default:
		panic(fmt.Sprintf("mmio: invalid access size %d", size))
	}
}
