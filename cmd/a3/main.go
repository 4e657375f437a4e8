// Command a3 is the GPU mediation daemon: it opens the physical device's
// PCI BARs, builds the device-wide shadow state, and serves guest
// sessions over the local endpoint socket, multiplexing every guest's
// MMIO stream onto the one physical GPU.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/nvmediator/a3/internal/chipset"
	"github.com/nvmediator/a3/internal/console"
	"github.com/nvmediator/a3/internal/ctxt"
	"github.com/nvmediator/a3/internal/device"
	"github.com/nvmediator/a3/internal/hv"
	"github.com/nvmediator/a3/internal/mmio"
	"github.com/nvmediator/a3/internal/sched"
	"github.com/nvmediator/a3/internal/script"
	"github.com/nvmediator/a3/internal/session"
)

const (
	version  = "0.0.1"
	endpoint = "/tmp/a3_endpoint"

	// mediatedGuests is how many guest windows the host VRAM is carved
	// into; the shadow arena lives directly above them.
	mediatedGuests = 2
	arenaSize      = 512 << 20
)

func main() {
	through := flag.Bool("through", false, "bypass mediation, raw I/O passthrough")
	lazy := flag.Bool("lazy-shadowing", false, "defer shadow rebuilds until the next fire")
	remap := flag.Bool("bar3-remapping", false, "remap guest BAR3 pages through the hypervisor")
	showVersion := flag.Bool("version", false, "print the version")
	xenLib := flag.String("xen-lib", "libxenctrl.so", "libxenctrl shared object to load")
	scriptPath := flag.String("script", "", "run a Lua scenario instead of serving sessions")
	interactive := flag.Bool("console", false, "attach the debug console to the terminal")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: a3 [flags] <bdf>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("a3 %s\n", version)
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	bdf, err := parseBDF(flag.Arg(0))
	if err != nil {
		log.Fatalf("a3: %v", err)
	}
	log.Printf("a3: BDF %s, through=%v lazy=%v remap=%v", bdf, *through, *lazy, *remap)

	regs, bar3Base, err := openDevice(bdf)
	if err != nil {
		log.Fatalf("a3: %v", err)
	}
	defer regs.Close()

	hvIface := openHypervisor(*xenLib)

	cs := chipset.Detect(regs.Read(mmio.Bar0, 0, 4))
	log.Printf("a3: detected %s", cs.Family())

	dev := device.New(device.Config{
		Regs:      regs,
		HV:        hvIface,
		Chipset:   cs,
		ArenaBase: mediatedGuests * ctxt.MemorySize,
		ArenaSize: arenaSize,
		Remap:     *remap,
		BAR3Base:  bar3Base,
	})

	var scheduler sched.Scheduler
	if *through {
		scheduler = sched.NewDirect(dev)
	} else {
		scheduler = sched.NewCredit(dev,
			50*time.Microsecond,
			100*time.Millisecond,
			100*time.Millisecond,
			100*time.Millisecond)
	}
	dev.SetScheduler(scheduler)
	scheduler.Start()
	defer scheduler.Stop()

	flags := ctxt.Flags{LazyShadowing: *lazy}

	if *scriptPath != "" {
		runScenario(dev, *through, flags, *scriptPath)
		return
	}
	if *interactive {
		go runConsole(dev, flags)
	}

	serve(dev, *through, flags)
}

// bdf is a PCI bus/device/function triple parsed from the hex positional
// argument (bus:8 dev:5 func:3, little-endian packing).
type bdf struct {
	bus, dev, fn uint8
}

func (b bdf) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.bus, b.dev, b.fn)
}

func parseBDF(arg string) (bdf, error) {
	raw, err := strconv.ParseUint(arg, 16, 16)
	if err != nil || raw == 0 {
		return bdf{}, fmt.Errorf("bad bdf %q", arg)
	}
	return bdf{
		bus: uint8(raw >> 8),
		dev: uint8(raw >> 3 & 0x1f),
		fn:  uint8(raw & 0x7),
	}, nil
}

// openDevice mmaps the device's BAR resource files and reads BAR3's host
// aperture base out of the sysfs resource table.
func openDevice(b bdf) (*mmio.PCIAccessor, uint64, error) {
	dir := fmt.Sprintf("/sys/bus/pci/devices/0000:%02x:%02x.%x", b.bus, b.dev, b.fn)

	var descs []mmio.BARResource
	for _, bar := range []mmio.Bar{mmio.Bar0, mmio.Bar1, mmio.Bar3, mmio.Bar4} {
		path := fmt.Sprintf("%s/resource%d", dir, bar)
		info, err := os.Stat(path)
		if err != nil {
			if bar == mmio.Bar0 {
				return nil, 0, fmt.Errorf("open %s: %w", path, err)
			}
			continue // optional BARs may be absent on some boards
		}
		descs = append(descs, mmio.BARResource{Bar: bar, Path: path, Size: int(info.Size())})
	}

	regs, err := mmio.OpenPCIAccessor(descs)
	if err != nil {
		return nil, 0, err
	}

	bar3Base, err := resourceBase(dir+"/resource", 3)
	if err != nil {
		log.Printf("a3: no BAR3 base (%v), remapping disabled targets 0", err)
	}
	return regs, bar3Base, nil
}

// resourceBase parses line n of the sysfs resource table, whose first
// column is the region's host-physical start address.
func resourceBase(path string, n int) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan(); i++ {
		if i != n {
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 1 {
			return 0, fmt.Errorf("malformed resource line %d", n)
		}
		return strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
	}
	return 0, fmt.Errorf("resource line %d missing", n)
}

// openHypervisor binds libxenctrl, degrading to the in-memory fake when
// the library is unavailable (guest SYSRAM mappings then fault, the rest
// of the mediator keeps working).
func openHypervisor(lib string) hv.Interface {
	x, err := hv.OpenXen(lib, 0)
	if err != nil {
		log.Printf("a3: %v; continuing without hypervisor mappings", err)
		return hv.NewFake()
	}
	return x
}

func serve(dev *device.Device, through bool, flags ctxt.Flags) {
	_ = os.Remove(endpoint)
	l, err := net.Listen("unix", endpoint)
	if err != nil {
		log.Fatalf("a3: listen %s: %v", endpoint, err)
	}
	defer l.Close()
	log.Printf("a3: serving on %s", endpoint)

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Printf("a3: accept: %v", err)
			return
		}
		go func() {
			defer conn.Close()
			ctx := ctxt.New(dev, through, flags)
			if err := session.New(ctx, session.NewStreamTransport(conn)).Run(); err != nil {
				log.Printf("a3: session ended: %v", err)
			}
		}()
	}
}

func runScenario(dev *device.Device, through bool, flags ctxt.Flags, path string) {
	ctx := ctxt.New(dev, through, flags)
	defer ctx.Close()
	r := script.New(ctx)
	defer r.Close()
	if err := r.RunFile(path); err != nil {
		log.Fatalf("a3: %v", err)
	}
}

func runConsole(dev *device.Device, flags ctxt.Flags) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.Printf("a3: console: %v", err)
		return
	}
	defer term.Restore(fd, oldState)

	ctx := ctxt.New(dev, false, flags)
	defer ctx.Close()
	c := console.New(ctx, readWriter{r: os.Stdin, w: os.Stdout})
	if err := c.Run(); err != nil {
		log.Printf("a3: console: %v", err)
	}
}

type readWriter struct {
	r *os.File
	w *os.File
}

func (rw readWriter) Read(b []byte) (int, error)  { return rw.r.Read(b) }
func (rw readWriter) Write(b []byte) (int, error) { return rw.w.Write(b) }
