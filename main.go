//go:build amd64

// Command morpheusx is the real firmware entry point (spec §4.1, the
// whole of component D plus the jump into component E's main loop): the
// one-time bring-up that runs before ExitBootServices, followed by the
// steady-state loop that never returns until the install state machine
// reaches Done, Timeout, or Failed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/bootstate"
	"github.com/morpheusx-boot/morpheusx/diag"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/firmware"
	"github.com/morpheusx-boot/morpheusx/loop"
	"github.com/morpheusx-boot/morpheusx/netdev"
	"github.com/morpheusx-boot/morpheusx/pci"
	"github.com/morpheusx-boot/morpheusx/platform"
	"github.com/morpheusx-boot/morpheusx/tcpip"
	"github.com/morpheusx-boot/morpheusx/tcpip/refengine"
)

// installURL is the install image location this image was built to
// fetch. A real deployment would read this, the target start sector, and
// the expected image digest out of its own signed configuration; that
// configuration layer doesn't exist yet, so it is pinned here the same
// way a prior command-line entry point here used to take its kernel path
// as a flag.
const installURL = "http://10.0.2.2:8080/install.img"

const (
	diagRingSize      = 512
	dmaScratchSize    = 1 << 20
	stackSize         = 128 << 10
	targetStartSector = 0
)

func main() {
	ring := diag.NewRing(diagRingSize)
	serial := diag.NewSerialHandler(firmware.SerialWriter{})
	logger := slog.New(fanoutHandler{handlers: []slog.Handler{ring, serial}})

	svc := &firmware.Services{}
	imgHandle, sysTable := firmware.EntryHandles()
	svc.Init(imgHandle, sysTable)

	tscFreq, err := platform.CalibrateTSC(svc)
	if err != nil {
		fail(logger, "calibrate TSC", err)
	}
	logger.Info("TSC calibrated", "freq_hz", tscFreq)

	alloc := &firmware.PageAllocator{Services: svc}

	region, err := dma.Acquire(alloc, dmaScratchSize)
	if err != nil {
		fail(logger, "acquire DMA scratch", err)
	}

	stackPtr, err := alloc.AllocateDMA(stackSize)
	if err != nil {
		fail(logger, "allocate stack", err)
	}

	acc := pci.Legacy{}
	bars := make(map[pci.Address][6]uintptr)
	for _, dev := range pci.Enumerate(acc) {
		var b [6]uintptr
		for i, bar := range dev.BARs {
			b[i] = uintptr(bar.Base)
		}
		bars[dev.Address] = b
	}

	devices, err := platform.PrepareAll(acc, bars, alloc)
	if err != nil {
		fail(logger, "prepare PCI devices", err)
	}

	nic := firstNIC(devices)
	target := firstBlock(devices)
	if nic == nil || target == nil {
		fail(logger, "bring-up", platform.ErrNoDevice)
	}

	handoff, err := platform.Build(devices, tscFreq, uint64(region.CPUAddr), region.BusAddr, uint64(region.Size), uint64(stackPtr)+stackSize, stackSize)
	if err != nil {
		fail(logger, "build platform handoff", err)
	}
	logger.Info("platform handoff built", "nic_type", handoff.NICType, "mac", handoff.MAC)

	mm, err := svc.GetMemoryMap()
	if err != nil {
		fail(logger, "get memory map", err)
	}
	e820 := platform.BuildE820(mm.Descriptors)
	logger.Info("e820 table built", "entries", len(e820))

	if err := svc.ExitBootServices(mm.MapKey); err != nil {
		fail(logger, "exit boot services", err)
	}

	// The real TCP/IP engine smoltcp was adapted from (spec §1) is out of
	// scope for this repository; refengine is the only Engine this repo
	// ships, so it stands in here exactly as it does in cmd/morpheussim,
	// until a production engine is wired against the tcpip.Engine
	// interface it shares with one.
	engine := refengine.New(nic.MACAddress(), netip.Addr{})
	adapter := tcpip.NewAdapter(nic)

	machine, err := bootstate.New(bootstate.Config{
		NIC:         nic,
		Engine:      engine,
		Target:      target,
		StartSector: targetStartSector,
		DMA:         region,
		URL:         installURL,
		TSCFreq:     tscFreq,
		Logger:      logger,
	})
	if err != nil {
		fail(logger, "construct install state machine", err)
	}

	if err := loop.Run(loop.Config{
		NIC:     nic,
		Adapter: adapter,
		Engine:  engine,
		App:     machine,
	}); err != nil {
		fail(logger, "main loop", err)
	}

	logger.Info("install finished", "phase", machine.Phase(), "diag_entries", len(ring.Snapshot()))
}

func fail(logger *slog.Logger, stage string, err error) {
	logger.Error(stage, "err", err)
	panic(fmt.Sprintf("morpheusx: %s: %v", stage, err))
}

func firstNIC(devices []platform.PreparedDevice) netdev.Device {
	for _, d := range devices {
		if d.NIC != nil {
			return d.NIC
		}
	}
	return nil
}

func firstBlock(devices []platform.PreparedDevice) block.Device {
	for _, d := range devices {
		if d.Block != nil {
			return d.Block
		}
	}
	return nil
}

// fanoutHandler broadcasts one slog.Record to every handler in handlers;
// mirrors cmd/morpheussim's handler of the same name, kept separate
// rather than shared because the two binaries have no common import path
// that isn't already diag itself.
type fanoutHandler struct{ handlers []slog.Handler }

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, h := range f.handlers {
		if err := h.Handle(ctx, rec.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}

var _ slog.Handler = fanoutHandler{}
