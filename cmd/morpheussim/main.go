// Command morpheussim is the hosted simulator entry point: it drives the
// same loop.Run/bootstate.Machine pair the real firmware entry point
// does, over a host TAP interface instead of a PCI NIC and a plain file
// instead of an AHCI/VirtIO block device, with an optional serial-style
// log mirror standing in for a physical UART.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/morpheusx-boot/morpheusx/bootstate"
	"github.com/morpheusx-boot/morpheusx/diag"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/internal/hostsim"
	"github.com/morpheusx-boot/morpheusx/loop"
	"github.com/morpheusx-boot/morpheusx/platform"
	"github.com/morpheusx-boot/morpheusx/tcpip"
	"github.com/morpheusx-boot/morpheusx/tcpip/refengine"
)

func main() {
	var (
		tap      = flag.String("tap", "tap0", "host TAP interface to bind the simulated NIC to")
		url      = flag.String("url", "", "URL of the install image to download")
		target   = flag.String("target", "morpheusx.img", "file standing in for the persistent ESP")
		sectors  = flag.Uint64("sectors", 1<<20, "sector count of the simulated target device")
		macFlag  = flag.String("mac", "02:00:00:00:00:01", "MAC address of the simulated NIC")
		ringSize = flag.Int("ring", 256, "diagnostic ring buffer capacity")
	)
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "morpheussim: -url is required")
		os.Exit(2)
	}

	mac, err := parseMAC(*macFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "morpheussim:", err)
		os.Exit(2)
	}

	ring := diag.NewRing(*ringSize)
	handlers := []slog.Handler{ring}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		handlers = append(handlers, diag.NewSerialHandler(os.Stdout))
	}
	logger := slog.New(fanoutHandler{handlers: handlers})

	nic, err := hostsim.OpenTAP(*tap, mac)
	if err != nil {
		logger.Error("open TAP device", "err", err)
		os.Exit(1)
	}
	defer nic.Close()

	tscFreq, err := platform.CalibrateTSC(hostsim.SleepWaiter{})
	if err != nil {
		logger.Error("calibrate TSC", "err", err)
		os.Exit(1)
	}
	logger.Info("TSC calibrated", "freq", tscFreq)

	alloc := &hostsim.MmapAllocator{}
	defer alloc.Close()

	scratchAddr, err := alloc.AllocateDMA(1 << 20)
	if err != nil {
		logger.Error("allocate DMA scratch", "err", err)
		os.Exit(1)
	}

	dev, err := openTargetFile(*target, *sectors)
	if err != nil {
		logger.Error("open target", "err", err)
		os.Exit(1)
	}
	defer dev.Close()

	engine := refengine.New(mac, netip.Addr{})
	adapter := tcpip.NewAdapter(nic)

	machine, err := bootstate.New(bootstate.Config{
		NIC:     nic,
		Engine:  engine,
		Target:  dev,
		DMA:     &dma.Region{CPUAddr: scratchAddr, BusAddr: uint64(scratchAddr), Size: 1 << 20},
		URL:     *url,
		TSCFreq: tscFreq,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("construct state machine", "err", err)
		os.Exit(1)
	}

	start := time.Now()
	err = loop.Run(loop.Config{
		NIC:     nic,
		Adapter: adapter,
		Engine:  engine,
		App:     machine,
	})

	logger.Info("run finished", "elapsed", time.Since(start), "phase", machine.Phase())

	if err != nil {
		logger.Error("loop.Run", "err", err)
		os.Exit(1)
	}
}

// fanoutHandler broadcasts one slog.Record to every handler in handlers;
// the ring buffer and the optional serial mirror share subscribers
// without either needing to know the other exists.
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
