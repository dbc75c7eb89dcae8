// Package platform orchestrates the one-time, pre-firmware-exit bring-up
// that produces a validated Handoff: TSC calibration, PCI enumeration,
// device enable, DMA acquisition, and driver selection (spec §4.1,
// component D). Everything here runs exactly once, before ExitBootServices
// is called; nothing in this package is reachable from the steady-state
// main loop.
package platform

import (
	"errors"
	"fmt"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/block/ahci"
	"github.com/morpheusx-boot/morpheusx/block/virtioblk"
	"github.com/morpheusx-boot/morpheusx/cpu"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/netdev"
	"github.com/morpheusx-boot/morpheusx/netdev/e1000e"
	"github.com/morpheusx-boot/morpheusx/netdev/virtionet"
	"github.com/morpheusx-boot/morpheusx/pci"
	"github.com/morpheusx-boot/morpheusx/virtio"
)

// DriverKind tags which concrete driver backs a PreparedDevice, a tagged
// variant standing in for dynamic dispatch (spec §9,
// "UnifiedBlockDevice = AhciOwned | VirtioBlkOwned").
type DriverKind uint8

const (
	DriverUnknown DriverKind = iota
	DriverVirtioNet
	DriverE1000e
	DriverVirtioBlk
	DriverAHCI
)

func (k DriverKind) String() string {
	switch k {
	case DriverVirtioNet:
		return "virtio-net"
	case DriverE1000e:
		return "e1000e"
	case DriverVirtioBlk:
		return "virtio-blk"
	case DriverAHCI:
		return "ahci"
	default:
		return "unknown"
	}
}

// PCI identities platform.PrepareDevice dispatches on (spec §4.1
// prepare_device: "vendor/device-ID dispatch picks a driver class").
const (
	vendorVirtIO = 0x1af4
	vendorIntel  = 0x8086
)

var (
	// e1000eDeviceIDs lists the Intel Ethernet controller device IDs
	// this platform recognizes as e1000e-compatible (82579LM/82579V and
	// the I217/I218 PCH variants spec §4.3's "brutal reset" targets).
	e1000eDeviceIDs = map[uint16]bool{
		0x1502: true, // 82579LM
		0x1503: true, // 82579V
		0x153a: true, // I217-LM
		0x153b: true, // I217-V
		0x155a: true, // I218-LM
		0x1559: true, // I218-V
		0x15a0: true, // I218-LM (PCH-LPT)
		0x15a1: true, // I218-V (PCH-LPT)
	}
)

var (
	ErrUnsupportedDevice = errors.New("platform: no driver recognizes this PCI device")
	ErrTscUncalibrated   = errors.New("platform: invariant TSC unavailable or frequency out of range")
	ErrNoDevice          = errors.New("platform: no supported NIC or block device found during enumeration")
)

// TSCFrequencyMin and TSCFrequencyMax bound a plausible calibration
// result (spec §3.1 PlatformHandoff invariant: "tsc_freq in [10^9,
// 10^10]").
const (
	TSCFrequencyMin = 1_000_000_000
	TSCFrequencyMax = 10_000_000_000
)

// Waiter is the firmware's 1-second stall primitive, used only during
// calibration (spec §4.1 calibrate_tsc: "a firmware-provided 1 s wait").
// It is the one abstraction this package needs from the firmware package,
// kept narrow so tests can supply a fake that doesn't actually sleep.
type Waiter interface {
	WaitOneSecond()
}

// CalibrateTSC measures the invariant TSC's frequency across one call to
// w.WaitOneSecond, per spec §4.1 calibrate_tsc. It fails if the CPU lacks
// an invariant TSC or the measured frequency falls outside
// [TSCFrequencyMin, TSCFrequencyMax].
func CalibrateTSC(w Waiter) (uint64, error) {
	if !cpu.HasInvariantTSC() {
		return 0, ErrTscUncalibrated
	}

	start := cpu.ReadTSC()
	w.WaitOneSecond()
	end := cpu.ReadTSC()

	freq := end - start
	if freq < TSCFrequencyMin || freq > TSCFrequencyMax {
		return 0, fmt.Errorf("%w: measured %d Hz", ErrTscUncalibrated, freq)
	}

	return freq, nil
}

// PreparedDevice is one enumerated PCI function that platform selected a
// driver for and brought up (spec §4.1 prepare_device). Exactly one of
// NIC or Block is non-nil, selected by Kind.
type PreparedDevice struct {
	PCI   pci.Device
	Kind  DriverKind
	NIC   netdev.Device
	Block block.Device
}

// classAHCI is the PCI class/subclass/prog-if triple (mass storage / SATA
// / AHCI 1.0) that identifies an AHCI HBA, independent of vendor ID
// (spec §4.1: AHCI is matched by class code, not vendor/device ID).
const classAHCI = 0x010601

// PrepareDevice dispatches dev to a concrete driver by vendor/device ID
// (VirtIO, Intel e1000e) or class code (AHCI), and brings it up: enabling
// bus-mastering (invariant I-4) before any MMIO access that could
// initiate DMA, walking VirtIO capabilities where applicable, and
// acquiring a DMA region for the chosen driver to use.
//
// bars holds each BAR's CPU-visible base address, already decoded by the
// caller (pci.Probe only records size/flags; mapping a BAR into the CPU's
// address space is a firmware/MMU concern outside this package).
func PrepareDevice(acc pci.Accessor, dev pci.Device, bars [6]uintptr, alloc dma.Allocator) (PreparedDevice, error) {
	pci.EnableDevice(acc, dev)

	switch {
	case dev.VendorID == vendorVirtIO && dev.DeviceID == virtio.PCIDeviceIDBase+uint16(virtio.NetworkDeviceID):
		d, err := virtionet.Open(acc, dev, bars, alloc)
		if err != nil {
			return PreparedDevice{}, fmt.Errorf("prepare virtio-net %s: %w", dev.Address, err)
		}

		return PreparedDevice{PCI: dev, Kind: DriverVirtioNet, NIC: d}, nil

	case dev.VendorID == vendorVirtIO && dev.DeviceID == virtio.PCIDeviceIDBase+uint16(virtio.BlockDeviceID):
		d, err := virtioblk.Open(acc, dev, bars, alloc)
		if err != nil {
			return PreparedDevice{}, fmt.Errorf("prepare virtio-blk %s: %w", dev.Address, err)
		}

		return PreparedDevice{PCI: dev, Kind: DriverVirtioBlk, Block: d}, nil

	case dev.VendorID == vendorIntel && e1000eDeviceIDs[dev.DeviceID]:
		d, err := e1000e.Open(bars[0], alloc)
		if err != nil {
			return PreparedDevice{}, fmt.Errorf("prepare e1000e %s: %w", dev.Address, err)
		}

		return PreparedDevice{PCI: dev, Kind: DriverE1000e, NIC: d}, nil

	case dev.ClassCode == classAHCI:
		d, err := ahci.Open(bars[5], alloc)
		if err != nil {
			return PreparedDevice{}, fmt.Errorf("prepare ahci %s: %w", dev.Address, err)
		}

		return PreparedDevice{PCI: dev, Kind: DriverAHCI, Block: d}, nil

	default:
		return PreparedDevice{}, ErrUnsupportedDevice
	}
}

// PrepareAll enumerates every PCI function visible through acc and
// prepares every one this platform recognizes a driver for, skipping (not
// failing on) functions PrepareDevice doesn't recognize. bars supplies
// each enumerated device's decoded BAR base addresses, keyed by PCI
// address string, since mapping BARs into the CPU's address space happens
// outside this package.
func PrepareAll(acc pci.Accessor, bars map[pci.Address][6]uintptr, alloc dma.Allocator) ([]PreparedDevice, error) {
	var prepared []PreparedDevice

	for _, dev := range pci.Enumerate(acc) {
		b, ok := bars[dev.Address]
		if !ok {
			continue
		}

		pd, err := PrepareDevice(acc, dev, b, alloc)
		if errors.Is(err, ErrUnsupportedDevice) {
			continue
		}

		if err != nil {
			return prepared, err
		}

		prepared = append(prepared, pd)
	}

	if len(prepared) == 0 {
		return nil, ErrNoDevice
	}

	return prepared, nil
}
