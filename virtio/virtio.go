// Package virtio holds the driver-side pieces of the VirtIO 1.2
// specification that both VirtIO back-ends (block and net) share:
// device-status bits, feature bits, the PCI capability layout, and
// capability discovery. Queue mechanics live in the virtq subpackage.
//
// This was adapted from a VirtIO device-emulation package (the VMM side of
// the wire); MorpheusX instead drives real hardware, so the per-device
// Handler/Config abstraction is gone and what's left is the wire format
// both sides agree on.
package virtio

import (
	"fmt"

	"github.com/morpheusx-boot/morpheusx/pci"
)

// DeviceID identifies the type of a virtio device, read from the PCI
// device ID (0x1040 + DeviceID for the modern transport).
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"
	case NetworkDeviceID:
		return "network"
	case BlockDeviceID:
		return "block"
	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}

// PCIVendorID is the VirtIO PCI vendor ID; PCIDeviceIDBase is added to a
// DeviceID to get the modern transport's device ID.
const (
	PCIVendorID     = 0x1af4
	PCIDeviceIDBase = 0x1040
)

// Device status bits (spec §4.3 VirtIO-net initialization, VirtIO 1.2 §2.1).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// Feature bits relevant to MorpheusX's drivers (VirtIO 1.2 §6, §5.1.3).
const (
	FMAC       = 1 << 5  // VIRTIO_NET_F_MAC
	FStatus    = 1 << 16 // VIRTIO_NET_F_STATUS
	FTSO4      = 1 << 11 // VIRTIO_NET_F_GUEST_TSO4
	FTSO6      = 1 << 12 // VIRTIO_NET_F_GUEST_TSO6
	FUFO       = 1 << 10 // VIRTIO_NET_F_GUEST_UFO
	FMrgRxbuf  = 1 << 15 // VIRTIO_NET_F_MRG_RXBUF
	FCtrlVQ    = 1 << 17 // VIRTIO_NET_F_CTRL_VQ
	FBlkFlush  = 1 << 9  // VIRTIO_BLK_F_FLUSH
	FRingEvent = 1 << 29 // VIRTIO_F_EVENT_IDX
	FVersion1  = 1 << 32 // VIRTIO_F_VERSION_1
)

// PCI capability config type values (VirtIO 1.2 §4.1.4).
const (
	CapCommonCfg = 1
	CapNotifyCfg = 2
	CapISRCfg    = 3
	CapDeviceCfg = 4
	CapPCICfg    = 5
)

// vendorSpecificCapID is the PCI capability ID (0x09, "Vendor-Specific")
// that every VirtIO PCI capability is tagged with; the "virtio_pci_cap"
// header's cfg_type byte (VirtIO 1.2 §4.1.4) then says which of the four
// configuration regions it describes.
const vendorSpecificCapID = 0x09

// Capabilities holds the BAR-relative offsets of the four configuration
// regions a modern VirtIO PCI device exposes (spec §4.1 prepare_device:
// "walks VirtIO capabilities to locate common_cfg, notify_cfg ..., isr,
// and device_cfg").
type Capabilities struct {
	CommonCfgBAR        uint8
	CommonCfgOff        uint32
	NotifyCfgBAR        uint8
	NotifyCfgOff        uint32
	NotifyOffMultiplier uint32
	ISRBAR              uint8
	ISROff              uint32
	DeviceCfgBAR        uint8
	DeviceCfgOff        uint32
}

// DiscoverCapabilities walks dev's PCI capability chain and records the
// BAR/offset of each VirtIO-specific capability it finds.
func DiscoverCapabilities(acc pci.Accessor, dev pci.Device) (Capabilities, error) {
	var caps Capabilities

	chain, err := pci.WalkCapabilities(acc, dev)
	if err != nil {
		return caps, err
	}

	for _, c := range chain {
		if c.ID != vendorSpecificCapID {
			continue
		}

		bar := uint8(acc.Read32(dev.Address, uint16(c.Offset+4)))
		offset := acc.Read32(dev.Address, uint16(c.Offset+8))

		// cfg_type lives at byte offset 3 of the capability header.
		hdr := acc.Read32(dev.Address, uint16(c.Offset))
		kind := uint8(hdr >> 24)

		switch kind {
		case CapCommonCfg:
			caps.CommonCfgBAR, caps.CommonCfgOff = bar, offset
		case CapNotifyCfg:
			caps.NotifyCfgBAR, caps.NotifyCfgOff = bar, offset
			caps.NotifyOffMultiplier = acc.Read32(dev.Address, uint16(c.Offset+16))
		case CapISRCfg:
			caps.ISRBAR, caps.ISROff = bar, offset
		case CapDeviceCfg:
			caps.DeviceCfgBAR, caps.DeviceCfgOff = bar, offset
		}
	}

	return caps, nil
}
