package virtio_test

import (
	"testing"

	"github.com/morpheusx-boot/morpheusx/pci"
	"github.com/morpheusx-boot/morpheusx/virtio"
)

type fakeAccessor struct {
	regs map[pci.Address]map[uint16]uint32
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{regs: make(map[pci.Address]map[uint16]uint32)}
}

func (f *fakeAccessor) set(addr pci.Address, reg uint16, v uint32) {
	if f.regs[addr] == nil {
		f.regs[addr] = make(map[uint16]uint32)
	}
	f.regs[addr][reg&0xfffc] = v
}

func (f *fakeAccessor) Read32(addr pci.Address, reg uint16) uint32 {
	if v, ok := f.regs[addr][reg&0xfffc]; ok {
		return v
	}
	return 0
}

func (f *fakeAccessor) Write32(addr pci.Address, reg uint16, v uint32) {
	f.set(addr, reg, v)
}

func TestDiscoverCapabilitiesFindsAllFourRegions(t *testing.T) {
	acc := newFakeAccessor()
	addr := pci.Address{Bus: 0, Device: 6, Function: 0}

	// Four vendor-specific capabilities chained at 0x40, 0x48, 0x50, 0x58,
	// one per cfg_type (common/notify/isr/device), each on BAR 0.
	layout := []struct {
		offset  uint32
		next    uint8
		cfgType uint8
		off     uint32
	}{
		{0x40, 0x48, virtio.CapCommonCfg, 0x1000},
		{0x48, 0x50, virtio.CapNotifyCfg, 0x2000},
		{0x50, 0x58, virtio.CapISRCfg, 0x3000},
		{0x58, 0x00, virtio.CapDeviceCfg, 0x4000},
	}

	for _, c := range layout {
		acc.set(addr, uint16(c.offset), uint32(c.cfgType)<<24|uint32(c.next)<<8|0x09)
		acc.set(addr, uint16(c.offset+4), 0) // BAR 0
		acc.set(addr, uint16(c.offset+8), c.off)
	}

	acc.set(addr, uint16(0x48+16), 4) // notify_off_multiplier

	dev := pci.Device{Address: addr, Capability0: 0x40}

	caps, err := virtio.DiscoverCapabilities(acc, dev)
	if err != nil {
		t.Fatal(err)
	}

	if caps.CommonCfgOff != 0x1000 {
		t.Errorf("CommonCfgOff = %#x, want 0x1000", caps.CommonCfgOff)
	}

	if caps.NotifyCfgOff != 0x2000 || caps.NotifyOffMultiplier != 4 {
		t.Errorf("NotifyCfgOff = %#x mult = %d, want 0x2000 / 4", caps.NotifyCfgOff, caps.NotifyOffMultiplier)
	}

	if caps.ISROff != 0x3000 {
		t.Errorf("ISROff = %#x, want 0x3000", caps.ISROff)
	}

	if caps.DeviceCfgOff != 0x4000 {
		t.Errorf("DeviceCfgOff = %#x, want 0x4000", caps.DeviceCfgOff)
	}
}

func TestDeviceIDString(t *testing.T) {
	if got := virtio.NetworkDeviceID.String(); got != "network" {
		t.Errorf("String() = %q, want %q", got, "network")
	}
}
