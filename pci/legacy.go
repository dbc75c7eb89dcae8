package pci

import "github.com/morpheusx-boot/morpheusx/cpu"

// Legacy implements Accessor using the 0xCF8/0xCFC configuration address
// and data I/O ports (spec §6 "PCI configuration access"). It is always
// available and is the fallback when the ACPI MCFG table is absent or
// unusable.
type Legacy struct{}

const (
	portConfigAddress = 0x0cf8
	portConfigData    = 0x0cfc

	enableBit = 1 << 31
)

func legacyAddress(addr Address, reg uint16) uint32 {
	return enableBit |
		uint32(addr.Bus)<<16 |
		uint32(addr.Device)<<11 |
		uint32(addr.Function)<<8 |
		uint32(reg&0xfc)
}

// Read32 reads a 32-bit-aligned register. reg's low two bits are ignored
// per the legacy mechanism's word addressing.
func (Legacy) Read32(addr Address, reg uint16) uint32 {
	cpu.Out32(portConfigAddress, legacyAddress(addr, reg))
	return cpu.In32(portConfigData)
}

// Write32 writes a 32-bit-aligned register.
func (Legacy) Write32(addr Address, reg uint16, v uint32) {
	cpu.Out32(portConfigAddress, legacyAddress(addr, reg))
	cpu.Out32(portConfigData, v)
}
