package pci

import "github.com/morpheusx-boot/morpheusx/cpu"

// ECAM implements Accessor using PCIe's memory-mapped Enhanced
// Configuration Access Mechanism, available when the ACPI MCFG table
// provides a base address (spec §4.1, §6).
type ECAM struct {
	// Base is the ECAM window's physical base address, taken from the
	// MCFG table's first segment-group entry.
	Base uintptr
}

func (e ECAM) regAddr(addr Address, reg uint16) uintptr {
	return e.Base +
		uintptr(addr.Bus)<<20 +
		uintptr(addr.Device)<<15 +
		uintptr(addr.Function)<<12 +
		uintptr(reg&0xffc)
}

// Read32 reads a 32-bit-aligned register via MMIO.
func (e ECAM) Read32(addr Address, reg uint16) uint32 {
	return cpu.MMIORead32(e.regAddr(addr, reg))
}

// Write32 writes a 32-bit-aligned register via MMIO.
func (e ECAM) Write32(addr Address, reg uint16, v uint32) {
	cpu.MMIOWrite32(e.regAddr(addr, reg), v)
}
