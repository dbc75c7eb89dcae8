package platform

import (
	"github.com/u-root/u-root/pkg/boot/bzimage"
)

// EFIMemoryType is one of the UEFI Specification's EFI_MEMORY_TYPE
// values (UEFI 2.10 §7.2), as reported by GetMemoryMap.
type EFIMemoryType uint32

// The subset of EFI_MEMORY_TYPE values that matter for E820 translation
// (UEFI 2.10 Table 7.10, "Memory Type Usage after ExitBootServices()").
const (
	EfiReservedMemoryType EFIMemoryType = 0
	EfiLoaderCode         EFIMemoryType = 1
	EfiLoaderData         EFIMemoryType = 2
	EfiBootServicesCode   EFIMemoryType = 3
	EfiBootServicesData   EFIMemoryType = 4
	EfiRuntimeServicesCode EFIMemoryType = 5
	EfiRuntimeServicesData EFIMemoryType = 6
	EfiConventionalMemory EFIMemoryType = 7
	EfiUnusableMemory     EFIMemoryType = 8
	EfiACPIReclaimMemory  EFIMemoryType = 9
	EfiACPIMemoryNVS      EFIMemoryType = 10
	EfiMemoryMappedIO     EFIMemoryType = 11
	EfiMemoryMappedIOPortSpace EFIMemoryType = 12
	EfiPalCode            EFIMemoryType = 13
	EfiPersistentMemory   EFIMemoryType = 14
)

// efiPageSize is the fixed EFI page size memory-map entries are counted in
// (UEFI 2.10 §7.2: "EFI_PAGE_SIZE ... 4096").
const efiPageSize = 4096

// MemoryDescriptor is one entry of the firmware's EFI memory map, as
// decoded by the firmware package's GetMemoryMap call. It is the minimal
// subset platform needs to build an E820 table (spec §9 SUPPLEMENTED
// FEATURES #1: "E820 memory map translation").
type MemoryDescriptor struct {
	Type          EFIMemoryType
	PhysicalStart uint64
	NumberOfPages uint64
}

// toE820 converts one EFI memory descriptor to an x86 E820 entry,
// following the UEFI Specification's mandated mapping (UEFI 2.10 Table
// 7.10). This is the same classification usbarmory-go-boot's
// MemoryDescriptor.E820() performs, ported from its bespoke "uefi"
// package to platform's own MemoryDescriptor shape.
func toE820(d MemoryDescriptor) bzimage.E820Entry {
	e := bzimage.E820Entry{
		Addr: d.PhysicalStart,
		Size: d.NumberOfPages * efiPageSize,
	}

	switch d.Type {
	case EfiLoaderCode, EfiLoaderData, EfiBootServicesCode, EfiBootServicesData, EfiConventionalMemory:
		e.MemType = bzimage.RAM
	case EfiACPIReclaimMemory:
		e.MemType = bzimage.ACPI
	case EfiACPIMemoryNVS:
		e.MemType = bzimage.NVS
	default:
		e.MemType = bzimage.Reserved
	}

	return e
}

// BuildE820 translates a full EFI memory map into the E820 table a
// chain-booted Linux-family kernel expects in its zeropage (spec §9
// SUPPLEMENTED FEATURES #1). It is the bootloader's job, not the excluded
// kernel-handoff stub's, because the EFI memory map is only readable
// before ExitBootServices while the E820 table is only meaningful after.
func BuildE820(descs []MemoryDescriptor) []bzimage.E820Entry {
	entries := make([]bzimage.E820Entry, len(descs))
	for i, d := range descs {
		entries[i] = toE820(d)
	}

	return entries
}
