//go:build amd64

// Package firmware is MorpheusX's UEFI-facing half (spec §4.1, component
// D): the thin layer between the firmware's boot-services table and the
// platform-agnostic bring-up platform.PrepareAll/platform.CalibrateTSC
// drive. Everything here runs before ExitBootServices; nothing is
// reachable once the main loop starts.
//
// The boot-services call sites (offsets into EFI_BOOT_SERVICES, the
// Microsoft x64 calling convention trampoline in asm_amd64.s) follow the
// same shape usbarmory/go-boot's uefi package uses for GetMemoryMap,
// ported here for the smaller subset MorpheusX needs: AllocatePages,
// GetMemoryMap, Stall, and ExitBootServices.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/platform"
)

// EFI_TABLE_HEADER is 24 bytes (UEFI 2.10 §4.2); every table's fields
// start right after it.
const efiTableHeaderSize = 0x18

// Field offsets into EFI_SYSTEM_TABLE and EFI_BOOT_SERVICES (UEFI 2.10
// §4.3, §4.4), both counted from each table's own base.
const (
	systemTableBootServices = 0x60

	bootServicesAllocatePages    = 0x28
	bootServicesGetMemoryMap     = 0x38
	bootServicesExitBootServices = 0xe8
	bootServicesStall            = 0xf8
)

// EFI_ALLOCATE_TYPE values (UEFI 2.10 §7.2).
const (
	allocateMaxAddress = 1
)

// EFI_MEMORY_TYPE value MorpheusX's own allocations are tagged with; kept
// distinct from EfiConventionalMemory so a later GetMemoryMap call can
// still tell the difference, though platform.BuildE820 treats both as RAM.
const efiLoaderData = 2

// maxBusAddress caps every UEFI allocation at the same 32-bit bus address
// limit dma.Acquire enforces (spec invariant I-3): there is no IOMMU in
// the pre-ExitBootServices environment, so every DMA-capable buffer must
// live below 4 GiB regardless of how much RAM the platform actually has.
const maxBusAddress = 1<<32 - 1

var (
	ErrEFICallFailed   = errors.New("firmware: EFI call returned a non-success status")
	ErrMemoryMapStale  = errors.New("firmware: memory map key changed between GetMemoryMap and ExitBootServices")
	ErrNotInitialized  = errors.New("firmware: Services.Init was never called")
)

// Services wraps the EFI_SYSTEM_TABLE pointer the firmware trampoline
// hands MorpheusX at entry, exposing only the boot-services subset
// platform bring-up needs.
type Services struct {
	imageHandle uintptr
	bootBase    uintptr
}

// Init records the image handle and boot-services base address decoded
// from systemTable (spec §4.1: these two values are all the firmware
// entry point has to offer before anything else can happen).
func (s *Services) Init(imageHandle, systemTable uintptr) {
	s.imageHandle = imageHandle
	s.bootBase = readPtr(systemTable + systemTableBootServices)
}

func readPtr(addr uintptr) uintptr {
	return uintptr(*(*uint64)(unsafe.Pointer(addr)))
}

func (s *Services) call(offset uintptr, args ...uintptr) (uintptr, error) {
	if s.bootBase == 0 {
		return 0, ErrNotInitialized
	}

	fn := readPtr(s.bootBase + offset)

	var status uintptr
	switch len(args) {
	case 1:
		status = efiCall1(fn, args[0])
	case 2:
		status = efiCall2(fn, args[0], args[1])
	case 4:
		status = efiCall4(fn, args[0], args[1], args[2], args[3])
	case 5:
		status = efiCall5(fn, args[0], args[1], args[2], args[3], args[4])
	default:
		panic("firmware: unsupported EFI call arity")
	}

	// EFI_STATUS is success iff the high bit (error bit) is clear
	// (UEFI 2.10 Appendix D).
	if status&(1<<63) != 0 {
		return status, fmt.Errorf("%w: status %#x", ErrEFICallFailed, status)
	}

	return status, nil
}

// Stall implements platform.Waiter by calling EFI_BOOT_SERVICES.Stall for
// exactly one second (spec §4.1 calibrate_tsc: "a firmware-provided 1 s
// wait").
func (s *Services) WaitOneSecond() {
	s.call(bootServicesStall, 1_000_000)
}

var _ platform.Waiter = (*Services)(nil)

// PageAllocator implements dma.Allocator via EFI_BOOT_SERVICES.AllocatePages,
// requesting memory below the 4 GiB bus address limit every DMA region
// must respect (spec invariant I-3).
type PageAllocator struct {
	Services *Services
}

const efiPageSize = 4096

// AllocateDMA allocates ceil(size/efiPageSize) pages at or below
// maxBusAddress, tagged EfiLoaderData so ExitBootServices treats it as
// ordinary allocated memory, not memory this bootloader must track as a
// runtime service region.
func (a *PageAllocator) AllocateDMA(size int) (uintptr, error) {
	pages := (size + efiPageSize - 1) / efiPageSize
	memory := uint64(maxBusAddress)

	_, err := a.Services.call(
		bootServicesAllocatePages,
		allocateMaxAddress,
		efiLoaderData,
		uintptr(pages),
		uintptr(unsafe.Pointer(&memory)),
	)
	if err != nil {
		return 0, err
	}

	return uintptr(memory), nil
}

var _ dma.Allocator = (*PageAllocator)(nil)

// efiMemoryDescriptorSize is the wire size of one EFI_MEMORY_DESCRIPTOR as
// of UEFI 2.10 §7.2: four 4-byte fields plus three 8-byte fields, with no
// padding assumed since the firmware always reports its own
// DescriptorSize (which may be larger, to leave room for future fields)
// rather than this constant — only used to size the lookahead buffer.
const efiMemoryDescriptorSize = 48

const maxMemoryMapEntries = 512

// MemoryMap is the raw result of one GetMemoryMap call: the decoded
// descriptors plus the MapKey ExitBootServices must be called with.
type MemoryMap struct {
	Descriptors []platform.MemoryDescriptor
	MapKey      uintptr
}

// GetMemoryMap calls EFI_BOOT_SERVICES.GetMemoryMap and decodes every
// descriptor into platform's own MemoryDescriptor shape, ready for
// platform.BuildE820 (spec §9 SUPPLEMENTED FEATURES #1).
func (s *Services) GetMemoryMap() (MemoryMap, error) {
	buf := make([]byte, efiMemoryDescriptorSize*maxMemoryMapEntries)

	mapSize := uint64(len(buf))
	mapKey := uint64(0)
	descSize := uint64(efiMemoryDescriptorSize)
	descVersion := uint32(0)

	_, err := s.call(
		bootServicesGetMemoryMap,
		uintptr(unsafe.Pointer(&mapSize)),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&mapKey)),
		uintptr(unsafe.Pointer(&descSize)),
		uintptr(unsafe.Pointer(&descVersion)),
	)
	if err != nil {
		return MemoryMap{}, err
	}

	return MemoryMap{
		Descriptors: decodeMemoryMap(buf, mapSize, descSize),
		MapKey:      uintptr(mapKey),
	}, nil
}

// decodeMemoryMap walks one EFI_MEMORY_DESCRIPTOR array, decoding exactly
// the fields platform.MemoryDescriptor needs. Split out from
// GetMemoryMap so the wire decode can be exercised by a test without any
// real boot-services table behind it.
func decodeMemoryMap(buf []byte, mapSize, descSize uint64) []platform.MemoryDescriptor {
	var descs []platform.MemoryDescriptor
	for off := uint64(0); off+descSize <= mapSize && off+descSize <= uint64(len(buf)); off += descSize {
		entry := buf[off : off+descSize]
		descs = append(descs, platform.MemoryDescriptor{
			Type:          platform.EFIMemoryType(binary.LittleEndian.Uint32(entry[0:4])),
			PhysicalStart: binary.LittleEndian.Uint64(entry[8:16]),
			NumberOfPages: binary.LittleEndian.Uint64(entry[24:32]),
		})
	}

	return descs
}

// ExitBootServices calls EFI_BOOT_SERVICES.ExitBootServices with the
// MapKey from the most recent GetMemoryMap call. Per the UEFI
// specification this fails with EFI_INVALID_PARAMETER if the memory map
// changed since that call (another AllocatePages/FreePages happened in
// between) — callers must retry GetMemoryMap and ExitBootServices
// together, never ExitBootServices alone (spec §4.1 main: "the last
// firmware call before the main loop starts").
func (s *Services) ExitBootServices(mapKey uintptr) error {
	_, err := s.call(bootServicesExitBootServices, s.imageHandle, mapKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMemoryMapStale, err)
	}

	return nil
}
