// Package cpu provides the processor-level primitives MorpheusX needs once
// firmware services are gone: memory fences, port and MMIO accessors, the
// cycle counter, and cache-line maintenance. Every other package reaches
// the bare metal through here rather than through inline unsafe code of its
// own.
package cpu

import "unsafe"

// CacheLineSize is the x86_64 cache line size assumed by FlushRange.
const CacheLineSize = 64

// SFence executes an SFENCE, ordering prior stores before it against later
// stores. Drivers call this after writing a descriptor's fields and before
// publishing it via an index or ring update (spec §5 ordering guarantees).
func SFence() { sfence() }

// LFence executes an LFENCE, ordering prior loads before it against later
// loads. Drivers call this after observing a new used-ring entry and before
// reading the descriptor it refers to.
func LFence() { lfence() }

// MFence executes an MFENCE, a full store+load barrier. Drivers call this
// immediately before writing a doorbell/notify register, since the
// notification must never be observed by the device before the data it
// announces is.
func MFence() { mfence() }

// FlushRange writes back and invalidates the cache lines covering [addr,
// addr+size) using CLFLUSH. It is a no-op on implementations that keep DMA
// memory in write-combining or uncached state; MorpheusX always treats its
// DMA regions as cacheable and calls this explicitly around every
// DMA-visible read or write (see SPEC_FULL.md's Open Question decision for
// §9(a)).
func FlushRange(addr uintptr, size int) {
	start := addr &^ uintptr(CacheLineSize-1)
	end := addr + uintptr(size)
	for p := start; p < end; p += CacheLineSize {
		clflush(p)
	}
	MFence()
}

// In8/In16/In32 read from a legacy x86 I/O port.
func In8(port uint16) uint8   { return in8(port) }
func In16(port uint16) uint16 { return in16(port) }
func In32(port uint16) uint32 { return in32(port) }

// Out8/Out16/Out32 write to a legacy x86 I/O port.
func Out8(port uint16, v uint8)   { out8(port, v) }
func Out16(port uint16, v uint16) { out16(port, v) }
func Out32(port uint16, v uint32) { out32(port, v) }

// ReadTSC returns the current value of the invariant TSC via RDTSC.
func ReadTSC() uint64 { return rdtsc() }

// MMIORead8/16/32/64 load from an MMIO address. Each is a single, naturally
// aligned *(*uintN)(unsafe.Pointer(addr)) dereference, so Go never tears it
// into multiple bus cycles the way a misaligned or multi-word access could
// be — but unlike C's volatile, nothing here stops the compiler reordering
// one of these around other ordinary memory operations, and the CPU can
// still reorder the resulting bus cycle relative to other loads and stores.
// Callers that need a register access to stay put relative to a ring update
// or a doorbell write get that ordering from SFence/LFence/MFence, not from
// these functions, the same way the rest of the driver stack only treats a
// register access as individually observable once it's bracketed by a
// fence.
func MMIORead8(addr uintptr) uint8   { return *(*uint8)(unsafe.Pointer(addr)) }
func MMIORead16(addr uintptr) uint16 { return *(*uint16)(unsafe.Pointer(addr)) }
func MMIORead32(addr uintptr) uint32 { return *(*uint32)(unsafe.Pointer(addr)) }
func MMIORead64(addr uintptr) uint64 { return *(*uint64)(unsafe.Pointer(addr)) }

// MMIOWrite8/16/32/64 perform a single volatile store to an MMIO address.
func MMIOWrite8(addr uintptr, v uint8)   { *(*uint8)(unsafe.Pointer(addr)) = v }
func MMIOWrite16(addr uintptr, v uint16) { *(*uint16)(unsafe.Pointer(addr)) = v }
func MMIOWrite32(addr uintptr, v uint32) { *(*uint32)(unsafe.Pointer(addr)) = v }
func MMIOWrite64(addr uintptr, v uint64) { *(*uint64)(unsafe.Pointer(addr)) = v }

// HasInvariantTSC reports whether CPUID leaf 0x80000007 EDX bit 8 (invariant
// TSC) is set. calibrate_tsc (platform.CalibrateTSC) refuses to proceed
// without it, per spec §4.1.
func HasInvariantTSC() bool {
	_, _, _, edx := cpuid(0x80000007, 0)
	return edx&(1<<8) != 0
}
