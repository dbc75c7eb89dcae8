//go:build amd64

package cpu

// The functions below have no Go body: they're implemented in
// cpu_amd64.s. None of them have a stdlib or ecosystem equivalent — RDTSC,
// CLFLUSH, port I/O, and the ordering fences are machine instructions with
// no portable Go API, so this is the one place in the module that reaches
// for assembly instead of a library (see DESIGN.md).

//go:noescape
func sfence()

//go:noescape
func lfence()

//go:noescape
func mfence()

//go:noescape
func clflush(addr uintptr)

//go:noescape
func in8(port uint16) uint8

//go:noescape
func in16(port uint16) uint16

//go:noescape
func in32(port uint16) uint32

//go:noescape
func out8(port uint16, v uint8)

//go:noescape
func out16(port uint16, v uint16)

//go:noescape
func out32(port uint16, v uint32)

//go:noescape
func rdtsc() uint64

//go:noescape
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
