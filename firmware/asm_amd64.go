//go:build amd64

package firmware

// efiCall1/2/4/5 invoke an EFI function pointer under the Microsoft x64
// calling convention, implemented in asm_amd64.s. No portable Go
// construct can call through a raw function pointer under a foreign
// calling convention, so this is the one place in the package that
// reaches for assembly instead of a library (see DESIGN.md).

//go:noescape
func efiCall1(fn, a0 uintptr) uintptr

//go:noescape
func efiCall2(fn, a0, a1 uintptr) uintptr

//go:noescape
func efiCall4(fn, a0, a1, a2, a3 uintptr) uintptr

//go:noescape
func efiCall5(fn, a0, a1, a2, a3, a4 uintptr) uintptr
