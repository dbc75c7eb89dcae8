//go:build amd64

package firmware

import (
	"runtime"
	_ "unsafe"
)

// imageHandle and systemTable are the two arguments a UEFI image's entry
// point receives in RCX/RDX under the Microsoft x64 calling convention
// (UEFI 2.10 §4.1, EFI_IMAGE_ENTRY_POINT). TamaGo's runtime startup stub
// stashes them here before calling hwinit, the same way usbarmory/go-boot's
// efi package captures them for its own Init.
var (
	imageHandle uint64
	systemTable uint64
)

//go:linkname ramStart runtime.ramStart
var ramStart uint64 = 0x40000000

//go:linkname ramSize runtime.ramSize
var ramSize uint64 = 0x10000000

//go:linkname nanotime1 runtime.nanotime1
func nanotime1() int64 {
	return int64(float64(CPU.TimerFn())*CPU.TimerMultiplier) + CPU.TimerOffset
}

// Init is TamaGo's hwinit hook: it runs before any package-level variable
// initializer in this module, so it is the only place CPU and Serial can
// safely be brought up (spec §4.1, component D bring-up).
//
//go:linkname Init runtime.hwinit
func Init() {
	CPU.Init()
	Serial.Init()

	runtime.Exit = func(_ int32) {
		CPU.Reset()
	}
}

// EntryHandles returns the image handle and system table pointer the
// firmware passed at entry, ready for Services.Init.
func EntryHandles() (imgHandle, sysTable uintptr) {
	return uintptr(imageHandle), uintptr(systemTable)
}
