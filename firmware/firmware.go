//go:build amd64

package firmware

import (
	"github.com/usbarmory/tamago/amd64"
	"github.com/usbarmory/tamago/soc/intel/uart"
)

// COM1 is the legacy serial port address every PC-compatible UEFI
// platform still wires up, used by diag's serial mirror (spec §9
// SUPPLEMENTED FEATURES #4, SPEC_FULL.md).
const COM1 = 0x3f8

// CPU wraps the one AMD64 core MorpheusX runs on. It is initialized once
// during the firmware's own hwinit, before any package-level code in this
// module runs, matching the pattern usbarmory/go-boot's x64 package uses
// for the same CPU.
var CPU = &amd64.CPU{
	TimerMultiplier: 1,
}

// Serial is the bootloader's one diagnostic UART, wired the same way
// usbarmory/go-boot's x64 package wires COM1 — the only serial port a
// generic UEFI x86_64 platform can be assumed to expose without probing
// ACPI tables this bootloader has no need to parse.
var Serial = &uart.UART{
	Index: 1,
	Base:  COM1,
	DTR:   true,
	RTS:   true,
}

// SerialWriter adapts Serial to io.Writer so diag's slog.Handler can mirror
// log lines to it without depending on tamago directly.
type SerialWriter struct{}

func (SerialWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		Serial.Tx(b)
	}
	return len(p), nil
}
