// Package netdev defines the driver-agnostic Ethernet contract MorpheusX's
// two network back-ends (netdev/virtionet, netdev/e1000e) implement, plus
// the sentinel errors the TCP/IP adapter layer matches against regardless
// of which NIC is live (spec §4.3, component F).
package netdev

import "errors"

// MaxFrameSize bounds one Ethernet frame, including any link-layer header
// but excluding the FCS, which no driver here ever sees (spec §4.3: the
// VirtIO-net 12-byte header is stripped/prepended by the driver itself).
const MaxFrameSize = 1514

// Device is the contract shared by every NIC back-end. No call here
// blocks (spec §5: "no blocking, no sleeping") outside of the bounded
// hardware reset polls each back-end's constructor performs once, before
// a Device value exists.
type Device interface {
	// MACAddress returns the NIC's stable MAC, learned from device
	// config space or EEPROM during initialization.
	MACAddress() [6]byte

	// CanTransmit reports whether Transmit will not return ErrQueueFull.
	CanTransmit() bool

	// Transmit enqueues one Ethernet frame and is fire-and-forget: it
	// does not wait for the device to consume it. CollectTX reports
	// completion later.
	Transmit(frame []byte) error

	// Receive copies one pending frame into buf and returns its length,
	// or ok=false if nothing is pending.
	Receive(buf []byte) (n int, ok bool)

	// RefillRX replenishes device-owned receive buffers (main-loop
	// phase 1, spec §4.4).
	RefillRX()

	// CollectTX reaps completed transmit buffers, returning them to the
	// driver-owned pool (main-loop phase 5, spec §4.4).
	CollectTX()

	// LinkUp reports the NIC's current link state.
	LinkUp() bool
}

var (
	ErrQueueFull      = errors.New("netdev: no free transmit descriptors")
	ErrDeviceNotReady = errors.New("netdev: device not yet initialized")
	ErrFrameTooLarge  = errors.New("netdev: frame exceeds MaxFrameSize")
	ErrNoDevice       = errors.New("netdev: no supported network device found")
)
