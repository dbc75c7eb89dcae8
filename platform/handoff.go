package platform

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is PlatformHandoff.magic's required value (spec §3.1, §6):
// the ASCII bytes "MORPHEUS" read as a little-endian u64.
const Magic uint64 = 0x4d4f525048455553

// Version is the current Handoff layout version (spec §6 "version = 1").
const Version uint32 = 1

// HandoffSize is sizeof(PlatformHandoff) per the fixed layout in spec §6:
// the reserved tail runs to offset 0x74+64 = 0xb4.
const HandoffSize = 0xb4

const (
	MinDMASize   = 2 << 20   // spec §3.1: "dma_size >= 2 MiB"
	MinStackSize = 64 << 10  // spec §3.1: "stack_size >= 64 KiB"
)

// NICType identifies which driver prepared the handed-off NIC, matching
// the single byte at offset 0x1b of the wire layout.
type NICType uint8

const (
	NICTypeNone NICType = iota
	NICTypeVirtio
	NICTypeE1000e
	_ // reserved, spec allows {0..3}
)

// Handoff is the fixed, 8-byte-aligned binary record MorpheusX builds
// before ExitBootServices and consumes after it (spec §3.1 PlatformHandoff,
// §6 layout table). Every field here corresponds to a named offset in the
// spec; Encode/Decode are the sole way to cross the firmware-exit boundary,
// so the layout is pinned by explicit offsets rather than Go struct
// padding, the same way os/linux.BootParams is pinned against the kernel
// boot protocol.
type Handoff struct {
	Version uint32

	NICMMIOBase uint64
	NICBus      uint8
	NICDevice   uint8
	NICFunction uint8
	NICType     NICType
	MAC         [6]byte

	DMACPUPtr  uint64
	DMABusAddr uint64
	DMASize    uint64

	TSCFreq uint64

	StackTop  uint64
	StackSize uint64

	Framebuffer [32]byte
}

var (
	ErrBadMagic    = errors.New("platform: handoff magic mismatch")
	ErrBadTSCFreq  = errors.New("platform: handoff TSC frequency out of range")
	ErrDMATooSmall = errors.New("platform: handoff DMA region smaller than 2 MiB")
	ErrStackTooSmall = errors.New("platform: handoff stack smaller than 64 KiB")
	ErrTruncated   = errors.New("platform: handoff buffer too short")
)

// validate checks every invariant spec §3.1 attaches to PlatformHandoff,
// independent of encoding: tsc_freq in range, dma_size >= 2 MiB, and
// stack_size >= 64 KiB. Magic is checked separately by Decode, since an
// un-built Handoff value legitimately has no magic yet.
func (h Handoff) validate() error {
	if h.TSCFreq < TSCFrequencyMin || h.TSCFreq > TSCFrequencyMax {
		return fmt.Errorf("%w: %d", ErrBadTSCFreq, h.TSCFreq)
	}

	if h.DMASize < MinDMASize {
		return fmt.Errorf("%w: %d", ErrDMATooSmall, h.DMASize)
	}

	if h.StackSize < MinStackSize {
		return fmt.Errorf("%w: %d", ErrStackTooSmall, h.StackSize)
	}

	return nil
}

// Build assembles and validates a Handoff from a PreparedDevice set, a
// calibrated TSC frequency, a DMA region, and the stack the caller
// switches to just before jumping into the main loop (spec §4.1
// build_handoff). Only the first prepared NIC is recorded: the wire
// layout has room for exactly one (spec §6), matching the "one NIC, one
// block device" scope of the rest of this spec's main loop.
func Build(devices []PreparedDevice, tscFreq uint64, dmaCPU, dmaBus uint64, dmaSize uint64, stackTop, stackSize uint64) (Handoff, error) {
	h := Handoff{
		Version:   Version,
		TSCFreq:   tscFreq,
		DMACPUPtr: dmaCPU,
		DMABusAddr: dmaBus,
		DMASize:   dmaSize,
		StackTop:  stackTop,
		StackSize: stackSize,
	}

	for _, d := range devices {
		if d.NIC == nil {
			continue
		}

		h.NICBus = d.PCI.Address.Bus
		h.NICDevice = d.PCI.Address.Device
		h.NICFunction = d.PCI.Address.Function
		h.MAC = d.NIC.MACAddress()

		switch d.Kind {
		case DriverVirtioNet:
			h.NICType = NICTypeVirtio
		case DriverE1000e:
			h.NICType = NICTypeE1000e
		}

		for _, bar := range d.PCI.BARs {
			if bar.Kind != 0 {
				h.NICMMIOBase = bar.Base
				break
			}
		}

		break
	}

	if err := h.validate(); err != nil {
		return Handoff{}, err
	}

	return h, nil
}

// Encode writes h in the fixed wire layout described by spec §6, little
// endian throughout, prefixed with Magic and the size of the record
// (offsets 0x00 and 0x0c).
func (h Handoff) Encode() ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, HandoffSize)
	le := binary.LittleEndian

	le.PutUint64(buf[0x00:], Magic)
	le.PutUint32(buf[0x08:], h.Version)
	le.PutUint32(buf[0x0c:], HandoffSize)
	le.PutUint64(buf[0x10:], h.NICMMIOBase)
	buf[0x18] = h.NICBus
	buf[0x19] = h.NICDevice
	buf[0x1a] = h.NICFunction
	buf[0x1b] = byte(h.NICType)
	copy(buf[0x1c:0x22], h.MAC[:])
	le.PutUint64(buf[0x24:], h.DMACPUPtr)
	le.PutUint64(buf[0x2c:], h.DMABusAddr)
	le.PutUint64(buf[0x34:], h.DMASize)
	le.PutUint64(buf[0x3c:], h.TSCFreq)
	le.PutUint64(buf[0x44:], h.StackTop)
	le.PutUint64(buf[0x4c:], h.StackSize)
	copy(buf[0x54:0x74], h.Framebuffer[:])

	return buf, nil
}

// Decode reverses Encode, rejecting a buffer whose magic doesn't match or
// whose invariants don't hold (spec invariant: "magic ==
// 0x4D4F525048455553" plus the tsc_freq/dma_size/stack_size bounds).
func Decode(buf []byte) (Handoff, error) {
	if len(buf) < HandoffSize {
		return Handoff{}, ErrTruncated
	}

	le := binary.LittleEndian

	if magic := le.Uint64(buf[0x00:]); magic != Magic {
		return Handoff{}, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}

	h := Handoff{
		Version:     le.Uint32(buf[0x08:]),
		NICMMIOBase: le.Uint64(buf[0x10:]),
		NICBus:      buf[0x18],
		NICDevice:   buf[0x19],
		NICFunction: buf[0x1a],
		NICType:     NICType(buf[0x1b]),
		DMACPUPtr:   le.Uint64(buf[0x24:]),
		DMABusAddr:  le.Uint64(buf[0x2c:]),
		DMASize:     le.Uint64(buf[0x34:]),
		TSCFreq:     le.Uint64(buf[0x3c:]),
		StackTop:    le.Uint64(buf[0x44:]),
		StackSize:   le.Uint64(buf[0x4c:]),
	}

	copy(h.MAC[:], buf[0x1c:0x22])
	copy(h.Framebuffer[:], buf[0x54:0x74])

	if err := h.validate(); err != nil {
		return Handoff{}, err
	}

	return h, nil
}
