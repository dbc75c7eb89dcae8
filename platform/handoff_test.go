package platform

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validHandoff() Handoff {
	return Handoff{
		Version:     Version,
		NICMMIOBase: 0xfebc0000,
		NICBus:      0x00,
		NICDevice:   0x03,
		NICFunction: 0x00,
		NICType:     NICTypeVirtio,
		MAC:         [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		DMACPUPtr:   0x10000000,
		DMABusAddr:  0x10000000,
		DMASize:     MinDMASize,
		TSCFreq:     2_500_000_000,
		StackTop:    0x7f000000,
		StackSize:   MinStackSize,
	}
}

// R2: encoding a PlatformHandoff and decoding it reproduces the original.
func TestHandoffRoundTrip(t *testing.T) {
	want := validHandoff()

	buf, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if len(buf) != HandoffSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), HandoffSize)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch:\n%s", diff)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf, err := validHandoff().Encode()
	if err != nil {
		t.Fatal(err)
	}

	buf[0] ^= 0xff

	if _, err := Decode(buf); err == nil {
		t.Fatal("Decode: want error on corrupted magic, got nil")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, 16)); err != ErrTruncated {
		t.Fatalf("Decode: err = %v, want ErrTruncated", err)
	}
}

func TestHandoffValidateRejectsOutOfRangeTSC(t *testing.T) {
	h := validHandoff()
	h.TSCFreq = 1

	if _, err := h.Encode(); err == nil {
		t.Fatal("Encode: want error for out-of-range tsc_freq, got nil")
	}
}

func TestHandoffValidateRejectsSmallDMA(t *testing.T) {
	h := validHandoff()
	h.DMASize = 1 << 10

	if _, err := h.Encode(); err == nil {
		t.Fatal("Encode: want error for dma_size < 2 MiB, got nil")
	}
}

func TestHandoffValidateRejectsSmallStack(t *testing.T) {
	h := validHandoff()
	h.StackSize = 1 << 10

	if _, err := h.Encode(); err == nil {
		t.Fatal("Encode: want error for stack_size < 64 KiB, got nil")
	}
}
