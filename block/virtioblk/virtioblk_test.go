package virtioblk

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/virtio/virtq"
)

// newRegion backs a dma.Region with real heap memory, rounded up to a
// 4 KiB boundary by hand (Go's allocator gives no alignment guarantee).
// It builds the Region directly rather than going through dma.Acquire:
// Acquire's validate() rejects any address past the 32-bit bus limit,
// and heap addresses on amd64 sit far above that, so Acquire itself is
// untestable with real backing memory — only the platform's real
// boot-services allocator ever satisfies both constraints at once.
func newRegion(size int) *dma.Region {
	mem := make([]byte, size+dma.Alignment)
	base := uintptr(unsafe.Pointer(&mem[0]))
	aligned := (base + dma.Alignment - 1) &^ (dma.Alignment - 1)
	return &dma.Region{CPUAddr: aligned, BusAddr: uint64(aligned), Size: size}
}

func newTestDevice(t *testing.T, sectorCount uint64, readOnly bool) *Device {
	t.Helper()
	d, _ := newTestDeviceWithUsedRing(t, sectorCount, readOnly)
	return d
}

// newTestDeviceWithUsedRing is newTestDevice plus the raw CPU address of
// the used ring, for tests that need to poke a completion entry into it
// by hand to emulate the device side (the same technique
// virtq_test.go's TestSubmitCollectRoundTrip uses one layer down).
func newTestDeviceWithUsedRing(t *testing.T, sectorCount uint64, readOnly bool) (*Device, uintptr) {
	t.Helper()

	region := newRegion(dma.MinSize)

	const (
		descBytes  = queueSize * 16
		availBytes = 6 + 2*queueSize
		usedBytes  = 6 + 8*queueSize
	)

	descAddr, _, _ := region.Sub(0, descBytes)
	availAddr, _, _ := region.Sub(descBytes, availBytes)
	usedAddr, _, _ := region.Sub(descBytes+availBytes, usedBytes)

	q, err := virtq.New(unsafe.Pointer(descAddr), unsafe.Pointer(availAddr), unsafe.Pointer(usedAddr), queueSize, 0)
	if err != nil {
		t.Fatal(err)
	}

	return &Device{
		q:           q,
		region:      region,
		sectorCount: sectorCount,
		readOnly:    readOnly,
	}, usedAddr
}

func putU16(base uintptr, off int, v uint16) {
	p := (*[2]byte)(unsafe.Pointer(base + uintptr(off)))
	p[0] = byte(v)
	p[1] = byte(v >> 8)
}

func putU32(base uintptr, off int, v uint32) {
	p := (*[4]byte)(unsafe.Pointer(base + uintptr(off)))
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
	p[3] = byte(v >> 24)
}

func TestSubmitWriteRejectedOnReadOnlyDevice(t *testing.T) {
	d := newTestDevice(t, 2048, true)

	err := d.SubmitWrite(block.Request{Tag: 1, StartSector: 0, Data: make([]byte, 512)})
	if !errors.Is(err, block.ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestSubmitRejectsOutOfRangeSector(t *testing.T) {
	d := newTestDevice(t, 4, false)

	err := d.SubmitRead(block.Request{Tag: 1, StartSector: 10, Data: make([]byte, 512)})
	if !errors.Is(err, block.ErrInvalidSector) {
		t.Fatalf("err = %v, want ErrInvalidSector", err)
	}
}

func TestSubmitReadBuildsThreeDescriptorChain(t *testing.T) {
	d := newTestDevice(t, 2048, false)

	if err := d.SubmitRead(block.Request{Tag: 42, StartSector: 0, Data: make([]byte, 512)}); err != nil {
		t.Fatal(err)
	}
}

func TestPollCompletionReportsDeviceIOError(t *testing.T) {
	d, usedAddr := newTestDeviceWithUsedRing(t, 2048, false)

	if err := d.SubmitRead(block.Request{Tag: 99, StartSector: 0, Data: make([]byte, 512)}); err != nil {
		t.Fatal(err)
	}

	// Fresh queue, first submission: the chain's head is deterministically 0.
	const head = 0

	*(*byte)(unsafe.Pointer(d.headStatus[head])) = blkStatusIOErr

	// Hand-write one used ring entry, completing the chain (usedLayout:
	// Flags uint16, Idx uint16, Ring[]{ID uint32, Len uint32}, ...).
	putU16(usedAddr, 2, 1)
	putU32(usedAddr, 4, head)
	putU32(usedAddr, 8, 0)

	c, ok := d.PollCompletion()
	if !ok {
		t.Fatal("PollCompletion() reported no completion")
	}
	if c.Tag != 99 {
		t.Errorf("Tag = %d, want 99", c.Tag)
	}
	if c.Kind != block.Failed {
		t.Errorf("Kind = %v, want block.Failed", c.Kind)
	}
	if !errors.Is(c.Err, block.ErrDeviceError) {
		t.Errorf("Err = %v, want wrapping block.ErrDeviceError", c.Err)
	}
}

func TestPollCompletionReportsSuccess(t *testing.T) {
	d, usedAddr := newTestDeviceWithUsedRing(t, 2048, false)

	if err := d.SubmitRead(block.Request{Tag: 7, StartSector: 0, Data: make([]byte, 512)}); err != nil {
		t.Fatal(err)
	}

	const head = 0

	*(*byte)(unsafe.Pointer(d.headStatus[head])) = blkStatusOK

	putU16(usedAddr, 2, 1)
	putU32(usedAddr, 4, head)
	putU32(usedAddr, 8, 0)

	c, ok := d.PollCompletion()
	if !ok {
		t.Fatal("PollCompletion() reported no completion")
	}
	if c.Kind != block.Done || c.Err != nil {
		t.Errorf("c = %+v, want Kind: block.Done, Err: nil", c)
	}
}

func TestInfoReportsReadOnly(t *testing.T) {
	d := newTestDevice(t, 100, true)

	info := d.Info()
	if !info.ReadOnly || info.SectorCount != 100 {
		t.Errorf("Info() = %+v", info)
	}
}
