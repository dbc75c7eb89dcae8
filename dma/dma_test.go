package dma_test

import (
	"errors"
	"testing"

	"github.com/morpheusx-boot/morpheusx/dma"
)

type fakeAllocator struct {
	base uintptr
	err  error
}

func (f fakeAllocator) AllocateDMA(size int) (uintptr, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.base, nil
}

func TestAcquireRoundsUpToMinSize(t *testing.T) {
	r, err := dma.Acquire(fakeAllocator{base: 0x1000000}, 4096)
	if err != nil {
		t.Fatal(err)
	}

	if r.Size != dma.MinSize {
		t.Errorf("size = %d, want %d", r.Size, dma.MinSize)
	}
}

func TestAcquireIdentityMapped(t *testing.T) {
	r, err := dma.Acquire(fakeAllocator{base: 0x2000000}, dma.MinSize)
	if err != nil {
		t.Fatal(err)
	}

	if uint64(r.CPUAddr) != r.BusAddr {
		t.Errorf("cpu_ptr %#x != bus_addr %#x", r.CPUAddr, r.BusAddr)
	}
}

func TestAcquireRejectsMisaligned(t *testing.T) {
	_, err := dma.Acquire(fakeAllocator{base: 0x2000001}, dma.MinSize)
	if !errors.Is(err, dma.ErrMisaligned) {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
}

func TestAcquireRejectsAboveBusLimit(t *testing.T) {
	_, err := dma.Acquire(fakeAllocator{base: 0xffffe000}, dma.MinSize)
	if !errors.Is(err, dma.ErrAboveBusLimit) {
		t.Fatalf("err = %v, want ErrAboveBusLimit", err)
	}
}

func TestSubBounds(t *testing.T) {
	r, _ := dma.Acquire(fakeAllocator{base: 0x3000000}, dma.MinSize)

	if _, _, err := r.Sub(0, r.Size); err != nil {
		t.Errorf("full-region sub failed: %v", err)
	}

	if _, _, err := r.Sub(r.Size-10, 20); err == nil {
		t.Error("expected out-of-bounds error")
	}
}
