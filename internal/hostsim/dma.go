//go:build linux

package hostsim

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/morpheusx-boot/morpheusx/dma"
)

// MmapAllocator implements dma.Allocator over unix.Mmap with MAP_32BIT,
// standing in for the firmware page allocator so hostsim-backed tests
// exercise real sub-4GiB DMA regions instead of the hand-built-over-
// heap-memory fixtures unit tests use.
//
// MAP_32BIT keeps the mapping below the 4 GiB boundary dma.Acquire
// requires (spec invariant I-3); it is Linux/amd64-only, which is fine
// since the hosted simulator only ever runs there.
type MmapAllocator struct {
	regions [][]byte
}

var ErrMmapFailed = errors.New("hostsim: mmap failed")

func (a *MmapAllocator) AllocateDMA(size int) (uintptr, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_32BIT)

	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMmapFailed, err)
	}

	a.regions = append(a.regions, mem)
	return uintptr(unsafe.Pointer(&mem[0])), nil
}

var _ dma.Allocator = (*MmapAllocator)(nil)

// Close unmaps every region this allocator has handed out. Real firmware
// never frees a DMA region (spec §3.1: "Destroyed never"); hostsim does,
// since a long-running test binary should not leak mappings across many
// short-lived *testing.T runs.
func (a *MmapAllocator) Close() error {
	var firstErr error
	for _, mem := range a.regions {
		if err := unix.Munmap(mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.regions = nil
	return firstErr
}
