//go:build amd64

package firmware

import (
	"encoding/binary"
	"testing"

	"github.com/morpheusx-boot/morpheusx/platform"
)

func encodeDescriptor(typ platform.EFIMemoryType, physStart, pages uint64) []byte {
	b := make([]byte, efiMemoryDescriptorSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(typ))
	binary.LittleEndian.PutUint64(b[8:16], physStart)
	binary.LittleEndian.PutUint64(b[24:32], pages)
	return b
}

func TestDecodeMemoryMap(t *testing.T) {
	var buf []byte
	buf = append(buf, encodeDescriptor(platform.EfiConventionalMemory, 0x100000, 16)...)
	buf = append(buf, encodeDescriptor(platform.EfiACPIReclaimMemory, 0x200000, 4)...)
	buf = append(buf, encodeDescriptor(platform.EfiMemoryMappedIO, 0xf0000000, 256)...)

	descs := decodeMemoryMap(buf, uint64(len(buf)), efiMemoryDescriptorSize)

	if len(descs) != 3 {
		t.Fatalf("len(descs) = %d, want 3", len(descs))
	}

	if descs[0].Type != platform.EfiConventionalMemory || descs[0].PhysicalStart != 0x100000 || descs[0].NumberOfPages != 16 {
		t.Fatalf("descs[0] = %+v", descs[0])
	}
	if descs[1].Type != platform.EfiACPIReclaimMemory || descs[1].PhysicalStart != 0x200000 || descs[1].NumberOfPages != 4 {
		t.Fatalf("descs[1] = %+v", descs[1])
	}
	if descs[2].Type != platform.EfiMemoryMappedIO || descs[2].PhysicalStart != 0xf0000000 || descs[2].NumberOfPages != 256 {
		t.Fatalf("descs[2] = %+v", descs[2])
	}
}

func TestDecodeMemoryMapRespectsFirmwareDescriptorSize(t *testing.T) {
	// A firmware reporting a larger DescriptorSize than this bootloader
	// knows about (future UEFI fields appended) must still decode
	// correctly: only the documented offsets are read, and mapSize/
	// descSize (not len(buf)) bound the walk.
	const widerDescSize = efiMemoryDescriptorSize + 16

	entry := make([]byte, widerDescSize)
	copy(entry, encodeDescriptor(platform.EfiLoaderCode, 0x400000, 8))

	descs := decodeMemoryMap(entry, widerDescSize, widerDescSize)

	if len(descs) != 1 {
		t.Fatalf("len(descs) = %d, want 1", len(descs))
	}
	if descs[0].Type != platform.EfiLoaderCode || descs[0].PhysicalStart != 0x400000 || descs[0].NumberOfPages != 8 {
		t.Fatalf("descs[0] = %+v", descs[0])
	}
}

func TestDecodeMemoryMapTruncatedBuffer(t *testing.T) {
	buf := encodeDescriptor(platform.EfiConventionalMemory, 0x1000, 1)
	buf = buf[:len(buf)-8] // truncate: one descriptor's worth of bytes minus a tail

	descs := decodeMemoryMap(buf, uint64(len(buf))+8, efiMemoryDescriptorSize)

	if len(descs) != 0 {
		t.Fatalf("len(descs) = %d, want 0 for a truncated buffer", len(descs))
	}
}
