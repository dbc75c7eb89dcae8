package initramfs

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/cavaliergopher/cpio"
	"github.com/u-root/u-root/pkg/boot/bzimage"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/os/linux"
)

// newTestRegion hand-builds a dma.Region over real heap memory, the same
// way bootstate_test.go does, since dma.Acquire's 32-bit bus-address
// check would reject this process's own heap.
func newTestRegion(size int) *dma.Region {
	buf := make([]byte, size)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return &dma.Region{CPUAddr: addr, BusAddr: uint64(addr), Size: size}
}

type fakeBlockDevice struct {
	sectorSize  uint32
	writes      []block.Request
	completions []block.Completion
}

func (b *fakeBlockDevice) Info() block.Info {
	return block.Info{SectorSize: b.sectorSize, SectorCount: 1 << 20}
}
func (b *fakeBlockDevice) SubmitRead(req block.Request) error { return nil }
func (b *fakeBlockDevice) SubmitWrite(req block.Request) error {
	cp := make([]byte, len(req.Data))
	copy(cp, req.Data)
	b.writes = append(b.writes, block.Request{Tag: req.Tag, StartSector: req.StartSector, Data: cp})
	b.completions = append(b.completions, block.Completion{Tag: req.Tag, Kind: block.Done})
	return nil
}
func (b *fakeBlockDevice) SubmitFlush(tag uint64) error { return nil }
func (b *fakeBlockDevice) Notify()                      {}
func (b *fakeBlockDevice) PollCompletion() (block.Completion, bool) {
	if len(b.completions) == 0 {
		return block.Completion{}, false
	}
	c := b.completions[0]
	b.completions = b.completions[1:]
	return c, true
}

var _ block.Device = (*fakeBlockDevice)(nil)

func TestBuildArchiveRoundTrips(t *testing.T) {
	files := []File{
		{Name: "init", Mode: 0755, Data: []byte("#!/bin/sh\nexec /sbin/init\n")},
		{Name: "etc/hostname", Mode: 0644, Data: []byte("morpheusx\n")},
	}

	data, err := BuildArchive(files)
	if err != nil {
		t.Fatal(err)
	}

	r := cpio.NewReader(bytes.NewReader(data))
	var got []File
	for {
		hdr, err := r.Next()
		if err != nil {
			break
		}
		buf := make([]byte, hdr.Size)
		if _, err := r.Read(buf); err != nil {
			t.Fatal(err)
		}
		got = append(got, File{Name: hdr.Name, Mode: uint32(hdr.Mode), Data: buf})
	}

	if len(got) != len(files) {
		t.Fatalf("archive has %d entries, want %d", len(got), len(files))
	}
	for i, f := range files {
		if got[i].Name != f.Name || !bytes.Equal(got[i].Data, f.Data) {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], f)
		}
	}
}

func bzImageFixture(t *testing.T) []byte {
	t.Helper()

	params := linux.BootParams{
		Hdr: linux.SetupHeader{
			Header:  linux.SetupHeaderMagic,
			Xloadflags: 0b1,
		},
	}
	data, err := params.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestBuildZeropageCopiesHeaderAndMemoryMap(t *testing.T) {
	kernel := bytes.NewReader(bzImageFixture(t))

	mem := []bzimage.E820Entry{
		{Addr: 0, Size: 0x9fc00, MemType: bzimage.RAM},
		{Addr: 0x100000, Size: 0x1000000, MemType: bzimage.RAM},
	}

	zpg, err := BuildZeropage(kernel, "console=ttyS0", 4096, mem)
	if err != nil {
		t.Fatal(err)
	}

	if zpg.Hdr.Header != linux.SetupHeaderMagic {
		t.Fatalf("Hdr.Header = %#x, want magic", zpg.Hdr.Header)
	}
	if zpg.Hdr.TypeOfLoader != 0xff {
		t.Fatalf("Hdr.TypeOfLoader = %#x, want 0xff", zpg.Hdr.TypeOfLoader)
	}
	if zpg.Hdr.CmdlineSize != uint32(len("console=ttyS0")+1) {
		t.Fatalf("Hdr.CmdlineSize = %d, want %d", zpg.Hdr.CmdlineSize, len("console=ttyS0")+1)
	}
	if zpg.Hdr.RamdiskSize != 4096 {
		t.Fatalf("Hdr.RamdiskSize = %d, want 4096", zpg.Hdr.RamdiskSize)
	}
	if zpg.E820Entries != 2 {
		t.Fatalf("E820Entries = %d, want 2", zpg.E820Entries)
	}
	if zpg.E820Table[1].Addr != 0x100000 || zpg.E820Table[1].Type != uint32(bzimage.RAM) {
		t.Fatalf("E820Table[1] = %+v", zpg.E820Table[1])
	}
}

func TestBuildZeropageRejectsBadMagic(t *testing.T) {
	bad := make([]byte, linux.ZeropageSize)
	if _, err := BuildZeropage(bytes.NewReader(bad), "", 0, nil); err == nil {
		t.Fatal("expected an error for a missing bzImage magic")
	}
}

func TestBuildZeropageRejectsNon64Bit(t *testing.T) {
	params := linux.BootParams{Hdr: linux.SetupHeader{Header: linux.SetupHeaderMagic}}
	data, err := params.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := BuildZeropage(bytes.NewReader(data), "", 0, nil); err != ErrNot64BitEntry {
		t.Fatalf("err = %v, want ErrNot64BitEntry", err)
	}
}

func TestStageWritesAllThreePieces(t *testing.T) {
	dev := &fakeBlockDevice{sectorSize: 512}
	scratch := newTestRegion(4096)

	kernel := bytes.Repeat([]byte{0xAA}, 3000)
	archive, err := BuildArchive([]File{{Name: "init", Mode: 0755, Data: []byte("x")}})
	if err != nil {
		t.Fatal(err)
	}

	params := linux.BootParams{Hdr: linux.SetupHeader{Header: linux.SetupHeaderMagic}}

	layout := Layout{KernelStartSector: 100, InitramfsStartSector: 200, ZeropageStartSector: 300}

	if err := Stage(dev, scratch, layout, kernel, archive, &params); err != nil {
		t.Fatal(err)
	}

	if len(dev.writes) == 0 {
		t.Fatal("expected at least one submitted write")
	}
	if dev.writes[0].StartSector != layout.KernelStartSector {
		t.Fatalf("first write starts at sector %d, want %d", dev.writes[0].StartSector, layout.KernelStartSector)
	}

	var sawZeropage bool
	for _, w := range dev.writes {
		if w.StartSector == layout.ZeropageStartSector {
			sawZeropage = true
		}
	}
	if !sawZeropage {
		t.Fatal("no write targeted the zeropage sector")
	}
}

func TestStageRejectsNilScratch(t *testing.T) {
	dev := &fakeBlockDevice{sectorSize: 512}
	params := linux.BootParams{}
	if err := Stage(dev, nil, Layout{}, []byte{1}, nil, &params); err != ErrNoScratch {
		t.Fatalf("err = %v, want ErrNoScratch", err)
	}
}
