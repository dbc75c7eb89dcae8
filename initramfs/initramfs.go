// Package initramfs builds the cpio-format ramdisk and zeropage that
// accompany a downloaded kernel image, and stages all three on the
// persistent ESP (spec component J, 2% of the system). It never loads
// the bundle into memory or transfers control to it: that final handoff
// is a thin trampoline explicitly out of scope for this repository, left
// for whatever stage boots the ESP next.
package initramfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unsafe"

	"github.com/cavaliergopher/cpio"
	"github.com/u-root/u-root/pkg/boot/bzimage"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/os/linux"
)

// File is one entry of the ramdisk archive.
type File struct {
	Name string
	Mode uint32
	Data []byte
}

// BuildArchive serializes files into a cpio "newc" archive, the same
// format os/linux.Loader.Initrd once expected for a guest VM's initrd,
// now staged on disk instead of read into guest memory.
func BuildArchive(files []File) ([]byte, error) {
	var buf bytes.Buffer
	w := cpio.NewWriter(&buf)

	for _, f := range files {
		hdr := &cpio.Header{
			Name: f.Name,
			Mode: cpio.FileMode(f.Mode),
			Size: int64(len(f.Data)),
		}

		if err := w.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("initramfs: write header %q: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("initramfs: write data %q: %w", f.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("initramfs: close archive: %w", err)
	}

	return buf.Bytes(), nil
}

// loadedHigh is the loadflags bit for "protected-mode code loaded at
// 0x100000" (os/linux's prior Loader set the same bit); staging still
// records it since whatever reads this zeropage next expects the same
// bzImage convention the kernel itself declares in its header.
const loadedHigh = 1 << 0

var (
	ErrTooManyMemoryRegions = errors.New("initramfs: more E820 regions than a zeropage can hold")
	ErrNot64BitEntry        = errors.New("initramfs: bzImage kernel has no 64-bit entrypoint at 0x200")
)

// BuildZeropage reads the setup_header out of a downloaded bzImage kernel
// and returns a freshly built zeropage recording cmdline length, initrd
// size, and the firmware's translated memory map. Addresses are left
// zero: this package only stages bytes, it never places them at a fixed
// memory address, so the fields that matter here are content only the
// eventual loader needs to know ahead of time.
func BuildZeropage(kernel io.ReaderAt, cmdline string, initrdSize uint32, mem []bzimage.E820Entry) (*linux.BootParams, error) {
	in, err := linux.ParseBzImage(kernel)
	if err != nil {
		return nil, err
	}

	if in.Hdr.Xloadflags&0b1 == 0 {
		return nil, ErrNot64BitEntry
	}

	if len(mem) > len(in.E820Table) {
		return nil, ErrTooManyMemoryRegions
	}

	params := &linux.BootParams{Hdr: in.Hdr}
	params.Hdr.VidMode = 0xffff
	params.Hdr.TypeOfLoader = 0xff
	params.Hdr.Loadflags = loadedHigh
	params.Hdr.CmdlineSize = uint32(len(cmdline) + 1)
	params.Hdr.RamdiskSize = initrdSize

	for i, e := range mem {
		params.E820Table[i] = linux.BootE820Entry{
			Addr: e.Addr,
			Size: e.Size,
			Type: uint32(e.MemType),
		}
		params.E820Entries++
	}

	return params, nil
}

// Layout describes where on the target block device each piece of the
// staged bundle begins. Entries need not be contiguous; the caller sizes
// the gaps to whatever the on-disk image format the next boot stage
// expects reserves for each piece.
type Layout struct {
	KernelStartSector    uint64
	InitramfsStartSector uint64
	ZeropageStartSector  uint64
}

var (
	ErrNoTarget  = errors.New("initramfs: no target block device")
	ErrNoKernel  = errors.New("initramfs: no kernel image bytes")
	ErrNoScratch = errors.New("initramfs: no DMA scratch region")
)

// Stage writes kernel, the built initramfs archive, and zeropage to
// target at the sectors layout names, copying each through scratch first
// since every block.Request.Data must already live in a DMA region (spec
// §4.2) and these bytes, freshly assembled in ordinary heap memory, do
// not. Unlike bootstate's streaming HttpDownloadState writer, Stage runs
// once, outside the main loop's per-iteration budget, so it is free to
// poll a submitted write to completion before submitting the next one
// rather than spreading the copy across iterations.
func Stage(target block.Device, scratch *dma.Region, layout Layout, kernel []byte, archive []byte, zeropage *linux.BootParams) error {
	if target == nil {
		return ErrNoTarget
	}
	if scratch == nil {
		return ErrNoScratch
	}
	if len(kernel) == 0 {
		return ErrNoKernel
	}

	zpg, err := zeropage.MarshalBinary()
	if err != nil {
		return fmt.Errorf("initramfs: marshal zeropage: %w", err)
	}

	sectorSize := int(target.Info().SectorSize)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(scratch.CPUAddr)), scratch.Size)

	if err := writeChunked(target, layout.KernelStartSector, kernel, buf, sectorSize); err != nil {
		return fmt.Errorf("initramfs: stage kernel: %w", err)
	}
	if err := writeChunked(target, layout.InitramfsStartSector, archive, buf, sectorSize); err != nil {
		return fmt.Errorf("initramfs: stage archive: %w", err)
	}
	if err := writeChunked(target, layout.ZeropageStartSector, zpg, buf, sectorSize); err != nil {
		return fmt.Errorf("initramfs: stage zeropage: %w", err)
	}

	return nil
}

// writeChunked copies data through buf (a DMA-resident scratch slice)
// chunk-sized pieces at a time, submitting and polling one write per
// chunk before copying the next, and advances startSector as it goes.
func writeChunked(target block.Device, startSector uint64, data []byte, buf []byte, sectorSize int) error {
	chunkSectors := len(buf) / sectorSize
	if chunkSectors == 0 {
		return fmt.Errorf("initramfs: scratch region smaller than one sector")
	}
	chunkSize := chunkSectors * sectorSize

	var tag uint64
	sector := startSector

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}

		n := copy(buf, data[off:end])
		sectors := (n + sectorSize - 1) / sectorSize
		for i := n; i < sectors*sectorSize; i++ {
			buf[i] = 0
		}

		tag++
		if err := target.SubmitWrite(block.Request{
			Tag:         tag,
			StartSector: sector,
			Data:        buf[:sectors*sectorSize],
		}); err != nil {
			return err
		}
		target.Notify()

		if err := pollTag(target, tag); err != nil {
			return err
		}

		sector += uint64(sectors)
	}

	return nil
}

func pollTag(target block.Device, tag uint64) error {
	for {
		c, ok := target.PollCompletion()
		if !ok {
			continue
		}
		if c.Tag != tag {
			continue
		}
		if c.Err != nil {
			return c.Err
		}
		return nil
	}
}
