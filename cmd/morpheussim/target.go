package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/morpheusx-boot/morpheusx/block"
)

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("invalid MAC address %q: %w", s, err)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}

const sectorSize = 512

// fileDevice implements block.Device over a plain *os.File, standing in
// for a real AHCI/VirtIO target the same way hostsim.MemDevice does for
// tests, except persisted to disk so a run's output survives the
// process exiting.
type fileDevice struct {
	f           *os.File
	sectorCount uint64
	completions []block.Completion
}

// openTargetFile creates (or truncates) path to sectorCount*sectorSize
// bytes and returns a block.Device backed by it.
func openTargetFile(path string, sectorCount uint64) (*fileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(sectorCount * sectorSize)); err != nil {
		f.Close()
		return nil, err
	}
	return &fileDevice{f: f, sectorCount: sectorCount}, nil
}

func (d *fileDevice) Info() block.Info {
	return block.Info{SectorSize: sectorSize, SectorCount: d.sectorCount}
}

func (d *fileDevice) SubmitRead(req block.Request) error {
	_, err := d.f.ReadAt(req.Data, int64(req.StartSector*sectorSize))
	kind := block.Done
	if err != nil {
		kind = block.Failed
	}
	d.completions = append(d.completions, block.Completion{Tag: req.Tag, Kind: kind, Err: err})
	return nil
}

func (d *fileDevice) SubmitWrite(req block.Request) error {
	_, err := d.f.WriteAt(req.Data, int64(req.StartSector*sectorSize))
	kind := block.Done
	if err != nil {
		kind = block.Failed
	}
	d.completions = append(d.completions, block.Completion{Tag: req.Tag, Kind: kind, Err: err})
	return nil
}

func (d *fileDevice) SubmitFlush(tag uint64) error {
	err := d.f.Sync()
	kind := block.Done
	if err != nil {
		kind = block.Failed
	}
	d.completions = append(d.completions, block.Completion{Tag: tag, Kind: kind, Err: err})
	return nil
}

func (d *fileDevice) Notify() {}

func (d *fileDevice) PollCompletion() (block.Completion, bool) {
	if len(d.completions) == 0 {
		return block.Completion{}, false
	}
	c := d.completions[0]
	d.completions = d.completions[1:]
	return c, true
}

func (d *fileDevice) Close() error { return d.f.Close() }

var _ block.Device = (*fileDevice)(nil)
