package hostsim

import (
	"errors"

	"github.com/morpheusx-boot/morpheusx/block"
)

var errOutOfRange = errors.New("hostsim: write past end of device")

// MemDevice is an in-memory stand-in for block/ahci or block/virtioblk,
// backing bootstate and initramfs integration tests without either real
// hardware or a virtio transport. Every submitted request completes on
// the very next PollCompletion call, matching the fastest real devices
// handle rather than modeling queueing delay no test here needs
// reproduced.
type MemDevice struct {
	info        block.Info
	data        []byte
	completions []block.Completion
}

// NewMemDevice allocates a zero-filled backing store of sectorCount
// sectors.
func NewMemDevice(sectorSize uint32, sectorCount uint64) *MemDevice {
	return &MemDevice{
		info: block.Info{SectorSize: sectorSize, SectorCount: sectorCount},
		data: make([]byte, sectorSize*uint32(sectorCount)),
	}
}

func (d *MemDevice) Info() block.Info { return d.info }

func (d *MemDevice) SubmitRead(req block.Request) error {
	off := req.StartSector * uint64(d.info.SectorSize)
	n := copy(req.Data, d.data[off:])
	for i := n; i < len(req.Data); i++ {
		req.Data[i] = 0
	}
	d.completions = append(d.completions, block.Completion{Tag: req.Tag, Kind: block.Done})
	return nil
}

func (d *MemDevice) SubmitWrite(req block.Request) error {
	off := req.StartSector * uint64(d.info.SectorSize)
	if off+uint64(len(req.Data)) > uint64(len(d.data)) {
		d.completions = append(d.completions, block.Completion{Tag: req.Tag, Kind: block.Failed, Err: errOutOfRange})
		return nil
	}
	copy(d.data[off:], req.Data)
	d.completions = append(d.completions, block.Completion{Tag: req.Tag, Kind: block.Done})
	return nil
}

func (d *MemDevice) SubmitFlush(tag uint64) error {
	d.completions = append(d.completions, block.Completion{Tag: tag, Kind: block.Done})
	return nil
}

func (d *MemDevice) Notify() {}

func (d *MemDevice) PollCompletion() (block.Completion, bool) {
	if len(d.completions) == 0 {
		return block.Completion{}, false
	}
	c := d.completions[0]
	d.completions = d.completions[1:]
	return c, true
}

// Bytes returns the device's backing store, for a test to assert what
// ended up written at a given sector.
func (d *MemDevice) Bytes() []byte { return d.data }

var _ block.Device = (*MemDevice)(nil)
