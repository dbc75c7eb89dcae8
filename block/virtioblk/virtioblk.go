// Package virtioblk drives a modern (PCI transport, VirtIO 1.2) VirtIO
// block device: feature negotiation, a single request virtqueue, and the
// three-descriptor request chain the VirtIO block spec defines (spec §3/§4,
// component C "VirtIO-blk back-end").
package virtioblk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/pci"
	"github.com/morpheusx-boot/morpheusx/virtio"
	"github.com/morpheusx-boot/morpheusx/virtio/virtq"
)

// commonCfg is struct virtio_pci_common_cfg (VIRTIO 1.2 §4.1.4.3), mapped
// directly over the common configuration BAR.
type commonCfg struct {
	DeviceFeatureSelect uint32
	DeviceFeature       uint32
	DriverFeatureSelect uint32
	DriverFeature       uint32
	MSIXConfig          uint16
	NumQueues           uint16
	DeviceStatus        uint8
	ConfigGeneration    uint8

	QueueSelect     uint16
	QueueSize       uint16
	QueueMSIXVector uint16
	QueueEnable     uint16
	QueueNotifyOff  uint16
	QueueDesc       uint64
	QueueDriver     uint64
	QueueDevice     uint64
}

const (
	requiredFeatures = virtio.FVersion1
	queueSize        = 64
)

var (
	ErrNotABlockDevice          = errors.New("virtioblk: PCI device is not a virtio-blk device")
	ErrCommonCfgMissing         = errors.New("virtioblk: device has no common configuration capability")
	ErrFeatureNegotiationFailed = errors.New("virtioblk: FEATURES_OK did not stick")
)

// Device drives one virtio-blk device.
type Device struct {
	cfg    *commonCfg
	q      *virtq.Queue
	notify *uint16

	region *dma.Region // holds the queue's three rings plus request buffers

	sectorCount uint64
	readOnly    bool

	headTag       [virtq.MaxQueueSize]uint64
	headStatus    [virtq.MaxQueueSize]uintptr
	scratchCursor int
}

// blkHdr is struct virtio_blk_req's fixed header (VIRTIO 1.2 §5.2.6).
type blkHdr struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkFRO    = 1 << 5
	blkFFlush = 1 << 9
)

// Open finds dev's capabilities, negotiates features, and brings up queue
// 0 (spec §4.1 "VirtIO-blk initialization"). bars must give the CPU
// address each BAR is mapped at.
func Open(acc pci.Accessor, dev pci.Device, bars [6]uintptr, alloc dma.Allocator) (*Device, error) {
	if dev.VendorID != virtio.PCIVendorID || dev.DeviceID != virtio.PCIDeviceIDBase+uint16(virtio.BlockDeviceID) {
		return nil, ErrNotABlockDevice
	}

	pci.EnableDevice(acc, dev)

	caps, err := virtio.DiscoverCapabilities(acc, dev)
	if err != nil {
		return nil, err
	}

	if caps.CommonCfgBAR == 0 && caps.CommonCfgOff == 0 {
		return nil, ErrCommonCfgMissing
	}

	cfg := (*commonCfg)(unsafe.Pointer(bars[caps.CommonCfgBAR] + uintptr(caps.CommonCfgOff)))
	notifyBase := bars[caps.NotifyCfgBAR] + uintptr(caps.NotifyCfgOff)
	deviceCfg := bars[caps.DeviceCfgBAR] + uintptr(caps.DeviceCfgOff)

	// Reset, then the standard ACKNOWLEDGE -> DRIVER -> negotiate ->
	// FEATURES_OK -> DRIVER_OK sequence (VIRTIO 1.2 §3.1.1).
	cfg.DeviceStatus = 0
	cfg.DeviceStatus |= virtio.StatusAcknowledge
	cfg.DeviceStatus |= virtio.StatusDriver

	cfg.DeviceFeatureSelect = 1
	hiFeatures := cfg.DeviceFeature
	cfg.DeviceFeatureSelect = 0
	loFeatures := cfg.DeviceFeature
	deviceFeatures := uint64(hiFeatures)<<32 | uint64(loFeatures)

	negotiated := deviceFeatures & (requiredFeatures | blkFRO | blkFFlush)

	cfg.DriverFeatureSelect = 0
	cfg.DriverFeature = uint32(negotiated)
	cfg.DriverFeatureSelect = 1
	cfg.DriverFeature = uint32(negotiated >> 32)

	cfg.DeviceStatus |= virtio.StatusFeaturesOK
	if cfg.DeviceStatus&virtio.StatusFeaturesOK == 0 {
		cfg.DeviceStatus |= virtio.StatusFailed
		return nil, ErrFeatureNegotiationFailed
	}

	region, err := dma.Acquire(alloc, dma.MinSize)
	if err != nil {
		return nil, err
	}

	const (
		descBytes  = queueSize * 16
		availBytes = 6 + 2*queueSize
		usedBytes  = 6 + 8*queueSize
	)

	descAddr, descBus, _ := region.Sub(0, descBytes)
	availAddr, availBus, _ := region.Sub(descBytes, availBytes)
	usedAddr, usedBus, _ := region.Sub(descBytes+availBytes, usedBytes)

	cfg.QueueSelect = 0
	cfg.QueueSize = queueSize
	cfg.QueueDesc = descBus
	cfg.QueueDriver = availBus
	cfg.QueueDevice = usedBus
	cfg.QueueEnable = 1

	q, err := virtq.New(unsafe.Pointer(descAddr), unsafe.Pointer(availAddr), unsafe.Pointer(usedAddr), queueSize, 0)
	if err != nil {
		return nil, err
	}

	notifyAddr := (*uint16)(unsafe.Pointer(notifyBase + uintptr(cfg.QueueNotifyOff)))

	cfg.DeviceStatus |= virtio.StatusDriverOK

	capacityBuf := unsafe.Slice((*byte)(unsafe.Pointer(deviceCfg)), 8)
	capacity := binary.LittleEndian.Uint64(capacityBuf)

	return &Device{
		cfg:         cfg,
		q:           q,
		notify:      notifyAddr,
		region:      region,
		sectorCount: capacity,
		readOnly:    negotiated&blkFRO != 0,
	}, nil
}

func (d *Device) Info() block.Info {
	return block.Info{
		SectorSize:  512,
		SectorCount: d.sectorCount,
		ReadOnly:    d.readOnly,
	}
}

func (d *Device) submit(req block.Request, opType uint32) error {
	if opType == blkTypeOut && d.readOnly {
		return block.ErrReadOnly
	}

	if req.StartSector+uint64(len(req.Data))/512 > d.sectorCount {
		return block.ErrInvalidSector
	}

	hdrAddr, hdrBus, err := d.freeScratch(16)
	if err != nil {
		return err
	}

	statusAddr, statusBus, err := d.freeScratch(1)
	if err != nil {
		return err
	}

	*(*blkHdr)(unsafe.Pointer(hdrAddr)) = blkHdr{Type: opType, Sector: req.StartSector}
	*(*byte)(unsafe.Pointer(statusAddr)) = 0xff // sentinel until the device writes a real status

	dataBus := uint64(0)
	if len(req.Data) > 0 {
		dataBus = uint64(uintptr(unsafe.Pointer(&req.Data[0]))) // identity mapped
	}

	bufs := []virtq.Buffer{
		{Addr: hdrBus, Len: 16},
	}

	if opType != blkTypeFlush {
		bufs = append(bufs, virtq.Buffer{Addr: dataBus, Len: uint32(len(req.Data)), Write: opType == blkTypeIn})
	}

	bufs = append(bufs, virtq.Buffer{Addr: statusBus, Len: 1, Write: true})

	head, err := d.q.Submit(bufs)
	if err != nil {
		return err
	}

	d.headTag[head] = req.Tag
	d.headStatus[head] = statusAddr

	return nil
}

func (d *Device) SubmitRead(req block.Request) error  { return d.submit(req, blkTypeIn) }
func (d *Device) SubmitWrite(req block.Request) error { return d.submit(req, blkTypeOut) }

func (d *Device) SubmitFlush(tag uint64) error {
	return d.submit(block.Request{Tag: tag}, blkTypeFlush)
}

func (d *Device) Notify() {
	if d.q.NeedsNotify() {
		*d.notify = 0
	}
}

func (d *Device) PollCompletion() (block.Completion, bool) {
	head, _, ok := d.q.Collect()
	if !ok {
		return block.Completion{}, false
	}

	status := *(*byte)(unsafe.Pointer(d.headStatus[head]))

	kind := block.Done
	var err error
	switch status {
	case blkStatusOK:
	case blkStatusIOErr, blkStatusUnsupp:
		kind = block.Failed
		err = fmt.Errorf("%w: device status %#x", block.ErrDeviceError, status)
	default:
		// Still the 0xff sentinel (or an unrecognized status): the
		// device finished the descriptor chain without writing one of
		// the three status codes VIRTIO 1.2 §5.2.6 defines, which is
		// itself a device error.
		kind = block.Failed
		err = fmt.Errorf("%w: unexpected device status %#x", block.ErrDeviceError, status)
	}

	return block.Completion{Tag: d.headTag[head], Kind: kind, Err: err}, true
}

// freeScratch carves a small per-request buffer out of the tail of the
// queue's DMA region. MorpheusX issues requests one at a time per queue
// (spec §5: never more than one request in flight per device at a time
// from a single state machine), so a simple bump allocator that wraps at
// the region boundary is sufficient.
func (d *Device) freeScratch(n int) (cpuAddr uintptr, busAddr uint64, err error) {
	const scratchBase = queueSize*16 + 6 + 2*queueSize + 6 + 8*queueSize
	off := scratchBase + d.scratchCursor
	d.scratchCursor += n
	if d.scratchCursor > d.region.Size-scratchBase {
		d.scratchCursor = 0
		off = scratchBase
	}

	return d.region.Sub(off, n)
}
