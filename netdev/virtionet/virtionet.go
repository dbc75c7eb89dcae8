// Package virtionet drives a modern (PCI transport, VirtIO 1.2) VirtIO
// network device: feature negotiation, an RX and a TX virtqueue, and the
// 12-byte VirtIO-net header every frame carries on the wire (spec §4.3
// "VirtIO-net initialization", component F).
package virtionet

import (
	"errors"
	"unsafe"

	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/netdev"
	"github.com/morpheusx-boot/morpheusx/pci"
	"github.com/morpheusx-boot/morpheusx/virtio"
	"github.com/morpheusx-boot/morpheusx/virtio/virtq"
)

// commonCfg is struct virtio_pci_common_cfg (VIRTIO 1.2 §4.1.4.3), the
// same layout block/virtioblk.commonCfg uses.
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
	// Required/desired/forbidden feature sets, spec §4.3 step 4.
	requiredFeatures  = virtio.FVersion1
	desiredFeatures   = virtio.FMAC | virtio.FStatus
	forbiddenFeatures = virtio.FTSO4 | virtio.FTSO6 | virtio.FUFO | virtio.FMrgRxbuf | virtio.FCtrlVQ

	rxQueueIndex = 0
	txQueueIndex = 1
	queueSize    = 256

	resetPollLimit = 1_000_000

	// netHdrSize is struct virtio_net_hdr without any of the optional
	// mergeable-buffer or multiqueue extensions (VIRTIO 1.2 §5.1.6),
	// sent zeroed since MorpheusX negotiates none of the features that
	// give its fields meaning.
	netHdrSize = 12

	rxBufSize = netHdrSize + netdev.MaxFrameSize

	linkUpBit = 1 // VIRTIO_NET_S_LINK_UP in the device-specific config
)

var (
	ErrNotANetworkDevice = errors.New("virtionet: PCI device is not a virtio-net device")
	ErrCommonCfgMissing  = errors.New("virtionet: device has no common configuration capability")
	ErrFeaturesNotOK     = errors.New("virtionet: FEATURES_OK did not stick")
	ErrResetTimeout      = errors.New("virtionet: device did not clear status within the poll budget")
)

// Device drives one virtio-net device: an RX and a TX virtqueue (spec
// §4.3 step 6) plus fixed-size per-descriptor buffer pools, since every
// frame needs a 12-byte header the caller's buffer does not carry.
type Device struct {
	rx       *virtq.Queue
	tx       *virtq.Queue
	rxNotify *uint16
	txNotify *uint16

	region *dma.Region

	mac    [6]byte
	linkUp bool

	rxBufBase uintptr
	rxBufBus  uint64
	rxFilled  int

	txBufBase  uintptr
	txBufBus   uint64
	txInFlight [queueSize]bool
}

// Open brings up dev following spec §4.3's nine-step VirtIO-net
// initialization, in order.
func Open(acc pci.Accessor, dev pci.Device, bars [6]uintptr, alloc dma.Allocator) (*Device, error) {
	if dev.VendorID != virtio.PCIVendorID || dev.DeviceID != virtio.PCIDeviceIDBase+uint16(virtio.NetworkDeviceID) {
		return nil, ErrNotANetworkDevice
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

	// Step 1: reset, poll for the status register to read back 0.
	cfg.DeviceStatus = 0
	for i := 0; cfg.DeviceStatus != 0; i++ {
		if i >= resetPollLimit {
			return nil, ErrResetTimeout
		}
	}

	// Steps 2-3: ACKNOWLEDGE, then DRIVER.
	cfg.DeviceStatus |= virtio.StatusAcknowledge
	cfg.DeviceStatus |= virtio.StatusDriver

	// Step 4: negotiate features.
	cfg.DeviceFeatureSelect = 1
	hi := cfg.DeviceFeature
	cfg.DeviceFeatureSelect = 0
	lo := cfg.DeviceFeature
	deviceFeatures := uint64(hi)<<32 | uint64(lo)

	negotiated := (requiredFeatures | (desiredFeatures & deviceFeatures)) &^ forbiddenFeatures

	cfg.DriverFeatureSelect = 0
	cfg.DriverFeature = uint32(negotiated)
	cfg.DriverFeatureSelect = 1
	cfg.DriverFeature = uint32(negotiated >> 32)

	// Step 5: FEATURES_OK, then verify it stuck.
	cfg.DeviceStatus |= virtio.StatusFeaturesOK
	if cfg.DeviceStatus&virtio.StatusFeaturesOK == 0 {
		cfg.DeviceStatus |= virtio.StatusFailed
		return nil, ErrFeaturesNotOK
	}

	region, err := dma.Acquire(alloc, dma.MinSize)
	if err != nil {
		return nil, err
	}

	d := &Device{region: region}

	// Step 6: configure RX then TX virtqueues.
	perQueue := queueSize*16 + (6 + 2*queueSize) + (6 + 8*queueSize)

	d.rx, d.rxNotify, err = setupQueue(cfg, region, notifyBase, rxQueueIndex, 0)
	if err != nil {
		return nil, err
	}

	d.tx, d.txNotify, err = setupQueue(cfg, region, notifyBase, txQueueIndex, perQueue)
	if err != nil {
		return nil, err
	}

	// Buffer pools live after both rings: RX pool first, TX pool after.
	ringBytes := 2 * perQueue
	d.rxBufBase, d.rxBufBus, err = region.Sub(ringBytes, queueSize*rxBufSize)
	if err != nil {
		return nil, err
	}
	d.txBufBase, d.txBufBus, err = region.Sub(ringBytes+queueSize*rxBufSize, queueSize*rxBufSize)
	if err != nil {
		return nil, err
	}

	// Step 7: pre-fill the RX queue, then notify.
	d.RefillRX()
	if d.rx.NeedsNotify() {
		*d.rxNotify = rxQueueIndex
	}

	// Step 8: DRIVER_OK.
	cfg.DeviceStatus |= virtio.StatusDriverOK

	// Step 9: read the MAC from device_cfg if negotiated, else fabricate
	// a locally-administered one.
	if negotiated&virtio.FMAC != 0 {
		macBuf := unsafe.Slice((*byte)(unsafe.Pointer(deviceCfg)), 6)
		copy(d.mac[:], macBuf)
	} else {
		d.mac = [6]byte{0x02, 0x00, 0x00, 0x4d, 0x58, 0x30}
	}

	d.linkUp = true
	if negotiated&virtio.FStatus != 0 {
		statusField := (*uint16)(unsafe.Pointer(deviceCfg + 6))
		d.linkUp = *statusField&linkUpBit != 0
	}

	return d, nil
}

// setupQueue allocates and programs one virtqueue at region offset off,
// returning its notify MMIO pointer.
func setupQueue(cfg *commonCfg, region *dma.Region, notifyBase uintptr, index uint16, off int) (*virtq.Queue, *uint16, error) {
	const (
		descBytes  = queueSize * 16
		availBytes = 6 + 2*queueSize
		usedBytes  = 6 + 8*queueSize
	)

	descAddr, descBus, err := region.Sub(off, descBytes)
	if err != nil {
		return nil, nil, err
	}
	availAddr, availBus, err := region.Sub(off+descBytes, availBytes)
	if err != nil {
		return nil, nil, err
	}
	usedAddr, usedBus, err := region.Sub(off+descBytes+availBytes, usedBytes)
	if err != nil {
		return nil, nil, err
	}

	cfg.QueueSelect = index
	cfg.QueueSize = queueSize
	cfg.QueueDesc = descBus
	cfg.QueueDriver = availBus
	cfg.QueueDevice = usedBus
	cfg.QueueEnable = 1

	notifyAddr := notifyBase + uintptr(cfg.QueueNotifyOff)

	q, err := virtq.New(unsafe.Pointer(descAddr), unsafe.Pointer(availAddr), unsafe.Pointer(usedAddr), queueSize, notifyAddr)
	if err != nil {
		return nil, nil, err
	}

	return q, (*uint16)(unsafe.Pointer(notifyAddr)), nil
}

func (d *Device) MACAddress() [6]byte { return d.mac }

func (d *Device) LinkUp() bool { return d.linkUp }

func (d *Device) CanTransmit() bool { return d.freeTXSlot() >= 0 }

// Transmit copies frame into a driver-owned buffer behind a zeroed
// VirtIO-net header and submits a single descriptor spanning both, per
// spec §4.3's TX path. It does not wait for completion.
func (d *Device) Transmit(frame []byte) error {
	if len(frame) > netdev.MaxFrameSize {
		return netdev.ErrFrameTooLarge
	}

	slot := d.freeTXSlot()
	if slot < 0 {
		return netdev.ErrQueueFull
	}

	cpuAddr := d.txBufBase + uintptr(slot)*rxBufSize
	busAddr := d.txBufBus + uint64(slot)*rxBufSize

	hdr := unsafe.Slice((*byte)(unsafe.Pointer(cpuAddr)), netHdrSize)
	for i := range hdr {
		hdr[i] = 0
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(cpuAddr+netHdrSize)), len(frame)), frame)

	if _, err := d.tx.Submit([]virtq.Buffer{
		{Addr: busAddr, Len: netHdrSize + uint32(len(frame))},
	}); err != nil {
		return err
	}

	d.txInFlight[slot] = true

	if d.tx.NeedsNotify() {
		*d.txNotify = txQueueIndex
	}

	return nil
}

// Receive copies one pending frame (header stripped) into buf, immediately
// re-submitting the emptied buffer, per spec §4.3's RX path.
func (d *Device) Receive(buf []byte) (n int, ok bool) {
	head, written, ok := d.rx.Collect()
	if !ok {
		return 0, false
	}

	cpuAddr := d.rxBufBase + uintptr(head)*rxBufSize
	frameLen := int(written) - netHdrSize
	if frameLen < 0 {
		frameLen = 0
	}
	if frameLen > len(buf) {
		frameLen = len(buf)
	}

	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(cpuAddr+netHdrSize)), frameLen))

	d.submitRXSlot(head)
	if d.rx.NeedsNotify() {
		*d.rxNotify = rxQueueIndex
	}

	return frameLen, true
}

// RefillRX submits every not-yet-submitted RX buffer. Descriptor index and
// buffer-pool index coincide one-to-one here: the free list starts
// sequential (0, 1, 2, ...) and Collect always returns a descriptor to the
// front of the free list, so the next Submit reuses the exact descriptor
// just freed (spec §4.3 step 7, main-loop phase 1).
func (d *Device) RefillRX() {
	for d.rxFilled < queueSize {
		busAddr := d.rxBufBus + uint64(d.rxFilled)*rxBufSize
		if _, err := d.rx.Submit([]virtq.Buffer{{Addr: busAddr, Len: rxBufSize, Write: true}}); err != nil {
			return
		}
		d.rxFilled++
	}
}

func (d *Device) submitRXSlot(slot uint16) {
	busAddr := d.rxBufBus + uint64(slot)*rxBufSize
	_, _ = d.rx.Submit([]virtq.Buffer{{Addr: busAddr, Len: rxBufSize, Write: true}})
}

// CollectTX reaps completed transmit descriptors, marking their buffer
// slots free again.
func (d *Device) CollectTX() {
	for {
		head, _, ok := d.tx.Collect()
		if !ok {
			return
		}
		if int(head) < len(d.txInFlight) {
			d.txInFlight[head] = false
		}
	}
}

func (d *Device) freeTXSlot() int {
	for i, inFlight := range d.txInFlight {
		if !inFlight {
			return i
		}
	}
	return -1
}
