// Package ahci drives an AHCI 1.3.1 host bus adapter: HBA reset, port
// enumeration and preparation, command issue, and IDENTIFY DEVICE parsing
// (spec §3/§4, component C "AHCI back-end").
package ahci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/cpu"
	"github.com/morpheusx-boot/morpheusx/dma"
)

// hba is the layout of the AHCI generic host control block (AHCI 1.3.1
// §3), mapped directly over BAR5.
type hba struct {
	Cap      uint32
	GHC      uint32
	IS       uint32
	PI       uint32
	VS       uint32
	CCCCtl   uint32
	CCCPorts uint32
	EMLoc    uint32
	EMCtl    uint32
	Cap2     uint32
	BOHC     uint32
}

// port is one port's register block (AHCI 1.3.1 §3.3), starting at
// offset 0x100 + 0x80*n from the HBA base.
type port struct {
	CLB  uint64
	FB   uint64
	IS   uint32
	IE   uint32
	CMD  uint32
	_    uint32
	TFD  uint32
	SIG  uint32
	SSTS uint32
	SCTL uint32
	SERR uint32
	SACT uint32
	CI   uint32
	SNTF uint32
	FBS  uint32
}

const (
	ghcAE = 1 << 31 // AHCI enable
	ghcHR = 1 << 0  // HBA reset

	portCmdST  = 1 << 0 // start
	portCmdFRE = 1 << 4 // FIS receive enable
	portCmdFR  = 1 << 14
	portCmdCR  = 1 << 15

	sstsDETMask    = 0x0f
	sstsDETPresent = 0x03

	sctlIPMMask    = 0xf00
	sctlIPMNoSleep = 0x300 // disable partial and slumber states

	sigATA = 0x00000101

	fisTypeRegH2D  = 0x27
	cmdIdentify    = 0xec
	cmdReadDMAExt  = 0x25
	cmdWriteDMAExt = 0x35
	cmdFlushExt    = 0xea

	cmdHeaderSize = 32
	cmdTableSize  = 256 // cfis(64) + acmd(16) + reserved(48) + prdt(8 entries * 16)
	prdtEntries   = 8

	resetPollLimit = 1_000_000
)

var (
	ErrResetTimeout   = errors.New("ahci: HBA reset timed out")
	ErrNoPorts        = errors.New("ahci: no implemented ports reported a drive")
	ErrPortNotReady   = errors.New("ahci: port did not reach the not-busy state")
	ErrIdentifyFailed = errors.New("ahci: IDENTIFY DEVICE command failed")
)

// fisRegH2D is the host-to-device Register FIS (Serial ATA rev 1.0 §10.3.4).
type fisRegH2D struct {
	FISType  uint8
	Flags    uint8 // bit7: command update
	Command  uint8
	Features uint8

	LBA0    uint8
	LBA1    uint8
	LBA2    uint8
	DevHead uint8

	LBA3       uint8
	LBA4       uint8
	LBA5       uint8
	FeaturesEx uint8

	SectorCount   uint8
	SectorCountEx uint8
	_             uint8
	Control       uint8

	_ [4]uint8
}

type cmdHeader struct {
	Flags uint16
	PRDTL uint16
	PRDBC uint32
	CTBA  uint64
	_     uint64
	_     uint64
}

type prd struct {
	DBA uint64
	_   uint32
	DBC uint32 // byte count minus one, bit31 = interrupt on completion
}

// Port drives one AHCI port with a DMA region holding its command list,
// received-FIS area, and command table (spec §4.1 prepare_port).
type Port struct {
	regs *port

	region *dma.Region
	cmdh   []cmdHeader

	sectorSize  uint32
	sectorCount uint64

	slotTag [32]uint64 // slot -> outstanding request tag
	inUse   [32]bool
}

// Open resets the HBA at base, enumerates its implemented ports, prepares
// the first port that reports a ready ATA drive, and runs IDENTIFY DEVICE
// on it (spec §4.1 "AHCI initialization: reset, enumerate, prepare the
// first ready port, IDENTIFY").
func Open(base uintptr, alloc dma.Allocator) (*Port, error) {
	h := (*hba)(unsafe.Pointer(base))

	if err := resetHBA(h); err != nil {
		return nil, err
	}

	const numPorts = 32
	for i := 0; i < numPorts; i++ {
		if h.PI&(1<<uint32(i)) == 0 {
			continue
		}

		p, err := preparePort(h, i, alloc)
		if err != nil {
			continue
		}

		if err := p.identify(); err != nil {
			continue
		}

		return p, nil
	}

	return nil, ErrNoPorts
}

func resetHBA(h *hba) error {
	h.GHC |= ghcAE

	h.GHC |= ghcHR
	for i := 0; i < resetPollLimit; i++ {
		if h.GHC&ghcHR == 0 {
			return nil
		}
	}

	return ErrResetTimeout
}

func portRegs(h *hba, index int) *port {
	base := uintptr(unsafe.Pointer(h)) + 0x100 + uintptr(index)*0x80
	return (*port)(unsafe.Pointer(base))
}

func preparePort(h *hba, index int, alloc dma.Allocator) (*Port, error) {
	regs := portRegs(h, index)

	det := regs.SSTS & sstsDETMask
	if det != sstsDETPresent {
		return nil, ErrPortNotReady
	}

	if regs.SIG != sigATA {
		return nil, ErrPortNotReady
	}

	// Stop the port, wait for CR/FR to clear, disable link power
	// management (spec §4.1 "disable partial/slumber states").
	regs.CMD &^= portCmdST | portCmdFRE
	for i := 0; i < resetPollLimit; i++ {
		if regs.CMD&(portCmdCR|portCmdFR) == 0 {
			break
		}
	}

	regs.SCTL = regs.SCTL&^uint32(sctlIPMMask) | sctlIPMNoSleep

	region, err := dma.Acquire(alloc, dma.MinSize)
	if err != nil {
		return nil, err
	}

	clbAddr, clbBus, _ := region.Sub(0, 32*cmdHeaderSize)
	_, fbBus, _ := region.Sub(32*cmdHeaderSize, 256)
	_, ctBus, _ := region.Sub(32*cmdHeaderSize+256, 32*cmdTableSize)

	regs.CLB = clbBus
	regs.FB = fbBus

	cmdh := unsafe.Slice((*cmdHeader)(unsafe.Pointer(clbAddr)), 32)
	for i := range cmdh {
		cmdh[i] = cmdHeader{
			PRDTL: prdtEntries,
			CTBA:  ctBus + uint64(i*cmdTableSize),
		}
	}

	regs.CMD |= portCmdFRE
	regs.CMD |= portCmdST

	return &Port{
		regs:   regs,
		region: region,
		cmdh:   cmdh,
	}, nil
}

// identify issues IDENTIFY DEVICE on slot 0 and parses the result into
// sectorSize/sectorCount (spec §4.1 "IDENTIFY DEVICE parsing for
// capacity/sector size").
func (p *Port) identify() error {
	bufAddr, bufBus, err := p.region.Sub(32*cmdHeaderSize+256+32*cmdTableSize, 512)
	if err != nil {
		return err
	}

	fis := fisRegH2D{
		FISType: fisTypeRegH2D,
		Flags:   1 << 7,
		Command: cmdIdentify,
	}

	ctAddr, _, _ := p.region.Sub(32*cmdHeaderSize+256, cmdTableSize)
	*(*fisRegH2D)(unsafe.Pointer(ctAddr)) = fis

	prdSlice := unsafe.Slice((*prd)(unsafe.Pointer(ctAddr + 64 + 16 + 48)), prdtEntries)
	prdSlice[0] = prd{DBA: bufBus, DBC: 511}

	p.cmdh[0].PRDTL = 1
	p.cmdh[0].PRDBC = 0
	p.cmdh[0].Flags = 5 // command FIS length in DWORDs

	cpu.SFence()
	p.regs.CI |= 1

	for i := 0; i < resetPollLimit; i++ {
		if p.regs.CI&1 == 0 {
			break
		}
	}

	if p.regs.CI&1 != 0 {
		return ErrIdentifyFailed
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(bufAddr)), 512)

	words := make([]uint16, 256)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(data[i*2:])
	}

	lba28 := uint32(words[60]) | uint32(words[61])<<16
	lba48 := uint64(words[100]) | uint64(words[101])<<16 | uint64(words[102])<<32 | uint64(words[103])<<48

	p.sectorSize = 512
	p.sectorCount = uint64(lba28)
	if lba48 != 0 {
		p.sectorCount = lba48
	}

	return nil
}

func (p *Port) Info() block.Info {
	return block.Info{
		SectorSize:  p.sectorSize,
		SectorCount: p.sectorCount,
	}
}

// submit issues a 48-bit LBA DMA read or write on the next free command
// slot (spec §4.2 submit_read/submit_write).
func (p *Port) submit(req block.Request, write bool) error {
	if req.StartSector+uint64(len(req.Data))/uint64(p.sectorSize) > p.sectorCount {
		return block.ErrInvalidSector
	}

	slot := p.freeSlot()
	if slot < 0 {
		return block.ErrQueueFull
	}

	cmd := uint8(cmdReadDMAExt)
	if write {
		cmd = uint8(cmdWriteDMAExt)
	}

	lba := req.StartSector
	fis := fisRegH2D{
		FISType:     fisTypeRegH2D,
		Flags:       1 << 7,
		Command:     cmd,
		LBA0:        uint8(lba),
		LBA1:        uint8(lba >> 8),
		LBA2:        uint8(lba >> 16),
		DevHead:     0x40,
		LBA3:        uint8(lba >> 24),
		LBA4:        uint8(lba >> 32),
		LBA5:        uint8(lba >> 40),
		SectorCount: uint8(len(req.Data) / int(p.sectorSize)),
	}

	ctAddr, _, err := p.region.Sub(32*cmdHeaderSize+256+slot*cmdTableSize, cmdTableSize)
	if err != nil {
		return err
	}

	*(*fisRegH2D)(unsafe.Pointer(ctAddr)) = fis

	dataAddr := uintptr(unsafe.Pointer(&req.Data[0]))
	dataBus := uint64(dataAddr) // identity mapped, per spec §3.1

	prdSlice := unsafe.Slice((*prd)(unsafe.Pointer(ctAddr + 64 + 16 + 48)), prdtEntries)
	prdSlice[0] = prd{DBA: dataBus, DBC: uint32(len(req.Data) - 1)}

	flags := uint16(5)
	if write {
		flags |= 1 << 6
	}

	p.cmdh[slot].Flags = flags
	p.cmdh[slot].PRDTL = 1
	p.cmdh[slot].PRDBC = 0

	p.slotTag[slot] = req.Tag
	p.inUse[slot] = true

	cpu.SFence()

	p.regs.CI |= 1 << uint32(slot)

	return nil
}

func (p *Port) SubmitRead(req block.Request) error  { return p.submit(req, false) }
func (p *Port) SubmitWrite(req block.Request) error { return p.submit(req, true) }

func (p *Port) SubmitFlush(tag uint64) error {
	slot := p.freeSlot()
	if slot < 0 {
		return block.ErrQueueFull
	}

	fis := fisRegH2D{FISType: fisTypeRegH2D, Flags: 1 << 7, Command: cmdFlushExt}

	ctAddr, _, err := p.region.Sub(32*cmdHeaderSize+256+slot*cmdTableSize, cmdTableSize)
	if err != nil {
		return err
	}

	*(*fisRegH2D)(unsafe.Pointer(ctAddr)) = fis

	p.cmdh[slot].Flags = 5
	p.cmdh[slot].PRDTL = 0
	p.slotTag[slot] = tag
	p.inUse[slot] = true

	cpu.SFence()
	p.regs.CI |= 1 << uint32(slot)

	return nil
}

// Notify is a no-op for AHCI: CI is written directly on submit, there is
// no separate doorbell (AHCI §5.5.1 "software writes CI to issue a
// command").
func (p *Port) Notify() {}

func (p *Port) PollCompletion() (block.Completion, bool) {
	ci := p.regs.CI

	for slot := 0; slot < 32; slot++ {
		if !p.inUse[slot] {
			continue
		}

		if ci&(1<<uint32(slot)) != 0 {
			continue // still in flight
		}

		tag := p.slotTag[slot]
		p.inUse[slot] = false

		kind := block.Done
		var err error
		if p.regs.TFD&0x01 != 0 { // ERR bit
			kind = block.Failed
			err = fmt.Errorf("%w: port TFD=%#x", block.ErrDeviceError, p.regs.TFD)
		}

		return block.Completion{Tag: tag, Kind: kind, Err: err}, true
	}

	return block.Completion{}, false
}

func (p *Port) freeSlot() int {
	for i := range p.inUse {
		if !p.inUse[i] {
			return i
		}
	}

	return -1
}
