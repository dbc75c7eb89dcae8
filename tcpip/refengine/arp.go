package refengine

import (
	"encoding/binary"
	"net/netip"

	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// arpPacket is the on-wire layout of an Ethernet/IPv4 ARP message
// (RFC 826), fixed at 28 bytes.
type arpPacket struct {
	HWType      uint16
	ProtoType   uint16
	HWLen       uint8
	ProtoLen    uint8
	Op          uint16
	SenderMAC   [6]byte
	SenderIP    [4]byte
	TargetMAC   [6]byte
	TargetIP    [4]byte
}

const (
	arpOpRequest = 1
	arpOpReply   = 2

	arpLen = 28
)

func parseARP(b []byte) (arpPacket, bool) {
	if len(b) < arpLen {
		return arpPacket{}, false
	}

	var p arpPacket
	p.HWType = binary.BigEndian.Uint16(b[0:2])
	p.ProtoType = binary.BigEndian.Uint16(b[2:4])
	p.HWLen = b[4]
	p.ProtoLen = b[5]
	p.Op = binary.BigEndian.Uint16(b[6:8])
	copy(p.SenderMAC[:], b[8:14])
	copy(p.SenderIP[:], b[14:18])
	copy(p.TargetMAC[:], b[18:24])
	copy(p.TargetIP[:], b[24:28])

	return p, true
}

func (p arpPacket) encode() []byte {
	b := make([]byte, arpLen)
	binary.BigEndian.PutUint16(b[0:2], p.HWType)
	binary.BigEndian.PutUint16(b[2:4], p.ProtoType)
	b[4] = p.HWLen
	b[5] = p.ProtoLen
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderMAC[:])
	copy(b[14:18], p.SenderIP[:])
	copy(b[18:24], p.TargetMAC[:])
	copy(b[24:28], p.TargetIP[:])
	return b
}

func (e *Engine) handleARP(dev tcpip.Device, srcMAC []byte, payload []byte, tx tcpip.TxToken) error {
	p, ok := parseARP(payload)
	if !ok || p.Op != arpOpRequest {
		return nil
	}

	target := netip.AddrFrom4(p.TargetIP)
	if !e.ip.IsValid() || target != e.ip {
		return nil
	}

	e.arp[netip.AddrFrom4(p.SenderIP)] = p.SenderMAC

	reply := arpPacket{
		HWType:    1,
		ProtoType: etherTypeIPv4,
		HWLen:     6,
		ProtoLen:  4,
		Op:        arpOpReply,
		SenderMAC: e.mac,
		SenderIP:  p.TargetIP,
		TargetMAC: p.SenderMAC,
		TargetIP:  p.SenderIP,
	}

	return sendFrame(dev, tx, p.SenderMAC, e.mac, etherTypeARP, reply.encode())
}

// resolve returns dst's MAC if already known; ARP resolution for unknown
// peers is skipped in this reference engine because hostsim's loopback
// pair only ever has two participants, pre-seeded via DHCP/static config.
func (e *Engine) resolve(dst netip.Addr) ([6]byte, bool) {
	mac, ok := e.arp[dst]
	return mac, ok
}
