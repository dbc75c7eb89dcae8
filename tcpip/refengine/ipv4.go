package refengine

import (
	"encoding/binary"
	"net/netip"

	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// ipv4Header is the fixed 20-byte IPv4 header this engine always emits
// (no options), RFC 791 §3.1.
type ipv4Header struct {
	TotalLen uint16
	ID       uint16
	Proto    uint8
	Src      netip.Addr
	Dst      netip.Addr
}

const ipv4HeaderLen = 20

func parseIPv4(b []byte) (ipv4Header, []byte, bool) {
	if len(b) < ipv4HeaderLen || b[0]>>4 != 4 {
		return ipv4Header{}, nil, false
	}

	ihl := int(b[0]&0x0f) * 4
	if len(b) < ihl {
		return ipv4Header{}, nil, false
	}

	h := ipv4Header{
		TotalLen: binary.BigEndian.Uint16(b[2:4]),
		ID:       binary.BigEndian.Uint16(b[4:6]),
		Proto:    b[9],
		Src:      netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}),
		Dst:      netip.AddrFrom4([4]byte{b[16], b[17], b[18], b[19]}),
	}

	end := int(h.TotalLen)
	if end == 0 || end > len(b) {
		end = len(b)
	}

	return h, b[ihl:end], true
}

func buildIPv4(proto uint8, src, dst netip.Addr, id uint16, payload []byte) []byte {
	total := ipv4HeaderLen + len(payload)
	b := make([]byte, total)

	b[0] = 0x45 // version 4, IHL 5
	b[1] = 0x00 // DSCP/ECN
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], 0) // flags/fragment offset
	b[8] = 64                             // TTL
	b[9] = proto
	srcB := src.As4()
	dstB := dst.As4()
	copy(b[12:16], srcB[:])
	copy(b[16:20], dstB[:])

	binary.BigEndian.PutUint16(b[10:12], internetChecksum(b[:ipv4HeaderLen]))

	copy(b[ipv4HeaderLen:], payload)

	return b
}

func (e *Engine) handleIPv4(dev tcpip.Device, srcMAC []byte, payload []byte) error {
	hdr, body, ok := parseIPv4(payload)
	if !ok {
		return nil
	}

	if e.ip.IsValid() && hdr.Dst != e.ip && hdr.Dst.As4() != [4]byte{255, 255, 255, 255} {
		return nil
	}

	switch hdr.Proto {
	case ipProtoUDP:
		return e.handleUDP(dev, hdr, body)
	case ipProtoTCP:
		var mac [6]byte
		copy(mac[:], srcMAC)
		return e.handleTCP(dev, mac, hdr, body)
	default:
		return nil
	}
}

func (e *Engine) sendIPv4(dev tcpip.Device, dstMAC [6]byte, proto uint8, dst netip.Addr, payload []byte) error {
	src := e.ip
	pkt := buildIPv4(proto, src, dst, 0, payload)
	return sendFrame(dev, nil, dstMAC, e.mac, etherTypeIPv4, pkt)
}
