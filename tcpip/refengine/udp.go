package refengine

import (
	"encoding/binary"

	"github.com/morpheusx-boot/morpheusx/tcpip"
)

const udpHeaderLen = 8

// wrapUDP builds a UDP datagram with the checksum left zero, which RFC
// 768 explicitly permits over IPv4 ("If the computed checksum is zero,
// it is transmitted as all ones... [a header] value of zero means that
// the checksum was not computed") — acceptable here since this engine
// never runs on a real, lossy link.
func wrapUDP(srcPort, dstPort uint16, payload []byte) []byte {
	b := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)))
	copy(b[udpHeaderLen:], payload)
	return b
}

func parseUDP(b []byte) (srcPort, dstPort uint16, payload []byte, ok bool) {
	if len(b) < udpHeaderLen {
		return 0, 0, nil, false
	}

	srcPort = binary.BigEndian.Uint16(b[0:2])
	dstPort = binary.BigEndian.Uint16(b[2:4])
	length := binary.BigEndian.Uint16(b[4:6])

	end := int(length)
	if end < udpHeaderLen || end > len(b) {
		end = len(b)
	}

	return srcPort, dstPort, b[udpHeaderLen:end], true
}

func (e *Engine) handleUDP(dev tcpip.Device, ip ipv4Header, b []byte) error {
	_, dstPort, payload, ok := parseUDP(b)
	if !ok {
		return nil
	}

	switch dstPort {
	case dhcpClientPort:
		if e.dhcpServer == nil {
			e.handleDHCPClient(payload)
		}
	case dhcpServerPort:
		if e.dhcpServer != nil {
			var srcMAC [6]byte // client identified by chaddr inside the DHCP payload, not the frame
			if len(payload) >= 34 {
				copy(srcMAC[:], payload[28:34])
			}
			e.handleDHCPServer(dev, payload, srcMAC)
		}
	case dnsClientPort:
		e.handleDNSResponse(payload)
	case dnsServerPort:
		// This reference engine never plays DNS server; hostsim's test
		// fixtures resolve names via a static DHCP-advertised DNS
		// record instead of a real query in most tests.
	}

	return nil
}
