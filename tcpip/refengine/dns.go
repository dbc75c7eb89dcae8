package refengine

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/morpheusx-boot/morpheusx/tcpip"
)

const (
	dnsServerPort = 53
	dnsClientPort = 53000 // fixed ephemeral port; this engine runs one query at a time

	dnsTypeA     = 1
	dnsClassINET = 1
)

type dnsQuery struct {
	name    string
	id      uint16
	resolved netip.Addr
	done    bool
	failed  bool
}

// dnsSend is a query still waiting for its first transmission, queued by
// DNSQuery and flushed by dnsTick once a Device is available.
type dnsSend struct {
	q      *dnsQuery
	server netip.Addr
}

// dnsTick flushes any queries queued since the last Poll, mirroring
// dhcpTick/tcpTick's one-shot-per-iteration shape.
func (e *Engine) dnsTick(dev tcpip.Device) {
	if len(e.pendingDNS) == 0 {
		return
	}

	pending := e.pendingDNS
	e.pendingDNS = nil

	for _, s := range pending {
		e.sendDNSQuery(dev, s.q, s.server)
	}
}

func encodeDNSName(name string) []byte {
	var b []byte

	for _, label := range strings.Split(strings.Trim(name, "."), ".") {
		b = append(b, byte(len(label)))
		b = append(b, label...)
	}

	return append(b, 0)
}

func (e *Engine) buildDNSQuery(q *dnsQuery) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint16(b[0:2], q.id)
	binary.BigEndian.PutUint16(b[2:4], 0x0100) // standard query, recursion desired
	binary.BigEndian.PutUint16(b[4:6], 1)      // QDCOUNT

	b = append(b, encodeDNSName(q.name)...)
	b = append(b, 0, byte(dnsTypeA))
	b = append(b, 0, byte(dnsClassINET))

	return b
}

func (e *Engine) sendDNSQuery(dev tcpip.Device, q *dnsQuery, server netip.Addr) {
	mac, ok := e.resolve(server)
	if !ok {
		mac = broadcastMAC
	}

	pkt := e.buildDNSQuery(q)
	e.sendIPv4(dev, mac, ipProtoUDP, server, wrapUDP(dnsClientPort, dnsServerPort, pkt))
}

// skipDNSName advances past a (possibly compressed) name starting at off
// and returns the offset immediately after it.
func skipDNSName(b []byte, off int) int {
	for off < len(b) {
		l := int(b[off])
		if l == 0 {
			return off + 1
		}
		if l&0xc0 == 0xc0 {
			return off + 2
		}
		off += 1 + l
	}
	return off
}

func (e *Engine) handleDNSResponse(b []byte) {
	if len(b) < 12 {
		return
	}

	id := binary.BigEndian.Uint16(b[0:2])
	flags := binary.BigEndian.Uint16(b[2:4])
	ancount := binary.BigEndian.Uint16(b[6:8])

	var q *dnsQuery
	for _, cand := range e.dnsReq {
		if cand.id == id {
			q = cand
			break
		}
	}

	if q == nil {
		return
	}

	if flags&0x000f != 0 || ancount == 0 {
		q.done = true
		q.failed = true
		return
	}

	off := skipDNSName(b, 12)
	off += 4 // QTYPE + QCLASS

	for i := uint16(0); i < ancount && off < len(b); i++ {
		off = skipDNSName(b, off)
		if off+10 > len(b) {
			break
		}

		rtype := binary.BigEndian.Uint16(b[off : off+2])
		rdlen := int(binary.BigEndian.Uint16(b[off+8 : off+10]))
		off += 10

		if off+rdlen > len(b) {
			break
		}

		if rtype == dnsTypeA && rdlen == 4 {
			q.resolved = netip.AddrFrom4([4]byte{b[off], b[off+1], b[off+2], b[off+3]})
			q.done = true
			return
		}

		off += rdlen
	}

	q.done = true
	q.failed = true
}
