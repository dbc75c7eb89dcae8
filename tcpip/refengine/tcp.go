package refengine

import (
	"encoding/binary"
	"net/netip"

	"github.com/morpheusx-boot/morpheusx/tcpip"
)

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10

	tcpHeaderLen = 20
)

type tcpHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

func parseTCP(b []byte) (tcpHeader, []byte, bool) {
	if len(b) < tcpHeaderLen {
		return tcpHeader{}, nil, false
	}

	h := tcpHeader{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   b[13],
		Window:  binary.BigEndian.Uint16(b[14:16]),
	}

	off := int(b[12]>>4) * 4
	if off < tcpHeaderLen || off > len(b) {
		off = tcpHeaderLen
	}

	return h, b[off:], true
}

func buildTCP(h tcpHeader, src, dst netip.Addr, payload []byte) []byte {
	total := tcpHeaderLen + len(payload)
	b := make([]byte, total)

	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = 5 << 4
	b[13] = h.Flags
	window := h.Window
	if window == 0 {
		window = 65535
	}
	binary.BigEndian.PutUint16(b[14:16], window)
	copy(b[tcpHeaderLen:], payload)

	binary.BigEndian.PutUint16(b[16:18], tcpChecksum(src, dst, b))

	return b
}

// tcpChecksum covers the RFC 793 pseudo-header (source/dest address,
// protocol, segment length) plus the segment itself, unlike UDP's
// optional checksum.
func tcpChecksum(src, dst netip.Addr, segment []byte) uint16 {
	pseudo := make([]byte, 12)
	srcB := src.As4()
	dstB := dst.As4()
	copy(pseudo[0:4], srcB[:])
	copy(pseudo[4:8], dstB[:])
	pseudo[9] = ipProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	return internetChecksum(append(pseudo, segment...))
}

// tcpConn is one TCP connection, either actively opened via TCPConnect
// (server == false) or accepted on the HTTP server's listening port
// (server == true). There is no retransmission queue: hostsim's
// loopback NIC pair never drops a frame, so every segment this engine
// sends is assumed delivered.
type tcpConn struct {
	remote    netip.AddrPort
	remoteMAC [6]byte
	localPort uint16
	server    bool

	state tcpip.ConnState

	sndNext uint32
	rcvNext uint32

	needSYN    bool
	needSYNACK bool
	needFIN    bool

	sendBuf []byte
	recvBuf []byte

	httpRequestSeen bool
	httpResponseSent bool
}

// HTTPServerConfig turns a reference engine into a minimal HTTP/1.1
// server answering any request on Port with a fixed 200 response body
// (hostsim only — used to exercise bootstate's HttpDownloadState).
type HTTPServerConfig struct {
	Port uint16
	Body []byte
}

func (e *Engine) sendARPRequest(dev tcpip.Device, target netip.Addr) {
	req := arpPacket{
		HWType:    1,
		ProtoType: etherTypeIPv4,
		HWLen:     6,
		ProtoLen:  4,
		Op:        arpOpRequest,
		SenderMAC: e.mac,
		TargetIP:  target.As4(),
	}

	if e.ip.IsValid() {
		req.SenderIP = e.ip.As4()
	}

	sendFrame(dev, nil, broadcastMAC, e.mac, etherTypeARP, req.encode())
}

func (e *Engine) sendTCP(dev tcpip.Device, c *tcpConn, flags uint8, payload []byte) {
	h := tcpHeader{
		SrcPort: c.localPort,
		DstPort: c.remote.Port(),
		Seq:     c.sndNext,
		Ack:     c.rcvNext,
		Flags:   flags,
	}

	seg := buildTCP(h, e.ip, c.remote.Addr(), payload)
	sendFrame(dev, nil, c.remoteMAC, e.mac, etherTypeIPv4, buildIPv4(ipProtoTCP, e.ip, c.remote.Addr(), 0, seg))

	c.sndNext += uint32(len(payload))
	if flags&(tcpFlagSYN|tcpFlagFIN) != 0 {
		c.sndNext++
	}
}

// tcpTick drives every connection's pending action (SYN, SYN-ACK, FIN,
// queued data) once per Poll, the same one-shot-per-iteration shape as
// dhcpTick.
func (e *Engine) tcpTick(dev tcpip.Device) {
	for _, c := range e.conns {
		mac, ok := e.resolve(c.remote.Addr())
		if !ok {
			e.sendARPRequest(dev, c.remote.Addr())
			continue
		}
		c.remoteMAC = mac

		switch {
		case c.needSYN:
			c.needSYN = false
			e.sendTCP(dev, c, tcpFlagSYN, nil)
		case c.needSYNACK:
			c.needSYNACK = false
			e.sendTCP(dev, c, tcpFlagSYN|tcpFlagACK, nil)
		case len(c.sendBuf) > 0:
			data := c.sendBuf
			c.sendBuf = nil
			e.sendTCP(dev, c, tcpFlagACK|tcpFlagPSH, data)
		case c.needFIN:
			c.needFIN = false
			e.sendTCP(dev, c, tcpFlagFIN|tcpFlagACK, nil)
		}
	}

	if e.httpServer != nil {
		e.httpTick(dev)
	}
}

func (e *Engine) httpTick(dev tcpip.Device) {
	for _, c := range e.conns {
		if !c.server || !c.httpRequestSeen || c.httpResponseSent {
			continue
		}

		c.httpResponseSent = true
		c.sendBuf = e.httpServer.Body
		c.needFIN = true
	}
}

func (e *Engine) findConn(localPort uint16, remote netip.AddrPort) *tcpConn {
	for _, c := range e.conns {
		if c.localPort == localPort && c.remote == remote {
			return c
		}
	}
	return nil
}

func (e *Engine) handleTCP(dev tcpip.Device, srcMAC [6]byte, ip ipv4Header, b []byte) error {
	h, payload, ok := parseTCP(b)
	if !ok {
		return nil
	}

	remote := netip.AddrPortFrom(ip.Src, h.SrcPort)

	if e.httpServer != nil && h.DstPort == e.httpServer.Port {
		return e.handleServerSegment(dev, srcMAC, remote, h, payload)
	}

	c := e.findConn(h.DstPort, remote)
	if c == nil {
		return nil
	}

	return e.handleClientSegment(dev, srcMAC, h, payload, c)
}

func (e *Engine) handleServerSegment(dev tcpip.Device, srcMAC [6]byte, remote netip.AddrPort, h tcpHeader, payload []byte) error {
	c := e.findConn(h.DstPort, remote)

	switch {
	case h.Flags&tcpFlagSYN != 0 && c == nil:
		handle := e.nextConn
		e.nextConn++

		c = &tcpConn{
			remote:    remote,
			remoteMAC: srcMAC,
			localPort: h.DstPort,
			server:    true,
			state:     tcpip.ConnEstablished,
			sndNext:   uint32(e.now),
			rcvNext:   h.Seq + 1,
			needSYNACK: true,
		}
		e.conns[handle] = c

	case c == nil:
		return nil

	case h.Flags&tcpFlagACK != 0 && len(payload) == 0 && c.state == tcpip.ConnEstablished && !c.httpRequestSeen:
		// bare ACK completing the handshake, request not sent yet

	case len(payload) > 0:
		c.rcvNext = h.Seq + uint32(len(payload))
		c.httpRequestSeen = true
		e.sendTCP(dev, c, tcpFlagACK, nil)

	case h.Flags&tcpFlagFIN != 0:
		c.rcvNext = h.Seq + 1
		c.state = tcpip.ConnClosed
		e.sendTCP(dev, c, tcpFlagACK, nil)
	}

	return nil
}

func (e *Engine) handleClientSegment(dev tcpip.Device, srcMAC [6]byte, h tcpHeader, payload []byte, c *tcpConn) error {
	c.remoteMAC = srcMAC

	switch {
	case h.Flags&tcpFlagSYN != 0 && h.Flags&tcpFlagACK != 0 && c.state == tcpip.ConnConnecting:
		c.rcvNext = h.Seq + 1
		c.state = tcpip.ConnEstablished
		e.sendTCP(dev, c, tcpFlagACK, nil)

	case h.Flags&tcpFlagRST != 0:
		c.state = tcpip.ConnError

	case len(payload) > 0:
		c.recvBuf = append(c.recvBuf, payload...)
		c.rcvNext = h.Seq + uint32(len(payload))
		e.sendTCP(dev, c, tcpFlagACK, nil)

	case h.Flags&tcpFlagFIN != 0:
		c.rcvNext = h.Seq + 1
		c.state = tcpip.ConnClosing
		e.sendTCP(dev, c, tcpFlagACK, nil)
	}

	return nil
}
