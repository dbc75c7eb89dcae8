// Package refengine is a small, self-contained TCP/IP engine implementing
// the tcpip.Engine contract. It exists only to exercise the rest of
// MorpheusX (bootstate, loop) in tests and in cmd/morpheussim, standing
// in for the real engine spec §1 places out of scope ("the TCP/IP
// protocol engine, consumed via a narrow adapter"). It speaks just enough
// ARP, IPv4, UDP (DHCP, DNS), and TCP to drive the download state
// machines end to end over an in-memory loopback NIC pair; it has no
// retransmission or congestion control, because its only consumers are
// hostsim's fake DHCP/HTTP server and tests that never drop a frame.
package refengine

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/morpheusx-boot/morpheusx/tcpip"
)

const (
	etherTypeARP  = 0x0806
	etherTypeIPv4 = 0x0800

	ipProtoUDP = 17
	ipProtoTCP = 6

	ethHeaderLen = 14
	maxDrainPerPoll = 64
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Engine is a minimal dual-role (client or server) TCP/IP stack. Zero
// value is not usable; construct with New.
type Engine struct {
	mac [6]byte
	ip  netip.Addr // 0.0.0.0 until DHCP completes, or statically assigned on a server Engine

	arp map[netip.Addr][6]byte

	dhcp   dhcpClientState
	dnsReq map[string]*dnsQuery

	conns    map[tcpip.Handle]*tcpConn
	nextConn tcpip.Handle

	pendingDNS []dnsSend

	dhcpServer *DHCPServerConfig
	httpServer *HTTPServerConfig

	now uint64
}

// New constructs a client-role engine identified by mac. Static, if set,
// skips DHCP and pins the engine's IP immediately — used by hostsim's
// server role, which has no DHCP client of its own to run.
func New(mac [6]byte, static netip.Addr) *Engine {
	e := &Engine{
		mac:    mac,
		ip:     static,
		arp:    make(map[netip.Addr][6]byte),
		dnsReq: make(map[string]*dnsQuery),
		conns:  make(map[tcpip.Handle]*tcpConn),
	}

	return e
}

// WithDHCPServer turns e into a DHCP server answering DISCOVER/REQUEST
// from cfg's pool (used only by hostsim, never by MorpheusX itself).
func (e *Engine) WithDHCPServer(cfg DHCPServerConfig) *Engine {
	e.dhcpServer = &cfg
	return e
}

// WithHTTPServer turns e into an HTTP/1.1 server answering any GET with
// cfg's fixed body (used only by hostsim).
func (e *Engine) WithHTTPServer(cfg HTTPServerConfig) *Engine {
	e.httpServer = &cfg
	return e
}

// Poll implements tcpip.Engine. It drains up to maxDrainPerPoll pending
// frames from dev, dispatching each by EtherType, then lets the DHCP
// client (if one is outstanding) and the HTTP server (if configured)
// make time-based progress.
func (e *Engine) Poll(now uint64, dev tcpip.Device) error {
	e.now = now

	for i := 0; i < maxDrainPerPoll; i++ {
		rx, tx, ok := dev.Receive(now)
		if !ok {
			break
		}

		if err := rx.Consume(func(frame []byte) error {
			return e.handleFrame(dev, frame, tx)
		}); err != nil {
			return err
		}
	}

	if e.dhcpServer != nil {
		// Server role has nothing time-based to do between frames.
		e.tcpTick(dev)
		return nil
	}

	e.dhcpTick(dev)
	e.dnsTick(dev)
	e.tcpTick(dev)

	return nil
}

func (e *Engine) handleFrame(dev tcpip.Device, frame []byte, replyTx tcpip.TxToken) error {
	if len(frame) < ethHeaderLen {
		return nil
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethHeaderLen:]

	switch etherType {
	case etherTypeARP:
		return e.handleARP(dev, frame[6:12], payload, replyTx)
	case etherTypeIPv4:
		return e.handleIPv4(dev, frame[6:12], payload)
	default:
		return nil
	}
}

func sendFrame(dev tcpip.Device, tx tcpip.TxToken, dstMAC [6]byte, srcMAC [6]byte, etherType uint16, payload []byte) error {
	if tx == nil {
		var ok bool
		tx, ok = dev.Transmit(nowMillis())
		if !ok {
			return tcpip.ErrQueueFull
		}
	}

	return tx.Consume(ethHeaderLen+len(payload), func(buf []byte) error {
		copy(buf[0:6], dstMAC[:])
		copy(buf[6:12], srcMAC[:])
		binary.BigEndian.PutUint16(buf[12:14], etherType)
		copy(buf[ethHeaderLen:], payload)
		return nil
	})
}

// nowMillis is used only as a Transmit() timestamp argument, which
// Adapter.Transmit does not actually consult; the real timestamp
// authority is the main loop's TSC-derived now passed into Poll.
func nowMillis() uint64 { return uint64(time.Now().UnixNano()) }

func internetChecksum(data []byte) uint16 {
	var sum uint32

	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}

	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return ^uint16(sum)
}
