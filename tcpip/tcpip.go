// Package tcpip defines the narrow interface between MorpheusX's NIC
// layer (netdev) and an external TCP/IP protocol engine, plus the
// higher-level socket operations the download state machines in
// bootstate drive (spec §4.3 component G, §6 "TCP/IP adapter").
//
// The real engine this adapts to is out of scope for this repository
// (spec §1, "deliberately out of scope ... the TCP/IP protocol engine,
// consumed via a narrow adapter"); Engine is the shape such an engine
// must present, modeled on smoltcp's Device/RxToken/TxToken split. The
// tcpip/refengine subpackage ships a small reference implementation used
// only by tests and cmd/morpheussim.
package tcpip

import (
	"errors"
	"net/netip"
)

// Medium identifies the physical transport a Device carries frames over.
// MorpheusX only ever has Ethernet, but the type exists because the
// adapter contract (spec §6 capabilities()) names it explicitly.
type Medium int

const MediumEthernet Medium = iota

// Capabilities describes what a Device can carry, reported once at
// startup (spec §6: "capabilities() -> {medium: Ethernet, mtu: 1514,
// burst: 1}").
type Capabilities struct {
	Medium Medium
	MTU    int
	Burst  int
}

// RxToken yields exactly one received Ethernet frame to the engine.
type RxToken interface {
	Consume(fn func(frame []byte) error) error
}

// TxToken lets the engine fill and hand off exactly one outgoing frame.
// Consume does not wait for the NIC to accept it: the frame is queued in
// the adapter's software TX queue and pushed to the NIC in main-loop
// phase 3 (spec §4.4 "TX drain").
type TxToken interface {
	Consume(length int, fn func(frame []byte) error) error
}

// Device is what the engine polls each main-loop iteration (spec §4.4
// phase 2, invariant I-5: exactly once per iteration). Adapter is the
// concrete implementation wrapping a netdev.Device.
type Device interface {
	Capabilities() Capabilities

	// Receive returns the next pending frame, paired with a TxToken the
	// engine may use to send an immediate reply (e.g. an ARP reply),
	// or ok=false if nothing is pending.
	Receive(now uint64) (rx RxToken, tx TxToken, ok bool)

	// Transmit returns a TxToken if the adapter has room to queue
	// another outgoing frame, or ok=false otherwise (spec §7:
	// ErrQueueFull "recovered locally", never surfaced to the engine
	// as an error — the engine just sees no token available and
	// retries next iteration).
	Transmit(now uint64) (tx TxToken, ok bool)
}

// Handle identifies one TCP connection across Engine calls. It has no
// meaning outside the Engine that issued it.
type Handle uint32

// ConnState mirrors spec §3.1's TcpConnState variants, minus their
// embedded timing/identity fields (those live in bootstate, which owns
// the timeout budget for each state — Engine only reports what it
// currently observes).
type ConnState int

const (
	ConnClosed ConnState = iota
	ConnConnecting
	ConnEstablished
	ConnClosing
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case ConnClosed:
		return "closed"
	case ConnConnecting:
		return "connecting"
	case ConnEstablished:
		return "established"
	case ConnClosing:
		return "closing"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// DHCPLease is what the engine reports once its DHCP client reaches the
// Bound state (spec §3.1 DhcpState.Bound).
type DHCPLease struct {
	IP      netip.Addr
	Gateway netip.Addr
	DNS     netip.Addr
}

// Engine is the narrow surface MorpheusX needs from an external TCP/IP
// stack: exactly one poll entry point (invariant I-5) plus the DHCP/DNS/
// TCP operations bootstate's state machines drive. Every method here is
// non-blocking: a connect, send, or DNS query that hasn't resolved yet is
// observed on a later call, never waited for (spec §5 "no suspension
// points").
type Engine interface {
	// Poll advances every protocol state machine by inspecting dev
	// exactly once: refilling from Receive, queuing replies via
	// Transmit. Called from main-loop phase 2 only.
	Poll(now uint64, dev Device) error

	// DHCPDiscover starts (or restarts) a DHCP DISCOVER/REQUEST
	// exchange. Calling it again while one is outstanding is a no-op.
	DHCPDiscover() error

	// DHCPLease reports the current lease, if DHCP has completed.
	DHCPLease() (DHCPLease, bool)

	// DNSQuery starts (or continues) resolving name. ok=false means
	// the answer isn't in yet; err is non-nil only on a definitive
	// failure (NXDOMAIN, malformed response).
	DNSQuery(name string) (addr netip.Addr, ok bool, err error)

	// TCPConnect starts an active open to remote, returning a Handle
	// immediately; connection progress is observed via TCPState.
	TCPConnect(remote netip.AddrPort) (Handle, error)

	TCPState(h Handle) ConnState

	// TCPSend enqueues up to len(data) bytes for transmission,
	// returning how many were accepted (less than len(data) signals
	// backpressure, not an error).
	TCPSend(h Handle, data []byte) (n int, err error)

	// TCPRecv copies up to len(buf) bytes of received stream data into
	// buf. ok=false with n=0 means no data is available right now;
	// ok=true with n=0 means the peer has sent a FIN (clean EOF).
	TCPRecv(h Handle, buf []byte) (n int, ok bool, err error)

	TCPClose(h Handle) error
}

var (
	ErrQueueFull   = errors.New("tcpip: no free transmit slot")
	ErrNoSuchConn  = errors.New("tcpip: unknown connection handle")
	ErrNotBound    = errors.New("tcpip: DHCP lease not yet established")
	ErrDNSFailed   = errors.New("tcpip: name resolution failed")
	ErrConnRefused = errors.New("tcpip: connection refused")
)
