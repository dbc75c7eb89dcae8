package refengine

import (
	"net/netip"

	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// DHCPDiscover implements tcpip.Engine.
func (e *Engine) DHCPDiscover() error {
	e.dhcpDiscover()
	return nil
}

// DHCPLease implements tcpip.Engine.
func (e *Engine) DHCPLease() (tcpip.DHCPLease, bool) {
	if !e.dhcp.bound {
		return tcpip.DHCPLease{}, false
	}
	return e.dhcp.lease, true
}

// DNSQuery implements tcpip.Engine. It starts a query the first time
// name is seen and keeps returning ok=false until handleDNSResponse (or
// the server's absence of any reply) resolves it; there is no retry or
// timeout here, since bootstate owns that budget.
func (e *Engine) DNSQuery(name string) (netip.Addr, bool, error) {
	q, exists := e.dnsReq[name]
	if !exists {
		q = &dnsQuery{name: name, id: uint16(e.now) | 1}
		e.dnsReq[name] = q

		server := e.dhcp.lease.DNS
		if !server.IsValid() {
			return netip.Addr{}, false, tcpip.ErrDNSFailed
		}

		e.pendingDNS = append(e.pendingDNS, dnsSend{q: q, server: server})
		return netip.Addr{}, false, nil
	}

	if !q.done {
		return netip.Addr{}, false, nil
	}

	if q.failed {
		return netip.Addr{}, false, tcpip.ErrDNSFailed
	}

	return q.resolved, true, nil
}

// TCPConnect implements tcpip.Engine. The SYN itself is sent on the next
// Poll's tcpTick, once ARP resolution (if needed) completes.
func (e *Engine) TCPConnect(remote netip.AddrPort) (tcpip.Handle, error) {
	h := e.nextConn
	e.nextConn++

	e.conns[h] = &tcpConn{
		remote:    remote,
		localPort: 50000 + uint16(h),
		state:     tcpip.ConnConnecting,
		sndNext:   uint32(e.now),
		needSYN:   true,
	}

	return h, nil
}

// TCPState implements tcpip.Engine.
func (e *Engine) TCPState(h tcpip.Handle) tcpip.ConnState {
	c, ok := e.conns[h]
	if !ok {
		return tcpip.ConnError
	}
	return c.state
}

// TCPSend implements tcpip.Engine. It accepts the whole of data into the
// connection's one-shot send buffer; a send already pending is
// backpressure (n=0), since this reference engine has no retransmission
// queue to append onto safely.
func (e *Engine) TCPSend(h tcpip.Handle, data []byte) (int, error) {
	c, ok := e.conns[h]
	if !ok {
		return 0, tcpip.ErrNoSuchConn
	}

	if c.state != tcpip.ConnEstablished {
		return 0, tcpip.ErrConnRefused
	}

	if len(c.sendBuf) > 0 {
		return 0, nil
	}

	c.sendBuf = append(c.sendBuf, data...)
	return len(data), nil
}

// TCPRecv implements tcpip.Engine.
func (e *Engine) TCPRecv(h tcpip.Handle, buf []byte) (int, bool, error) {
	c, ok := e.conns[h]
	if !ok {
		return 0, false, tcpip.ErrNoSuchConn
	}

	if len(c.recvBuf) == 0 {
		if c.state == tcpip.ConnClosing || c.state == tcpip.ConnClosed {
			return 0, true, nil
		}
		return 0, false, nil
	}

	n := copy(buf, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]

	return n, true, nil
}

// TCPClose implements tcpip.Engine.
func (e *Engine) TCPClose(h tcpip.Handle) error {
	c, ok := e.conns[h]
	if !ok {
		return tcpip.ErrNoSuchConn
	}

	c.needFIN = true
	c.state = tcpip.ConnClosing

	return nil
}
