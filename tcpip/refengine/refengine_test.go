package refengine

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/morpheusx-boot/morpheusx/netdev"
	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// loopbackNIC implements netdev.Device by handing transmitted frames
// straight to a peer's receive queue, with no loss and no reordering.
type loopbackNIC struct {
	mac  [6]byte
	peer *loopbackNIC
	rx   [][]byte
}

func newLoopbackPair(macA, macB [6]byte) (*loopbackNIC, *loopbackNIC) {
	a := &loopbackNIC{mac: macA}
	b := &loopbackNIC{mac: macB}
	a.peer = b
	b.peer = a
	return a, b
}

func (n *loopbackNIC) MACAddress() [6]byte { return n.mac }
func (n *loopbackNIC) CanTransmit() bool   { return true }
func (n *loopbackNIC) LinkUp() bool        { return true }
func (n *loopbackNIC) RefillRX()           {}
func (n *loopbackNIC) CollectTX()          {}

func (n *loopbackNIC) Transmit(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	n.peer.rx = append(n.peer.rx, cp)
	return nil
}

func (n *loopbackNIC) Receive(buf []byte) (int, bool) {
	if len(n.rx) == 0 {
		return 0, false
	}

	frame := n.rx[0]
	n.rx = n.rx[1:]
	return copy(buf, frame), true
}

var _ netdev.Device = (*loopbackNIC)(nil)

func pollBoth(t *testing.T, clientEngine, serverEngine tcpip.Engine, clientDev, serverDev tcpip.Device, iterations int) {
	t.Helper()

	for i := 0; i < iterations; i++ {
		now := uint64(i) * 10
		if err := serverEngine.Poll(now, serverDev); err != nil {
			t.Fatalf("server poll: %v", err)
		}
		if err := clientEngine.Poll(now, clientDev); err != nil {
			t.Fatalf("client poll: %v", err)
		}
	}
}

func TestDHCPHandshake(t *testing.T) {
	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 1}
	serverMAC := [6]byte{0x02, 0, 0, 0, 0, 2}

	clientNIC, serverNIC := newLoopbackPair(clientMAC, serverMAC)
	clientDev := tcpip.NewAdapter(clientNIC)
	serverDev := tcpip.NewAdapter(serverNIC)

	serverIP := netip.MustParseAddr("10.0.0.1")
	pool := netip.MustParseAddr("10.0.0.50")
	dns := netip.MustParseAddr("10.0.0.1")

	client := New(clientMAC, netip.Addr{})
	server := New(serverMAC, serverIP).WithDHCPServer(DHCPServerConfig{
		ServerIP: serverIP,
		Pool:     pool,
		Gateway:  serverIP,
		DNS:      dns,
	})

	if err := client.DHCPDiscover(); err != nil {
		t.Fatalf("DHCPDiscover: %v", err)
	}

	pollBoth(t, client, server, clientDev, serverDev, 8)

	for i := 0; i < 40; i++ {
		clientDev.DrainTX(16)
		serverDev.DrainTX(16)
		pollBoth(t, client, server, clientDev, serverDev, 1)

		if _, bound := client.DHCPLease(); bound {
			break
		}
	}

	lease, bound := client.DHCPLease()
	if !bound {
		t.Fatal("client never reached a bound DHCP lease")
	}

	if lease.IP != pool {
		t.Fatalf("lease IP = %v, want %v", lease.IP, pool)
	}
	if lease.DNS != dns {
		t.Fatalf("lease DNS = %v, want %v", lease.DNS, dns)
	}
}

func TestHTTPDownload(t *testing.T) {
	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 3}
	serverMAC := [6]byte{0x02, 0, 0, 0, 0, 4}

	clientIP := netip.MustParseAddr("10.0.0.10")
	serverIP := netip.MustParseAddr("10.0.0.1")

	clientNIC, serverNIC := newLoopbackPair(clientMAC, serverMAC)
	clientDev := tcpip.NewAdapter(clientNIC)
	serverDev := tcpip.NewAdapter(serverNIC)

	body := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	client := New(clientMAC, clientIP)
	server := New(serverMAC, serverIP).WithHTTPServer(HTTPServerConfig{Port: 80, Body: body})

	// Seed ARP caches directly; this reference engine has no broadcast
	// discovery loop of its own to exercise here.
	client.arp[serverIP] = serverMAC
	server.arp[clientIP] = clientMAC

	handle, err := client.TCPConnect(netip.AddrPortFrom(serverIP, 80))
	if err != nil {
		t.Fatalf("TCPConnect: %v", err)
	}

	var established bool
	for i := 0; i < 20; i++ {
		pollBoth(t, client, server, clientDev, serverDev, 1)
		clientDev.DrainTX(16)
		serverDev.DrainTX(16)

		if client.TCPState(handle) == tcpip.ConnEstablished {
			established = true
			break
		}
	}
	if !established {
		t.Fatal("connection never reached Established")
	}

	if _, err := client.TCPSend(handle, []byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("TCPSend: %v", err)
	}

	var got []byte
	for i := 0; i < 20; i++ {
		pollBoth(t, client, server, clientDev, serverDev, 1)
		clientDev.DrainTX(16)
		serverDev.DrainTX(16)

		var buf [512]byte
		n, ok, err := client.TCPRecv(handle, buf[:])
		if err != nil {
			t.Fatalf("TCPRecv: %v", err)
		}
		if ok && n > 0 {
			got = append(got, buf[:n]...)
		}
		if len(got) >= len(body) {
			break
		}
	}

	if string(got) != string(body) {
		t.Fatalf("response body = %q, want %q", got, body)
	}
}

func TestDNSQueryResolves(t *testing.T) {
	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 5}
	dnsServerMAC := [6]byte{0x02, 0, 0, 0, 0, 6}
	dnsServerIP := netip.MustParseAddr("10.0.0.1")

	clientNIC, dnsNIC := newLoopbackPair(clientMAC, dnsServerMAC)
	clientDev := tcpip.NewAdapter(clientNIC)

	client := New(clientMAC, netip.MustParseAddr("10.0.0.10"))
	client.arp[dnsServerIP] = dnsServerMAC
	client.dhcp.bound = true
	client.dhcp.lease.DNS = dnsServerIP

	if _, _, err := client.DNSQuery("example.morpheusx"); err != tcpip.ErrDNSFailed && err != nil {
		t.Fatalf("unexpected error starting query: %v", err)
	}

	if err := client.Poll(0, clientDev); err != nil {
		t.Fatalf("poll: %v", err)
	}
	clientDev.DrainTX(16)

	if len(dnsNIC.rx) == 0 {
		t.Fatal("client never transmitted a DNS query")
	}

	frame := dnsNIC.rx[0]
	ethPayload := frame[ethHeaderLen:]
	ipHdr, ipBody, ok := parseIPv4(ethPayload)
	if !ok {
		t.Fatal("failed to parse IPv4 query")
	}
	_, _, udpPayload, ok := parseUDP(ipBody)
	if !ok {
		t.Fatal("failed to parse UDP query")
	}

	id := binary.BigEndian.Uint16(udpPayload[0:2])

	// Build a minimal A-record response by hand, standing in for a real
	// DNS server (which this reference engine never implements).
	resp := make([]byte, 12)
	binary.BigEndian.PutUint16(resp[0:2], id)
	binary.BigEndian.PutUint16(resp[2:4], 0x8180) // response, no error
	binary.BigEndian.PutUint16(resp[4:6], 1)      // QDCOUNT
	binary.BigEndian.PutUint16(resp[6:8], 1)       // ANCOUNT
	resp = append(resp, encodeDNSName("example.morpheusx")...)
	resp = append(resp, 0, dnsTypeA, 0, dnsClassINET)
	resp = append(resp, 0xc0, 0x0c) // name pointer back to the question
	resp = append(resp, 0, dnsTypeA, 0, dnsClassINET)
	resp = append(resp, 0, 0, 0, 60) // TTL
	resp = append(resp, 0, 4)        // RDLENGTH
	resp = append(resp, 93, 184, 216, 34)

	udpResp := wrapUDP(dnsServerPort, dnsClientPort, resp)
	ipResp := buildIPv4(ipProtoUDP, dnsServerIP, ipHdr.Src, 1, udpResp)

	ethResp := make([]byte, ethHeaderLen+len(ipResp))
	copy(ethResp[0:6], clientMAC[:])
	copy(ethResp[6:12], dnsServerMAC[:])
	binary.BigEndian.PutUint16(ethResp[12:14], etherTypeIPv4)
	copy(ethResp[ethHeaderLen:], ipResp)

	clientNIC.rx = append(clientNIC.rx, ethResp)

	if err := client.Poll(1, clientDev); err != nil {
		t.Fatalf("poll: %v", err)
	}

	addr, ok, err := client.DNSQuery("example.morpheusx")
	if err != nil {
		t.Fatalf("DNSQuery: %v", err)
	}
	if !ok {
		t.Fatal("DNS query did not resolve")
	}
	if addr.String() != "93.184.216.34" {
		t.Fatalf("resolved addr = %v, want 93.184.216.34", addr)
	}
}
