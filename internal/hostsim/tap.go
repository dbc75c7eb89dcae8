//go:build linux

package hostsim

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/morpheusx-boot/morpheusx/netdev"
)

// ifReq mirrors struct ifreq's name+flags prefix, the only part TUNSETIFF
// needs (linux/if.h); the kernel ignores the rest of the union.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte
}

const (
	tunTapDev   = "/dev/net/tun"
	iffTap      = 0x0002
	iffNoPI     = 0x1000
	tunSetIFF   = 0x400454ca
	tapMTU      = 1500
)

// TAPNIC implements netdev.Device over a Linux TAP device, giving
// cmd/morpheussim a real Ethernet link to a host DHCP/HTTP server instead
// of the in-process LoopbackNIC pair tests use (SPEC_FULL.md DOMAIN
// STACK: "raw-socket/TAP plumbing for the hosted network simulator used
// by ... cmd/morpheussim").
type TAPNIC struct {
	f   *os.File
	mac [6]byte
}

// OpenTAP opens or attaches to the named TAP interface (created ahead of
// time by the operator, e.g. "ip tuntap add dev tap0 mode tap").
func OpenTAP(name string, mac [6]byte) (*TAPNIC, error) {
	f, err := os.OpenFile(tunTapDev, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostsim: open %s: %w", tunTapDev, err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = iffTap | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), tunSetIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("hostsim: TUNSETIFF %s: %w", name, errno)
	}

	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostsim: set nonblocking: %w", err)
	}

	return &TAPNIC{f: f, mac: mac}, nil
}

func (n *TAPNIC) MACAddress() [6]byte { return n.mac }
func (n *TAPNIC) CanTransmit() bool   { return true }
func (n *TAPNIC) LinkUp() bool        { return true }
func (n *TAPNIC) RefillRX()           {}
func (n *TAPNIC) CollectTX()          {}

func (n *TAPNIC) Transmit(frame []byte) error {
	_, err := n.f.Write(frame)
	return err
}

// Receive reads one frame into buf, non-blocking: the fifth phase of
// loop.Run (spec §4.4) must never sleep, so a TAP device with nothing
// queued reports (0, false) instead of blocking the caller the way a
// blocking read on the same fd would.
func (n *TAPNIC) Receive(buf []byte) (int, bool) {
	nread, err := n.f.Read(buf)
	if err != nil {
		return 0, false
	}
	return nread, true
}

func (n *TAPNIC) Close() error { return n.f.Close() }

var _ netdev.Device = (*TAPNIC)(nil)
