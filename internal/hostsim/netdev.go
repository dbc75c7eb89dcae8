package hostsim

import "github.com/morpheusx-boot/morpheusx/netdev"

// LoopbackNIC implements netdev.Device by handing every transmitted frame
// straight to a peer's receive queue, with no loss, reordering, or
// corruption, promoting tcpip/refengine's test-only loopbackNIC to a
// reusable fixture for exercising loop and bootstate together.
type LoopbackNIC struct {
	mac  [6]byte
	peer *LoopbackNIC
	rx   [][]byte
	up   bool
}

// NewLoopbackPair returns two NICs wired to each other, both with the
// link already up.
func NewLoopbackPair(macA, macB [6]byte) (*LoopbackNIC, *LoopbackNIC) {
	a := &LoopbackNIC{mac: macA, up: true}
	b := &LoopbackNIC{mac: macB, up: true}
	a.peer = b
	b.peer = a
	return a, b
}

func (n *LoopbackNIC) MACAddress() [6]byte { return n.mac }
func (n *LoopbackNIC) CanTransmit() bool   { return true }
func (n *LoopbackNIC) LinkUp() bool        { return n.up }
func (n *LoopbackNIC) RefillRX()           {}
func (n *LoopbackNIC) CollectTX()          {}

// SetLinkUp lets a test simulate a link that is slow to come up, driving
// bootstate.LinkWaitState's timeout path.
func (n *LoopbackNIC) SetLinkUp(up bool) { n.up = up }

func (n *LoopbackNIC) Transmit(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	n.peer.rx = append(n.peer.rx, cp)
	return nil
}

func (n *LoopbackNIC) Receive(buf []byte) (int, bool) {
	if len(n.rx) == 0 {
		return 0, false
	}

	frame := n.rx[0]
	n.rx = n.rx[1:]
	return copy(buf, frame), true
}

var _ netdev.Device = (*LoopbackNIC)(nil)
