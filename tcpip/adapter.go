package tcpip

import (
	"github.com/morpheusx-boot/morpheusx/netdev"
)

// txQueueDepth bounds the adapter's software TX queue, matching spec
// §4.4's "up to 16 frames enqueued by the TCP/IP engine during phase 2
// are pushed to the NIC" in phase 3.
const txQueueDepth = 16

// Adapter implements Device over a netdev.Device, giving the external
// TCP/IP engine a uniform view of whichever NIC driver platform selected
// (spec §4.3 component G). It owns the software TX queue the main loop's
// phase 3 (TX drain) empties into the NIC, which is how an engine's burst
// of replies during one Poll gets spread across possibly-full hardware
// queues without the engine ever seeing QueueFull itself.
type Adapter struct {
	nic netdev.Device

	rxBuf [netdev.MaxFrameSize]byte

	txQueue [][]byte // each entry is a fully built frame awaiting NotifyNIC
}

// NewAdapter wraps nic for use by an Engine.
func NewAdapter(nic netdev.Device) *Adapter {
	return &Adapter{nic: nic}
}

func (a *Adapter) Capabilities() Capabilities {
	return Capabilities{
		Medium: MediumEthernet,
		MTU:    netdev.MaxFrameSize,
		Burst:  1,
	}
}

type rxToken struct {
	frame []byte
}

func (t rxToken) Consume(fn func([]byte) error) error {
	return fn(t.frame)
}

type txToken struct {
	a *Adapter
}

func (t txToken) Consume(length int, fn func([]byte) error) error {
	buf := make([]byte, length)
	if err := fn(buf); err != nil {
		return err
	}

	t.a.txQueue = append(t.a.txQueue, buf)
	return nil
}

// Receive copies one pending frame out of the NIC, if any, pairing it
// with a TxToken so the engine can send an immediate reply (spec §6
// receive() -> Option<(RxToken, TxToken)>).
func (a *Adapter) Receive(now uint64) (RxToken, TxToken, bool) {
	n, ok := a.nic.Receive(a.rxBuf[:])
	if !ok {
		return nil, nil, false
	}

	frame := make([]byte, n)
	copy(frame, a.rxBuf[:n])

	tx, txOK := a.Transmit(now)
	if !txOK {
		return rxToken{frame: frame}, nil, true
	}

	return rxToken{frame: frame}, tx, true
}

// Transmit returns a TxToken as long as the software queue has room,
// independent of whether the NIC itself currently has a free descriptor
// (spec §4.4 backpressure: QueueFull is handled at drain time, phase 3,
// not surfaced to the engine in phase 2).
func (a *Adapter) Transmit(now uint64) (TxToken, bool) {
	if len(a.txQueue) >= txQueueDepth {
		return nil, false
	}

	return txToken{a: a}, true
}

// DrainTX pushes up to budget queued frames to the NIC (main-loop phase
// 3). A frame that hits netdev.ErrQueueFull stays at the front of the
// queue for the next iteration instead of being dropped (spec §4.4
// backpressure).
func (a *Adapter) DrainTX(budget int) {
	sent := 0

	for sent < budget && len(a.txQueue) > 0 {
		frame := a.txQueue[0]

		if err := a.nic.Transmit(frame); err != nil {
			break
		}

		a.txQueue = a.txQueue[1:]
		sent++
	}
}

// Pending reports how many frames are queued for transmission but not
// yet handed to the NIC.
func (a *Adapter) Pending() int {
	return len(a.txQueue)
}
