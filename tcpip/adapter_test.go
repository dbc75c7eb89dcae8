package tcpip

import (
	"testing"

	"github.com/morpheusx-boot/morpheusx/netdev"
)

// fakeNIC is a minimal in-memory netdev.Device: an RX frame queue fed by
// the test, and a TX slice the test inspects afterward.
type fakeNIC struct {
	rx        [][]byte
	tx        [][]byte
	txFull    bool
	refills   int
	collected int
}

func (f *fakeNIC) MACAddress() [6]byte { return [6]byte{} }
func (f *fakeNIC) CanTransmit() bool   { return !f.txFull }

func (f *fakeNIC) Transmit(frame []byte) error {
	if f.txFull {
		return netdev.ErrQueueFull
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.tx = append(f.tx, cp)
	return nil
}

func (f *fakeNIC) Receive(buf []byte) (int, bool) {
	if len(f.rx) == 0 {
		return 0, false
	}

	frame := f.rx[0]
	f.rx = f.rx[1:]
	n := copy(buf, frame)
	return n, true
}

func (f *fakeNIC) RefillRX()    { f.refills++ }
func (f *fakeNIC) CollectTX()   { f.collected++ }
func (f *fakeNIC) LinkUp() bool { return true }

func TestAdapterReceivePairsTxToken(t *testing.T) {
	nic := &fakeNIC{rx: [][]byte{[]byte("hello")}}
	a := NewAdapter(nic)

	rx, tx, ok := a.Receive(0)
	if !ok {
		t.Fatal("Receive: ok = false, want true")
	}

	var got []byte
	if err := rx.Consume(func(frame []byte) error {
		got = append([]byte{}, frame...)
		return nil
	}); err != nil {
		t.Fatalf("rx.Consume: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("got frame %q, want %q", got, "hello")
	}

	if tx == nil {
		t.Fatal("Receive: tx token = nil, want a paired TxToken")
	}
}

func TestAdapterReceiveEmpty(t *testing.T) {
	a := NewAdapter(&fakeNIC{})

	if _, _, ok := a.Receive(0); ok {
		t.Fatal("Receive: ok = true on empty NIC, want false")
	}
}

func TestAdapterTransmitQueuesUntilDrain(t *testing.T) {
	nic := &fakeNIC{}
	a := NewAdapter(nic)

	tx, ok := a.Transmit(0)
	if !ok {
		t.Fatal("Transmit: ok = false, want true")
	}

	if err := tx.Consume(5, func(buf []byte) error {
		copy(buf, "world")
		return nil
	}); err != nil {
		t.Fatalf("tx.Consume: %v", err)
	}

	if len(nic.tx) != 0 {
		t.Fatal("frame reached the NIC before DrainTX ran")
	}

	if got := a.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	a.DrainTX(16)

	if len(nic.tx) != 1 || string(nic.tx[0]) != "world" {
		t.Fatalf("nic.tx = %q, want one frame %q", nic.tx, "world")
	}

	if a.Pending() != 0 {
		t.Fatalf("Pending() after drain = %d, want 0", a.Pending())
	}
}

func TestAdapterTransmitQueueBackpressure(t *testing.T) {
	a := NewAdapter(&fakeNIC{})

	for i := 0; i < txQueueDepth; i++ {
		tx, ok := a.Transmit(0)
		if !ok {
			t.Fatalf("Transmit: slot %d rejected before queue full", i)
		}

		if err := tx.Consume(1, func(buf []byte) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := a.Transmit(0); ok {
		t.Fatal("Transmit: want ok=false once the software queue is full")
	}
}

func TestDrainTXStopsOnQueueFull(t *testing.T) {
	nic := &fakeNIC{txFull: true}
	a := NewAdapter(nic)

	tx, _ := a.Transmit(0)
	tx.Consume(4, func(buf []byte) error { copy(buf, "ping"); return nil })

	a.DrainTX(16)

	if a.Pending() != 1 {
		t.Fatalf("Pending() = %d, want frame retained on QueueFull", a.Pending())
	}

	nic.txFull = false
	a.DrainTX(16)

	if a.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 once the NIC accepts the retry", a.Pending())
	}
}
