package hostsim

import (
	"context"
	"net/netip"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/morpheusx-boot/morpheusx/bootstate"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/loop"
	"github.com/morpheusx-boot/morpheusx/tcpip"
	"github.com/morpheusx-boot/morpheusx/tcpip/refengine"
)

// newHeapRegion hand-builds a dma.Region over heap memory for tests that
// don't need MmapAllocator's real sub-4GiB guarantee, following the same
// pattern bootstate_test.go and initramfs_test.go use.
func newHeapRegion(size int) *dma.Region {
	buf := make([]byte, size)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return &dma.Region{CPUAddr: addr, BusAddr: uint64(addr), Size: size}
}

// TestLoopDownloadsOverFakeServer wires loop.Run, bootstate.Machine, and
// a client refengine.Engine against RunFakeServer's DHCP/HTTP server,
// exercising the full chain spec §4.4 describes end to end: link up,
// DHCP lease, HTTP download, persisted to a MemDevice.
func TestLoopDownloadsOverFakeServer(t *testing.T) {
	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 0x10}
	serverMAC := [6]byte{0x02, 0, 0, 0, 0, 0x20}
	serverIP := netip.MustParseAddr("10.0.0.1")
	pool := netip.MustParseAddr("10.0.0.50")

	clientNIC, serverNIC := NewLoopbackPair(clientMAC, serverMAC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	body := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	RunFakeServer(ctx, g, serverNIC, ServerConfig{
		MAC: serverMAC, IP: serverIP, Pool: pool, Gateway: serverIP, DNS: serverIP,
		HTTPPort: 80, HTTPBody: body,
	})

	clientEngine := refengine.New(clientMAC, netip.Addr{})
	clientAdapter := tcpip.NewAdapter(clientNIC)

	dev := NewMemDevice(512, 64)
	scratch := newHeapRegion(1 << 16)

	machine, err := bootstate.New(bootstate.Config{
		NIC:     clientNIC,
		Engine:  clientEngine,
		Target:  dev,
		DMA:     scratch,
		URL:     "http://10.0.0.1:80/",
		TSCFreq: 1_000_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = loop.Run(loop.Config{
		NIC:           clientNIC,
		Adapter:       clientAdapter,
		Engine:        clientEngine,
		App:           machine,
		MaxIterations: 20000,
	})

	cancel()
	if waitErr := g.Wait(); waitErr != nil {
		t.Fatalf("fake server: %v", waitErr)
	}

	if err != nil {
		t.Fatalf("loop.Run: %v (phase=%v, err=%v)", err, machine.Phase(), machine.Err())
	}

	if machine.Phase() != bootstate.PhaseDone {
		t.Fatalf("phase = %v, want done", machine.Phase())
	}

	got := dev.Bytes()[:len("hello")]
	if string(got) != "hello" {
		t.Fatalf("persisted body = %q, want %q", got, "hello")
	}
}
