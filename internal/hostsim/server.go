package hostsim

import (
	"context"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"github.com/morpheusx-boot/morpheusx/tcpip"
	"github.com/morpheusx-boot/morpheusx/tcpip/refengine"
)

// ServerConfig describes the fake DHCP/HTTP server a test runs opposite a
// loop.Run/bootstate.Machine under test.
type ServerConfig struct {
	MAC      [6]byte
	IP       netip.Addr
	Pool     netip.Addr
	Gateway  netip.Addr
	DNS      netip.Addr
	HTTPPort uint16
	HTTPBody []byte
}

// RunFakeServer drives a refengine.Engine configured as a DHCP and HTTP
// server on nic, polling it once per step until ctx is cancelled. It
// registers its goroutine on g so the caller's errgroup.Wait picks up
// any error the server goroutine returns alongside the client side under
// test.
func RunFakeServer(ctx context.Context, g *errgroup.Group, nic *LoopbackNIC, cfg ServerConfig) {
	engine := refengine.New(cfg.MAC, cfg.IP).
		WithDHCPServer(refengine.DHCPServerConfig{
			ServerIP: cfg.IP,
			Pool:     cfg.Pool,
			Gateway:  cfg.Gateway,
			DNS:      cfg.DNS,
		}).
		WithHTTPServer(refengine.HTTPServerConfig{
			Port: cfg.HTTPPort,
			Body: cfg.HTTPBody,
		})

	dev := tcpip.NewAdapter(nic)

	g.Go(func() error {
		var step uint64
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if err := engine.Poll(step, dev); err != nil {
				return err
			}
			dev.DrainTX(16)
			step++
		}
	})
}
