package bootstate

import (
	"net/netip"

	"github.com/morpheusx-boot/morpheusx/loop"
	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// dhcpPhase mirrors spec §3.1's DhcpState variants.
type dhcpPhase int

const (
	dhcpInit dhcpPhase = iota
	dhcpDiscovering
	dhcpBound
	dhcpFailed
)

// dhcpState is spec §3.1's DhcpState: {Init, Discovering{start_tsc},
// Bound{ip, gateway?, dns?}, Failed}.
type dhcpState struct {
	phase     dhcpPhase
	startTSC  uint64
	lease     tcpip.DHCPLease
}

// step advances dhcpState by one tick, returning loop.Done once bound,
// loop.Failed/Timeout on a budget overrun, or loop.Pending otherwise.
func (d *dhcpState) step(now uint64, tm timeouts, engine tcpip.Engine) loop.StepResult {
	switch d.phase {
	case dhcpInit:
		if err := engine.DHCPDiscover(); err != nil {
			d.phase = dhcpFailed
			return loop.Failed
		}
		d.phase = dhcpDiscovering
		d.startTSC = now
		return loop.Pending

	case dhcpDiscovering:
		if lease, ok := engine.DHCPLease(); ok {
			d.lease = lease
			d.phase = dhcpBound
			return loop.Done
		}

		if now-d.startTSC > tm.dhcp {
			d.phase = dhcpFailed
			return loop.Timeout
		}

		return loop.Pending

	case dhcpBound:
		return loop.Done

	default:
		return loop.Failed
	}
}

// IP reports the bound lease's address, or the zero value before binding.
func (d *dhcpState) IP() netip.Addr { return d.lease.IP }
