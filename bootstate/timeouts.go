package bootstate

import "time"

// timeouts holds every sub-state machine's budget in TSC cycles, derived
// once from the calibrated frequency (spec §4.4: "no literal cycle
// constants appear in code").
type timeouts struct {
	linkWait   uint64
	dhcp       uint64
	dnsQuery   uint64
	tcpConnect uint64
	tcpClose   uint64
	httpSend   uint64
	httpRecv   uint64
}

func cyclesFor(freq uint64, d time.Duration) uint64 {
	return uint64(float64(freq) * d.Seconds())
}

// computeTimeouts derives every budget named in spec §4.4 from tscFreq,
// plus linkWait's budget for the supplemented LinkWaitState
// (SPEC_FULL.md), chosen short enough that a dead link fails fast without
// eating into DHCP's own 30 s budget.
func computeTimeouts(tscFreq uint64) timeouts {
	return timeouts{
		linkWait:   cyclesFor(tscFreq, 5*time.Second),
		dhcp:       cyclesFor(tscFreq, 30*time.Second),
		dnsQuery:   cyclesFor(tscFreq, 5*time.Second),
		tcpConnect: cyclesFor(tscFreq, 30*time.Second),
		tcpClose:   cyclesFor(tscFreq, 10*time.Second),
		httpSend:   cyclesFor(tscFreq, 30*time.Second),
		httpRecv:   cyclesFor(tscFreq, 60*time.Second),
	}
}
