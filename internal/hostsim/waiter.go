package hostsim

import "time"

// SleepWaiter implements platform.Waiter over a real time.Sleep, standing
// in for the firmware Stall boot service cmd/morpheussim has no access
// to. Unlike the firmware's microsecond-resolution Stall, it only ever
// waits whole seconds, which is all CalibrateTSC asks of a Waiter.
type SleepWaiter struct{}

func (SleepWaiter) WaitOneSecond() { time.Sleep(time.Second) }
