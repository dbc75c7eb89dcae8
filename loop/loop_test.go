package loop

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/morpheusx-boot/morpheusx/netdev"
	"github.com/morpheusx-boot/morpheusx/tcpip"
)

type fakeNIC struct {
	refills, collects int
}

func (n *fakeNIC) MACAddress() [6]byte          { return [6]byte{} }
func (n *fakeNIC) CanTransmit() bool            { return true }
func (n *fakeNIC) LinkUp() bool                 { return true }
func (n *fakeNIC) Transmit(frame []byte) error  { return nil }
func (n *fakeNIC) Receive(buf []byte) (int, bool) { return 0, false }
func (n *fakeNIC) RefillRX()                    { n.refills++ }
func (n *fakeNIC) CollectTX()                   { n.collects++ }

var _ netdev.Device = (*fakeNIC)(nil)

type fakeEngine struct {
	polls int
	err   error
}

func (e *fakeEngine) Poll(now uint64, dev tcpip.Device) error {
	e.polls++
	return e.err
}

func (e *fakeEngine) DHCPDiscover() error { return nil }
func (e *fakeEngine) DHCPLease() (tcpip.DHCPLease, bool) { return tcpip.DHCPLease{}, false }
func (e *fakeEngine) DNSQuery(name string) (netip.Addr, bool, error) { return netip.Addr{}, false, nil }
func (e *fakeEngine) TCPConnect(remote netip.AddrPort) (tcpip.Handle, error) { return 0, nil }
func (e *fakeEngine) TCPState(h tcpip.Handle) tcpip.ConnState { return tcpip.ConnClosed }
func (e *fakeEngine) TCPSend(h tcpip.Handle, data []byte) (int, error) { return 0, nil }
func (e *fakeEngine) TCPRecv(h tcpip.Handle, buf []byte) (int, bool, error) { return 0, false, nil }
func (e *fakeEngine) TCPClose(h tcpip.Handle) error { return nil }

var _ tcpip.Engine = (*fakeEngine)(nil)

type fakeApp struct {
	doneAfter int
	result    StepResult
	steps     int
}

func (a *fakeApp) Step(now uint64) StepResult {
	a.steps++
	if a.steps >= a.doneAfter {
		return a.result
	}
	return Pending
}

func newConfig(nic *fakeNIC, engine *fakeEngine, app *fakeApp) Config {
	return Config{
		NIC:     nic,
		Adapter: tcpip.NewAdapter(nic),
		Engine:  engine,
		App:     app,
	}
}

func TestRunStopsOnDone(t *testing.T) {
	nic := &fakeNIC{}
	engine := &fakeEngine{}
	app := &fakeApp{doneAfter: 3, result: Done}

	if err := Run(newConfig(nic, engine, app)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if app.steps != 3 {
		t.Fatalf("steps = %d, want 3", app.steps)
	}
	if engine.polls != 3 {
		t.Fatalf("polls = %d, want 3 (invariant I-5: one poll per iteration)", engine.polls)
	}
	if nic.refills != 3 || nic.collects != 3 {
		t.Fatalf("refills=%d collects=%d, want 3 each", nic.refills, nic.collects)
	}
}

func TestRunStopsOnFailed(t *testing.T) {
	app := &fakeApp{doneAfter: 2, result: Failed}

	err := Run(newConfig(&fakeNIC{}, &fakeEngine{}, app))
	if !errors.Is(err, ErrApplicationFailed) {
		t.Fatalf("Run err = %v, want ErrApplicationFailed", err)
	}
}

func TestRunStopsOnTimeout(t *testing.T) {
	app := &fakeApp{doneAfter: 2, result: Timeout}

	err := Run(newConfig(&fakeNIC{}, &fakeEngine{}, app))
	if !errors.Is(err, ErrApplicationFailed) {
		t.Fatalf("Run err = %v, want ErrApplicationFailed", err)
	}
}

func TestRunPropagatesEnginePollError(t *testing.T) {
	pollErr := errors.New("boom")
	engine := &fakeEngine{err: pollErr}
	app := &fakeApp{doneAfter: 100, result: Done}

	err := Run(newConfig(&fakeNIC{}, engine, app))
	if !errors.Is(err, ErrEnginePoll) || !errors.Is(err, pollErr) {
		t.Fatalf("Run err = %v, want wrapping both ErrEnginePoll and %v", err, pollErr)
	}
}

func TestRunRespectsMaxIterations(t *testing.T) {
	app := &fakeApp{doneAfter: 1000, result: Done}
	cfg := newConfig(&fakeNIC{}, &fakeEngine{}, app)
	cfg.MaxIterations = 5

	err := Run(cfg)
	if !errors.Is(err, ErrIterationBudgetExceeded) {
		t.Fatalf("Run err = %v, want ErrIterationBudgetExceeded", err)
	}
	if app.steps != 5 {
		t.Fatalf("steps = %d, want 5", app.steps)
	}
}

func TestRunRejectsIncompleteConfig(t *testing.T) {
	if err := Run(Config{}); !errors.Is(err, ErrNoNIC) {
		t.Fatalf("Run err = %v, want ErrNoNIC", err)
	}
}

func TestRunReportsIterationOverBudget(t *testing.T) {
	var reported int
	app := &fakeApp{doneAfter: 3, result: Done}
	cfg := newConfig(&fakeNIC{}, &fakeEngine{}, app)
	cfg.IterationBudgetCycles = 1 // any real iteration takes at least one cycle
	cfg.OnIterationOverBudget = func(elapsed uint64) { reported++ }

	if err := Run(cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if reported == 0 {
		t.Fatal("expected at least one over-budget report")
	}
}
