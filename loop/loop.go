// Package loop implements the five-phase cooperative scheduler (spec §4.4,
// component H) that is the only control structure MorpheusX ever runs once
// firmware services are gone: every other function returns to it (spec §5).
// It owns nothing about network protocols or disk layout; it only ever
// calls RefillRX, the TCP/IP engine's Poll exactly once (invariant I-5),
// DrainTX, one Application.Step, and CollectTX, in that order, forever.
package loop

import (
	"errors"
	"fmt"

	"github.com/morpheusx-boot/morpheusx/cpu"
	"github.com/morpheusx-boot/morpheusx/netdev"
	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// StepResult mirrors spec §4.4's state-machine contract:
// step(now_tsc, cfg) -> {Pending, Done, Timeout, Failed}.
type StepResult int

const (
	Pending StepResult = iota
	Done
	Timeout
	Failed
)

func (r StepResult) String() string {
	switch r {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Timeout:
		return "timeout"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Application is the top-level download state machine (component I,
// implemented by bootstate.Machine) that phase 4 steps once per iteration.
type Application interface {
	Step(now uint64) StepResult
}

// TxDrainBudget is the number of frames phase 3 pushes to the NIC per
// iteration (spec §4.4: "up to 16 frames").
const TxDrainBudget = 16

// Config describes one Run invocation.
type Config struct {
	// NIC is stepped directly for RX refill and TX completion reclaim
	// (phases 1 and 5); Adapter wraps the same NIC for the engine.
	NIC     netdev.Device
	Adapter *tcpip.Adapter
	Engine  tcpip.Engine
	App     Application

	// TxDrainBudget overrides the default of 16 (spec §4.4 phase 3).
	TxDrainBudget int

	// MaxIterations bounds Run for hosted tests and cmd/morpheussim,
	// where nothing else stops the loop; 0 means run until App reaches
	// Done or a terminal failure, which is the only bound bare-metal
	// firmware ever has.
	MaxIterations int

	// IterationBudgetCycles is the TSC-cycle equivalent of spec §4.4's
	// 5 ms loop-iteration warning. Zero disables the check.
	IterationBudgetCycles uint64

	// OnIterationOverBudget is called with the elapsed cycle count
	// whenever one iteration exceeds IterationBudgetCycles; nil
	// disables reporting even if a budget is set. diag wires this to
	// its ring buffer.
	OnIterationOverBudget func(elapsedCycles uint64)
}

func (cfg Config) withDefaults() Config {
	if cfg.TxDrainBudget == 0 {
		cfg.TxDrainBudget = TxDrainBudget
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.NIC == nil {
		return ErrNoNIC
	}
	if cfg.Adapter == nil {
		return ErrNoAdapter
	}
	if cfg.Engine == nil {
		return ErrNoEngine
	}
	if cfg.App == nil {
		return ErrNoApp
	}

	return nil
}

var (
	ErrNoNIC                  = errors.New("loop: config has no NIC")
	ErrNoAdapter              = errors.New("loop: config has no TCP/IP adapter")
	ErrNoEngine               = errors.New("loop: config has no TCP/IP engine")
	ErrNoApp                  = errors.New("loop: config has no application state machine")
	ErrEnginePoll             = errors.New("loop: TCP/IP engine poll failed")
	ErrApplicationFailed      = errors.New("loop: application state machine failed or timed out")
	ErrIterationBudgetExceeded = errors.New("loop: MaxIterations reached before application completed")
)

// Run drives cfg's five-phase iteration until Application reaches Done
// (returns nil), reaches Timeout or Failed (returns ErrApplicationFailed),
// or the engine's Poll returns an error (fatal per spec §7: "all
// initialization-phase errors are fatal"). On bare metal this never
// returns under normal operation; MaxIterations exists only so hosted
// tests and cmd/morpheussim can bound it.
func Run(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	for i := 0; cfg.MaxIterations == 0 || i < cfg.MaxIterations; i++ {
		start := cpu.ReadTSC()
		now := start

		cfg.NIC.RefillRX()

		if err := cfg.Engine.Poll(now, cfg.Adapter); err != nil {
			return fmt.Errorf("%w: %w", ErrEnginePoll, err)
		}

		cfg.Adapter.DrainTX(cfg.TxDrainBudget)

		switch cfg.App.Step(now) {
		case Done:
			return nil
		case Failed, Timeout:
			return ErrApplicationFailed
		}

		cfg.NIC.CollectTX()

		if cfg.IterationBudgetCycles != 0 && cfg.OnIterationOverBudget != nil {
			if elapsed := cpu.ReadTSC() - start; elapsed > cfg.IterationBudgetCycles {
				cfg.OnIterationOverBudget(elapsed)
			}
		}
	}

	return ErrIterationBudgetExceeded
}
