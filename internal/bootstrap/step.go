// Package bootstrap prepares fleet nodes for k3s installation: swap off,
// kernel modules and sysctl parameters in place, and (on constrained ARM
// boards) the memory cgroup controller enabled on the boot command line.
//
// Each hardware class has one declarative ordered step list consumed
// generically by the Engine. Every mutating step is preceded by an
// idempotency check, either a dedicated probe command or a read-before-write
// inside an Apply function, so re-running the engine against a converged
// node performs zero mutations.
package bootstrap

import (
	"context"
	"time"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

// Runner executes remote commands on fleet nodes.
type Runner interface {
	Run(ctx context.Context, node inventory.Node, command string, opts sshexec.Options) (sshexec.Result, error)
}

// Severity controls what a step failure does to the node's phase.
type Severity int

const (
	// Fatal aborts the node's bootstrap at this step.
	Fatal Severity = iota
	// Warn records the failure and continues with the next step.
	Warn
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "warn"
}

// Outcome classifies a finished step.
type Outcome int

const (
	// Ok means the step ran and mutated the node.
	Ok Outcome = iota
	// Skipped means the pre-condition probe found the step already satisfied.
	Skipped
	// Warned means the step failed but execution continued.
	Warned
	// Failed means a Fatal step failed, aborting the node.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Skipped:
		return "skipped"
	case Warned:
		return "warned"
	default:
		return "failed"
	}
}

// ApplyFunc is a read-modify-write step implemented in Go rather than as a
// single remote command. It must do its own idempotency check and return
// Skipped when nothing needed to change.
type ApplyFunc func(ctx context.Context, r Runner, node inventory.Node, timeout time.Duration) (Outcome, error)

// Step is a named, idempotent unit of remote work.
type Step struct {
	Name string

	// Check is an optional pre-condition probe. Exit status 0 means the step
	// is already satisfied and Command is not run. Steps without a clean
	// probe leave Check empty and rely on Command being harmless to repeat.
	Check string

	// Command is the mutating remote command, run under sudo.
	Command string

	// Apply replaces Command for steps that must read remote state before
	// writing (the cgroup boot-parameter edit).
	Apply ApplyFunc

	Severity Severity

	// Reboots marks a step whose mutation only takes effect after a reboot.
	Reboots bool
}

// StepResult records one executed step.
type StepResult struct {
	Step     Step
	Outcome  Outcome
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// State is the bootstrap state of a node.
type State string

const (
	StateUnprepared State = "unprepared"
	StatePreparing  State = "preparing"
	StatePrepared   State = "prepared"
	StateFailed     State = "failed"
)

// Report is the bootstrap outcome for one node.
type Report struct {
	Node  inventory.Node
	State State
	Steps []StepResult

	// NeedsReboot is set when a reboot-gated step actually mutated the node.
	// Only worker-class nodes are ever rebooted by this flow.
	NeedsReboot bool

	// Err holds the transport error or Fatal step failure that stopped the
	// node, if any.
	Err error
}

// OK reports whether the node reached the Prepared state.
func (r Report) OK() bool {
	return r.State == StatePrepared
}
