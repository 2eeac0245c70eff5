package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/logging"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

// Engine runs the per-class step lists against fleet nodes.
type Engine struct {
	runner  Runner
	timeout time.Duration
}

// NewEngine creates a bootstrap engine. timeout bounds each remote command.
func NewEngine(runner Runner, timeout time.Duration) *Engine {
	return &Engine{runner: runner, timeout: timeout}
}

// Run bootstraps every node, fanning out across the fleet. Nodes are
// independent at this phase, so failures do not affect each other; the
// returned reports are in the same order as nodes.
func (e *Engine) Run(ctx context.Context, nodes []inventory.Node) []Report {
	reports := make([]Report, len(nodes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(nodes))
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			reports[i] = e.bootstrapNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

// Plan logs the steps that would run per node without any remote action.
func (e *Engine) Plan(nodes []inventory.Node) {
	log := logging.L().With("component", "bootstrap", "dryRun", true)
	for _, node := range nodes {
		log.Infow("planned steps", "node", node.Name, "hardware", string(node.Hardware))
		for _, step := range StepsFor(node.Hardware) {
			log.Infow("  would run", "step", step.Name, "severity", step.Severity.String())
		}
	}
}

// bootstrapNode walks the node's step list in order: Unprepared → Preparing →
// Prepared or Failed. The first Fatal failure (or any transport error) stops
// the node; Warn failures are recorded and execution continues.
func (e *Engine) bootstrapNode(ctx context.Context, node inventory.Node) Report {
	log := logging.L().With("component", "bootstrap", "node", node.Name, "hardware", string(node.Hardware))
	report := Report{Node: node, State: StatePreparing}

	log.Infow("bootstrapping node", "role", string(node.Role))

	for _, step := range StepsFor(node.Hardware) {
		result := e.runStep(ctx, node, step)
		report.Steps = append(report.Steps, result)

		switch result.Outcome {
		case Ok:
			log.Infow("step ok", "step", step.Name, "elapsed", result.Elapsed)
		case Skipped:
			log.Infow("step already satisfied", "step", step.Name)
		case Warned:
			log.Warnw("step warned", "step", step.Name, "stderr", firstLine(result.Stderr))
		case Failed:
			log.Errorw("step failed", "step", step.Name, "exitCode", result.ExitCode, "stderr", firstLine(result.Stderr))
			report.State = StateFailed
			if report.Err == nil {
				report.Err = fmt.Errorf("step %q failed on %s", step.Name, node.Name)
			}
			return report
		}

		if step.Reboots && result.Outcome == Ok && node.Role == inventory.RoleWorker {
			report.NeedsReboot = true
		}
	}

	report.State = StatePrepared
	if report.NeedsReboot {
		log.Infow("node prepared, reboot required to enable cgroups")
	} else {
		log.Infow("node prepared")
	}
	return report
}

func (e *Engine) runStep(ctx context.Context, node inventory.Node, step Step) StepResult {
	result := StepResult{Step: step}
	opts := sshexec.Options{Sudo: true, Timeout: e.timeout}

	// Pre-condition probe: exit 0 means already satisfied, nothing to do.
	if step.Check != "" {
		res, err := e.runner.Run(ctx, node, step.Check, sshexec.Options{Timeout: e.timeout})
		if err != nil {
			return transportFailure(result, err)
		}
		if res.ExitCode == 0 {
			result.Outcome = Skipped
			return result
		}
	}

	if step.Apply != nil {
		start := time.Now()
		outcome, err := step.Apply(ctx, e.runner, node, e.timeout)
		result.Elapsed = time.Since(start)
		result.Outcome = outcome
		if err != nil {
			if sshexec.IsTransport(err) {
				return transportFailure(result, err)
			}
			result.Stderr = err.Error()
			if step.Severity == Warn {
				result.Outcome = Warned
			} else {
				result.Outcome = Failed
			}
		}
		return result
	}

	res, err := e.runner.Run(ctx, node, step.Command, opts)
	if err != nil {
		return transportFailure(result, err)
	}

	result.ExitCode = res.ExitCode
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	result.Elapsed = res.Elapsed

	switch {
	case res.ExitCode == 0:
		result.Outcome = Ok
	case strings.Contains(strings.ToLower(res.Stderr), "already"):
		// Tooling that reports "already done" on stderr is not a failure.
		result.Outcome = Warned
	case step.Severity == Warn:
		result.Outcome = Warned
	default:
		result.Outcome = Failed
	}
	return result
}

// transportFailure marks a step Failed regardless of severity: losing the
// node mid-phase means the remaining steps cannot be trusted to run.
func transportFailure(result StepResult, err error) StepResult {
	result.Outcome = Failed
	result.Stderr = err.Error()
	return result
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
