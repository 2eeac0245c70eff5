// Package deployer sequences the full provisioning run: bootstrap phase
// engine, reboot synchronizer, installation pipeline, convergence check.
// Each phase consumes the structured result of the previous one; no phase
// mutates state outside its own return value, so re-running is always safe.
package deployer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/julianwileymac/rpi-kubernetes/internal/bootstrap"
	"github.com/julianwileymac/rpi-kubernetes/internal/converge"
	"github.com/julianwileymac/rpi-kubernetes/internal/install"
	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/logging"
	"github.com/julianwileymac/rpi-kubernetes/internal/reboot"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

// Options control which phases run and how failures are treated.
type Options struct {
	DryRun                bool
	BootstrapOnly         bool
	InstallOnly           bool
	SkipReboot            bool
	WorkersOnly           bool
	ControlPlaneOnly      bool
	TolerateAgentFailures bool
	ArtifactsDir          string

	// Out receives the final summary; defaults to stdout.
	Out io.Writer
}

// Fleet is the connection layer the deployer drives: command execution,
// reachability probing, and connection-cache invalidation around reboots.
// *sshexec.Pool satisfies it.
type Fleet interface {
	Run(ctx context.Context, node inventory.Node, command string, opts sshexec.Options) (sshexec.Result, error)
	Probe(ctx context.Context, node inventory.Node) error
	Forget(node inventory.Node)
}

// Deploy orchestrates the complete provisioning run from the inventory.
func Deploy(ctx context.Context, cfg *inventory.Config, opts Options) error {
	pool := sshexec.NewPool(cfg.SSH)
	defer pool.Close()
	return deploy(ctx, cfg, opts, pool)
}

func deploy(ctx context.Context, cfg *inventory.Config, opts Options, pool Fleet) error {
	log := logging.L().With("component", "deployer")
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	nodes := cfg.Filter(opts.WorkersOnly, opts.ControlPlaneOnly)
	log.Infow("starting provisioning run",
		"clusterName", cfg.Cluster.Name,
		"nodes", len(nodes),
		"k3sVersion", cfg.Cluster.K3sVersion,
	)

	engine := bootstrap.NewEngine(pool, cfg.Timeouts.Command)

	if opts.DryRun {
		log.Infow("dry-run mode: printing planned steps, no remote action")
		engine.Plan(nodes)
		return nil
	}

	tolerate := opts.TolerateAgentFailures || cfg.Cluster.TolerateAgentFailures

	var failedWorkers []inventory.Node
	var runErr error

	// Phase 1: bootstrap + reboot synchronisation.
	if !opts.InstallOnly {
		log.Infow("phase 1: bootstrapping nodes")
		reports := engine.Run(ctx, nodes)

		var needReboot []inventory.Node
		for _, report := range reports {
			switch {
			case report.OK():
				if report.NeedsReboot {
					needReboot = append(needReboot, report.Node)
				}
			case report.Node.Role == inventory.RoleControlPlane:
				return fmt.Errorf("control-plane bootstrap failed on %s: %w", report.Node.Name, report.Err)
			default:
				failedWorkers = append(failedWorkers, report.Node)
				runErr = multierr.Append(runErr, fmt.Errorf("bootstrap failed on %s: %w", report.Node.Name, report.Err))
			}
		}

		if len(needReboot) > 0 && !opts.SkipReboot {
			log.Infow("phase 1b: rebooting workers to enable cgroups", "nodes", len(needReboot))
			sync := &reboot.Synchronizer{
				Runner:   pool,
				Prober:   pool,
				Grace:    cfg.Timeouts.RebootGrace,
				Interval: cfg.Timeouts.PollInterval,
				Timeout:  cfg.Timeouts.RebootTimeout,
			}
			if err := sync.Reboot(ctx, needReboot); err != nil {
				return err
			}
			// Drop cached connections: the nodes are going down.
			for _, node := range needReboot {
				pool.Forget(node)
			}
			if err := sync.Wait(ctx, needReboot); err != nil {
				// Unverified nodes are a hard stop: installation must not
				// proceed against them.
				return fmt.Errorf("reboot wait failed: %w", err)
			}
		} else if len(needReboot) > 0 {
			log.Warnw("skipping reboot; cgroup changes will not take effect until the nodes restart", "nodes", len(needReboot))
		}
		log.Infow("phase 1 complete")
	}

	if opts.BootstrapOnly {
		log.Infow("bootstrap-only run complete")
		return runErr
	}

	// Phase 2: installation pipeline. Workers that failed bootstrap are
	// excluded; the control-plane install strictly precedes any agent.
	log.Infow("phase 2: installing k3s")
	pipeline := &install.Pipeline{
		Runner: pool,
		Config: cfg,
		Artifacts: install.Artifacts{
			Dir:            opts.ArtifactsDir,
			TokenFile:      cfg.Cluster.TokenFile,
			KubeconfigFile: cfg.Cluster.KubeconfigFile,
		},
		Workers:          healthyWorkers(cfg, failedWorkers),
		WorkersOnly:      opts.WorkersOnly,
		ControlPlaneOnly: opts.ControlPlaneOnly,
	}
	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	if result.PartialFailure() {
		if tolerate {
			log.Warnw("agent installs failed but are tolerated by configuration", "failed", result.FailedAgents)
		} else {
			runErr = multierr.Append(runErr, fmt.Errorf("agent installs failed on: %s", strings.Join(result.FailedAgents, ", ")))
		}
	}
	log.Infow("phase 2 complete")

	// Phase 3: convergence check.
	log.Infow("phase 3: verifying convergence")
	checker := &converge.Checker{
		Runner:       pool,
		StorageMount: cfg.Cluster.StorageMount,
		Timeout:      cfg.Timeouts.Command,
	}
	states, summary := checker.CheckFleet(ctx, nodes)

	if !opts.WorkersOnly {
		expected := len(nodes)
		ready, listing, err := converge.VerifyCluster(ctx, pool, cfg.ControlPlane(), expected, cfg.Timeouts.Command)
		if err != nil {
			log.Warnw("cluster verification probe failed", "err", err)
		} else {
			log.Infow("cluster verification", "ready", ready, "expected", expected)
			if listing != "" {
				fmt.Fprintln(opts.Out, listing)
			}
		}
	}

	PrintSummary(opts.Out, cfg, states, summary)

	if runErr != nil {
		return runErr
	}
	log.Infow("provisioning run complete")
	return nil
}

// Check runs only the convergence checker and prints the fleet summary.
// Returns an error when the fleet has not reached target state, so the
// command exits non-zero when action is required.
func Check(ctx context.Context, cfg *inventory.Config) error {
	pool := sshexec.NewPool(cfg.SSH)
	defer pool.Close()
	return check(ctx, cfg, pool, os.Stdout)
}

func check(ctx context.Context, cfg *inventory.Config, pool Fleet, w io.Writer) error {
	checker := &converge.Checker{
		Runner:       pool,
		StorageMount: cfg.Cluster.StorageMount,
		Timeout:      cfg.Timeouts.Command,
	}
	states, summary := checker.CheckFleet(ctx, cfg.Nodes)
	PrintSummary(w, cfg, states, summary)

	if !summary.Ready() {
		return fmt.Errorf("cluster not fully running: %d/%d nodes", summary.Running, summary.Total)
	}
	return nil
}

func healthyWorkers(cfg *inventory.Config, failed []inventory.Node) []inventory.Node {
	if len(failed) == 0 {
		return nil // pipeline falls back to the full worker list
	}
	skip := make(map[string]bool, len(failed))
	for _, node := range failed {
		skip[node.Name] = true
	}
	workers := []inventory.Node{}
	for _, node := range cfg.Workers() {
		if !skip[node.Name] {
			workers = append(workers, node)
		}
	}
	return workers
}
