package install

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/logging"
)

// Pipeline sequences the two install sub-operations with their strict
// dependency: the server install must have produced (or a previous run must
// have persisted) the join token before any agent install runs.
type Pipeline struct {
	Runner    Runner
	Config    *inventory.Config
	Artifacts Artifacts

	// Workers overrides the worker set when non-nil, letting the caller
	// exclude nodes that failed earlier phases.
	Workers []inventory.Node

	// WorkersOnly skips the server install and loads the token artifact.
	WorkersOnly bool
	// ControlPlaneOnly stops after the server install.
	ControlPlaneOnly bool
}

// Result summarises an installation run. AgentErr aggregates per-worker
// failures; they do not abort remaining agents, and the caller decides
// whether a partial success is tolerable.
type Result struct {
	Token        string
	FailedAgents []string
	AgentErr     error
}

// PartialFailure reports whether some, but not necessarily all, agent
// installs failed.
func (r Result) PartialFailure() bool {
	return len(r.FailedAgents) > 0
}

// ServerURL returns the join URL for the control-plane.
func ServerURL(cp inventory.Node) string {
	return fmt.Sprintf("https://%s:6443", cp.Host)
}

// Run executes the pipeline. The returned error is nil unless the run as a
// whole must stop: a server install failure or a missing token. Agent
// failures are reported in the Result instead.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	log := logging.L().With("component", "install")
	cp := p.Config.ControlPlane()

	var result Result

	if p.WorkersOnly {
		token, err := p.Artifacts.LoadToken()
		if err != nil {
			return result, fmt.Errorf("no join token available (run the control-plane install first): %w", err)
		}
		log.Infow("reusing persisted join token", "file", p.Artifacts.tokenPath())
		result.Token = token
	} else {
		token, err := InstallControlPlane(ctx, p.Runner, cp, p.Config.Cluster, p.Config.Timeouts, p.Artifacts)
		if err != nil {
			return result, fmt.Errorf("control-plane install failed: %w", err)
		}
		result.Token = token
	}

	if p.ControlPlaneOnly {
		return result, nil
	}

	workers := p.Workers
	if workers == nil {
		workers = p.Config.Workers()
	}
	if len(workers) == 0 {
		return result, nil
	}

	serverURL := ServerURL(cp)
	log.Infow("installing agents", "workers", len(workers), "server", serverURL)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(workers))
	for _, worker := range workers {
		worker := worker
		g.Go(func() error {
			if err := InstallAgent(ctx, p.Runner, worker, serverURL, result.Token, p.Config.Cluster, p.Config.Timeouts); err != nil {
				logging.L().Warnw("agent install failed", "node", worker.Name, "err", err)
				mu.Lock()
				result.FailedAgents = append(result.FailedAgents, worker.Name)
				result.AgentErr = multierr.Append(result.AgentErr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(result.FailedAgents)

	if result.PartialFailure() {
		log.Warnw("some agent installs failed", "failed", result.FailedAgents)
	} else {
		log.Infow("all agents installed")
	}
	return result, nil
}
