package install

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/logging"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

// InstallAgent installs the k3s agent on a worker, joining it to the
// control-plane at serverURL with the given token. An already-active agent
// short-circuits the installer.
func InstallAgent(ctx context.Context, r Runner, node inventory.Node, serverURL, token string, cluster inventory.Cluster, timeouts inventory.Timeouts) error {
	log := logging.L().With("component", "install", "node", node.Name)

	if active, err := serviceActive(ctx, r, node, "k3s-agent", timeouts.Command); err != nil {
		return err
	} else if active {
		log.Infow("k3s agent already running, skipping install")
		return nil
	}

	installCmd := fmt.Sprintf("curl -sfL %s | INSTALL_K3S_VERSION=%s K3S_URL=%s K3S_TOKEN=%s sh -s - agent",
		installerURL, cluster.K3sVersion, serverURL, token)

	log.Infow("installing k3s agent", "version", cluster.K3sVersion, "server", serverURL)
	res, err := r.Run(ctx, node, installCmd, sshexec.Options{Sudo: true, Timeout: timeouts.Install})
	if err != nil {
		return fmt.Errorf("k3s agent install failed on %s: %w", node.Name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("k3s agent install failed on %s (exit %d): %s", node.Name, res.ExitCode, trimOutput(res.Stderr))
	}
	log.Infow("k3s agent installed", "elapsed", res.Elapsed)

	// Agent convergence is observed best-effort after a short settle delay,
	// not gated.
	select {
	case <-time.After(timeouts.AgentSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	res, err = r.Run(ctx, node, "systemctl is-active k3s-agent", sshexec.Options{Timeout: timeouts.Command})
	if err == nil {
		log.Infow("k3s agent status", "status", strings.TrimSpace(res.Stdout))
	}
	return nil
}
