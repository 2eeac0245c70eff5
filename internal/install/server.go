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

// Runner executes remote commands on fleet nodes.
type Runner interface {
	Run(ctx context.Context, node inventory.Node, command string, opts sshexec.Options) (sshexec.Result, error)
}

const (
	installerURL  = "https://get.k3s.io"
	tokenPath     = "/var/lib/rancher/k3s/server/node-token"
	kubeconfigSrc = "/etc/rancher/k3s/k3s.yaml"
)

// InstallControlPlane installs the k3s server on the control-plane node and
// returns the join token. An already-active server short-circuits the
// installer but still re-extracts the token and kubeconfig so the artifacts
// exist for this run. A server install failure is fatal to the whole run:
// without it no token can exist.
func InstallControlPlane(ctx context.Context, r Runner, node inventory.Node, cluster inventory.Cluster, timeouts inventory.Timeouts, art Artifacts) (string, error) {
	log := logging.L().With("component", "install", "node", node.Name)
	opts := sshexec.Options{Timeout: timeouts.Command}
	sudo := sshexec.Options{Sudo: true, Timeout: timeouts.Command}

	if active, err := serviceActive(ctx, r, node, "k3s", timeouts.Command); err != nil {
		return "", err
	} else if active {
		log.Infow("k3s server already running, skipping install")
		return extractArtifacts(ctx, r, node, timeouts, art)
	}

	args := strings.Join(cluster.ServerArgs, " ")
	installCmd := fmt.Sprintf("curl -sfL %s | INSTALL_K3S_VERSION=%s sh -s - server %s", installerURL, cluster.K3sVersion, args)

	log.Infow("installing k3s server", "version", cluster.K3sVersion)
	res, err := r.Run(ctx, node, installCmd, sshexec.Options{Sudo: true, Timeout: timeouts.Install})
	if err != nil {
		return "", fmt.Errorf("k3s server install failed on %s: %w", node.Name, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("k3s server install failed on %s (exit %d): %s", node.Name, res.ExitCode, trimOutput(res.Stderr))
	}
	log.Infow("k3s server installed", "elapsed", res.Elapsed)

	// Poll for the service to come up. A timeout here is a warning, not an
	// abort: the server may still converge while agents install.
	log.Infow("waiting for k3s server to become active")
	active := false
	for i := 0; i < timeouts.ActivePollAttempts; i++ {
		select {
		case <-time.After(timeouts.ActivePollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		res, err := r.Run(ctx, node, "systemctl is-active k3s", opts)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(res.Stdout) == "active" {
			active = true
			break
		}
	}
	if active {
		log.Infow("k3s server is active")
	} else {
		log.Warnw("k3s server did not report active within the poll window")
		if res, err := r.Run(ctx, node, "journalctl -u k3s --no-pager -n 20", sudo); err == nil {
			log.Warnw("recent k3s logs", "logs", trimOutput(res.Stdout))
		}
	}

	return extractArtifacts(ctx, r, node, timeouts, art)
}

// extractArtifacts pulls the join token and kubeconfig off the control-plane
// and persists both. A missing token is an error (agents cannot join without
// it); a missing kubeconfig is only a warning.
func extractArtifacts(ctx context.Context, r Runner, node inventory.Node, timeouts inventory.Timeouts, art Artifacts) (string, error) {
	log := logging.L().With("component", "install", "node", node.Name)
	sudo := sshexec.Options{Sudo: true, Timeout: timeouts.Command}

	res, err := r.Run(ctx, node, "cat "+tokenPath, sudo)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("failed to read join token on %s: %s", node.Name, trimOutput(res.Stderr))
	}
	token := strings.TrimSpace(res.Stdout)
	if token == "" {
		return "", fmt.Errorf("join token on %s is empty", node.Name)
	}
	if err := art.SaveToken(token); err != nil {
		return "", err
	}
	log.Infow("join token persisted", "file", art.tokenPath())

	res, err = r.Run(ctx, node, "cat "+kubeconfigSrc, sudo)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		log.Warnw("failed to read kubeconfig", "stderr", trimOutput(res.Stderr))
		return token, nil
	}
	if err := art.SaveKubeconfig(res.Stdout, node.Host); err != nil {
		log.Warnw("failed to persist kubeconfig", "err", err)
		return token, nil
	}
	log.Infow("kubeconfig persisted", "file", art.kubeconfigPath())

	return token, nil
}

// serviceActive reports whether the named binary is installed and its
// systemd unit is active.
func serviceActive(ctx context.Context, r Runner, node inventory.Node, unit string, timeout time.Duration) (bool, error) {
	opts := sshexec.Options{Timeout: timeout}

	res, err := r.Run(ctx, node, "which k3s", opts)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, nil
	}

	res, err = r.Run(ctx, node, "systemctl is-active "+unit, opts)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "active", nil
}

func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
