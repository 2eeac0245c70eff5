package deployer

import (
	"fmt"
	"io"

	"github.com/julianwileymac/rpi-kubernetes/internal/converge"
	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
)

// PrintSummary writes the machine-checkable fleet summary plus, for every
// node that has not reached target state, the command an operator should run
// next.
func PrintSummary(w io.Writer, cfg *inventory.Config, states []converge.NodeState, summary converge.Summary) {
	fmt.Fprintln(w, "Fleet summary")
	fmt.Fprintf(w, "  reachable: %d/%d\n", summary.Reachable, summary.Total)
	fmt.Fprintf(w, "  swap-ok:   %d/%d\n", summary.SwapOK, summary.Total)
	fmt.Fprintf(w, "  installed: %d/%d\n", summary.Installed, summary.Total)
	fmt.Fprintf(w, "  running:   %d/%d\n", summary.Running, summary.Total)

	followUps := FollowUps(cfg, states)
	if len(followUps) == 0 {
		fmt.Fprintln(w, "All nodes have reached target state.")
		return
	}

	fmt.Fprintln(w, "Nodes requiring follow-up:")
	for _, f := range followUps {
		fmt.Fprintf(w, "  %s\n", f)
	}
}

// FollowUps returns one actionable line per node that needs attention.
func FollowUps(cfg *inventory.Config, states []converge.NodeState) []string {
	var out []string
	for _, s := range states {
		node := s.Node
		switch {
		case !s.Reachable:
			out = append(out, fmt.Sprintf("%s: unreachable; check power/network, then re-run: fleetctl up", node.Name))
		case s.NeedsBootstrap():
			out = append(out, fmt.Sprintf("%s: needs OS preparation; run: fleetctl up --bootstrap-only", node.Name))
		case !s.K3sInstalled:
			out = append(out, fmt.Sprintf("%s: k3s not installed; run: fleetctl up --install-only", node.Name))
		case !s.K3sRunning && node.Role == inventory.RoleControlPlane:
			out = append(out, fmt.Sprintf("%s: k3s installed but not running; inspect: ssh %s@%s 'sudo journalctl -u k3s -n 50'", node.Name, node.User, node.Host))
		case !s.K3sRunning:
			out = append(out, fmt.Sprintf("%s: k3s agent installed but not running; inspect: ssh %s@%s 'sudo journalctl -u k3s-agent -n 50'", node.Name, node.User, node.Host))
		}
	}
	return out
}
