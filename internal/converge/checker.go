// Package converge re-probes fleet nodes and reports how far they are from
// the target state: swap off, memory cgroup available, k3s installed and
// running, external storage mounted. It is read-only and can be invoked at
// any time, independently of the bootstrap/install pipeline.
package converge

import (
	"context"
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

// NodeState is the probed state of one node.
type NodeState struct {
	Node      inventory.Node
	Reachable bool
	Err       error

	Hostname     string
	Arch         string
	SwapDisabled bool
	SwapValue    string

	// Workers only: memory cgroup controller availability.
	CgroupVersion string
	CgroupMemory  bool

	K3sInstalled bool
	K3sRunning   bool

	// Workers only: expected external-storage mount.
	StorageMounted bool
	StorageInfo    string
}

// NeedsBootstrap reports whether the node still requires OS preparation.
func (s NodeState) NeedsBootstrap() bool {
	if !s.Reachable {
		return false
	}
	if !s.SwapDisabled {
		return true
	}
	return s.Node.Role == inventory.RoleWorker && !s.CgroupMemory
}

// Summary is the fleet-wide readiness count.
type Summary struct {
	Total     int
	Reachable int
	SwapOK    int
	Installed int
	Running   int
}

// Ready reports whether every node is running the cluster service.
func (s Summary) Ready() bool {
	return s.Total > 0 && s.Running == s.Total
}

// Checker probes fleet state.
type Checker struct {
	Runner       Runner
	StorageMount string
	Timeout      time.Duration
}

// CheckFleet probes every node and aggregates the summary.
func (c *Checker) CheckFleet(ctx context.Context, nodes []inventory.Node) ([]NodeState, Summary) {
	states := make([]NodeState, 0, len(nodes))
	summary := Summary{Total: len(nodes)}

	for _, node := range nodes {
		state := c.CheckNode(ctx, node)
		states = append(states, state)

		if state.Reachable {
			summary.Reachable++
		}
		if state.SwapDisabled {
			summary.SwapOK++
		}
		if state.K3sInstalled {
			summary.Installed++
		}
		if state.K3sRunning {
			summary.Running++
		}
	}
	return states, summary
}

// CheckNode probes a single node. A transport failure marks the node
// unreachable; it never aborts the fleet check.
func (c *Checker) CheckNode(ctx context.Context, node inventory.Node) NodeState {
	log := logging.L().With("component", "converge", "node", node.Name)
	state := NodeState{Node: node}
	opts := sshexec.Options{Timeout: c.Timeout}

	res, err := c.Runner.Run(ctx, node, "hostname", opts)
	if err != nil {
		log.Warnw("node unreachable", "err", err)
		state.Err = err
		return state
	}
	state.Reachable = true
	state.Hostname = strings.TrimSpace(res.Stdout)

	if res, err := c.Runner.Run(ctx, node, "uname -m", opts); err == nil {
		state.Arch = strings.TrimSpace(res.Stdout)
	}

	if res, err := c.Runner.Run(ctx, node, "free -h | grep -i swap | awk '{print $2}'", opts); err == nil {
		state.SwapValue = strings.TrimSpace(res.Stdout)
		state.SwapDisabled = SwapDisabled(state.SwapValue)
	}

	if node.Role == inventory.RoleWorker {
		c.checkCgroups(ctx, node, opts, &state)
	}

	if res, err := c.Runner.Run(ctx, node, "which k3s 2>/dev/null", opts); err == nil {
		state.K3sInstalled = res.ExitCode == 0
	}

	unit := "k3s"
	if node.Role == inventory.RoleWorker {
		unit = "k3s-agent"
	}
	if res, err := c.Runner.Run(ctx, node, "systemctl is-active "+unit+" 2>/dev/null", opts); err == nil {
		state.K3sRunning = strings.TrimSpace(res.Stdout) == "active"
	}

	if node.Role == inventory.RoleWorker && c.StorageMount != "" {
		cmd := "df -h " + c.StorageMount + " 2>/dev/null | tail -1"
		if res, err := c.Runner.Run(ctx, node, cmd, opts); err == nil {
			out := strings.TrimSpace(res.Stdout)
			state.StorageMounted = strings.Contains(out, c.StorageMount)
			if out != "" {
				state.StorageInfo = out
			} else {
				state.StorageInfo = "not mounted"
			}
		}
	}

	return state
}

// checkCgroups detects which cgroup hierarchy is mounted and queries the
// corresponding location for the memory controller.
func (c *Checker) checkCgroups(ctx context.Context, node inventory.Node, opts sshexec.Options, state *NodeState) {
	res, err := c.Runner.Run(ctx, node, "test -f /sys/fs/cgroup/memory.stat && echo v2 || echo v1", opts)
	if err != nil {
		return
	}
	state.CgroupVersion = strings.TrimSpace(res.Stdout)

	if state.CgroupVersion == "v2" {
		res, err := c.Runner.Run(ctx, node, "cat /sys/fs/cgroup/cgroup.controllers 2>/dev/null", opts)
		if err != nil {
			return
		}
		state.CgroupMemory = strings.Contains(res.Stdout, "memory")
		return
	}

	res, err = c.Runner.Run(ctx, node, "cat /proc/cgroups | grep memory | awk '{print $4}'", opts)
	if err != nil {
		return
	}
	state.CgroupMemory = CgroupV1MemoryEnabled(res.Stdout)
}

// SwapDisabled interprets the swap total column of free -h.
func SwapDisabled(value string) bool {
	switch strings.TrimSpace(value) {
	case "0B", "0", "":
		return true
	}
	return false
}

// CgroupV1MemoryEnabled interprets the enabled column of the memory row in
// /proc/cgroups.
func CgroupV1MemoryEnabled(column string) bool {
	return strings.TrimSpace(column) == "1"
}
