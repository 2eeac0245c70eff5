package converge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

// fakeHost scripts one node's probe answers keyed on command content.
type fakeHost struct {
	unreachable bool
	swapTotal   string
	cgroupV2    bool
	cgroupMem   bool
	k3s         bool
	active      bool
	storage     string
}

func (h *fakeHost) run(node inventory.Node, cmd string) (sshexec.Result, error) {
	if h.unreachable {
		return sshexec.Result{}, &sshexec.TransportError{Node: node.Name, Op: "dial", Err: errors.New("no route to host")}
	}
	switch {
	case cmd == "hostname":
		return sshexec.Result{Stdout: node.Name + "\n"}, nil
	case cmd == "uname -m":
		return sshexec.Result{Stdout: "aarch64\n"}, nil
	case strings.HasPrefix(cmd, "free -h"):
		return sshexec.Result{Stdout: h.swapTotal + "\n"}, nil
	case strings.Contains(cmd, "memory.stat"):
		if h.cgroupV2 {
			return sshexec.Result{Stdout: "v2\n"}, nil
		}
		return sshexec.Result{Stdout: "v1\n"}, nil
	case strings.Contains(cmd, "cgroup.controllers"):
		if h.cgroupMem {
			return sshexec.Result{Stdout: "cpuset cpu io memory pids\n"}, nil
		}
		return sshexec.Result{Stdout: "cpuset cpu io pids\n"}, nil
	case strings.Contains(cmd, "/proc/cgroups"):
		if h.cgroupMem {
			return sshexec.Result{Stdout: "1\n"}, nil
		}
		return sshexec.Result{Stdout: "0\n"}, nil
	case strings.HasPrefix(cmd, "which k3s"):
		if h.k3s {
			return sshexec.Result{Stdout: "/usr/local/bin/k3s"}, nil
		}
		return sshexec.Result{ExitCode: 1}, nil
	case strings.HasPrefix(cmd, "systemctl is-active"):
		if h.active {
			return sshexec.Result{Stdout: "active\n"}, nil
		}
		return sshexec.Result{Stdout: "inactive\n", ExitCode: 3}, nil
	case strings.HasPrefix(cmd, "df -h"):
		if h.storage != "" {
			return sshexec.Result{Stdout: h.storage + "\n"}, nil
		}
		return sshexec.Result{}, nil
	default:
		return sshexec.Result{}, nil
	}
}

type fakeCluster map[string]*fakeHost

func (f fakeCluster) Run(_ context.Context, node inventory.Node, cmd string, _ sshexec.Options) (sshexec.Result, error) {
	host, ok := f[node.Name]
	if !ok {
		return sshexec.Result{}, &sshexec.TransportError{Node: node.Name, Op: "dial", Err: errors.New("unknown host")}
	}
	return host.run(node, cmd)
}

func worker(name string) inventory.Node {
	return inventory.Node{Name: name, Host: "10.0.0.2", Role: inventory.RoleWorker, Hardware: inventory.HardwareARM}
}

func controlPlane() inventory.Node {
	return inventory.Node{Name: "control", Host: "10.0.0.1", Role: inventory.RoleControlPlane}
}

func TestCheckNodeHealthyWorker(t *testing.T) {
	fleet := fakeCluster{"rpi1": {swapTotal: "0B", cgroupV2: true, cgroupMem: true, k3s: true, active: true,
		storage: "/dev/sda1  916G  12G  858G   2% /mnt/storage"}}
	c := &Checker{Runner: fleet, StorageMount: "/mnt/storage", Timeout: time.Second}

	state := c.CheckNode(context.Background(), worker("rpi1"))

	assert.True(t, state.Reachable)
	assert.Equal(t, "rpi1", state.Hostname)
	assert.Equal(t, "aarch64", state.Arch)
	assert.True(t, state.SwapDisabled)
	assert.Equal(t, "v2", state.CgroupVersion)
	assert.True(t, state.CgroupMemory)
	assert.True(t, state.K3sInstalled)
	assert.True(t, state.K3sRunning)
	assert.True(t, state.StorageMounted)
	assert.False(t, state.NeedsBootstrap())
}

func TestCheckNodeUnreachable(t *testing.T) {
	fleet := fakeCluster{"rpi1": {unreachable: true}}
	c := &Checker{Runner: fleet, Timeout: time.Second}

	state := c.CheckNode(context.Background(), worker("rpi1"))

	assert.False(t, state.Reachable)
	require.Error(t, state.Err)
	assert.False(t, state.NeedsBootstrap(), "an unreachable node cannot be classified")
}

func TestCheckNodeCgroupV1(t *testing.T) {
	fleet := fakeCluster{"rpi1": {swapTotal: "0B", cgroupV2: false, cgroupMem: true}}
	c := &Checker{Runner: fleet, Timeout: time.Second}

	state := c.CheckNode(context.Background(), worker("rpi1"))

	assert.Equal(t, "v1", state.CgroupVersion)
	assert.True(t, state.CgroupMemory)
}

func TestCheckNodeNeedsBootstrap(t *testing.T) {
	t.Run("swap enabled", func(t *testing.T) {
		fleet := fakeCluster{"rpi1": {swapTotal: "99Mi", cgroupV2: true, cgroupMem: true}}
		c := &Checker{Runner: fleet, Timeout: time.Second}
		state := c.CheckNode(context.Background(), worker("rpi1"))
		assert.True(t, state.NeedsBootstrap())
	})

	t.Run("memory cgroup missing", func(t *testing.T) {
		fleet := fakeCluster{"rpi1": {swapTotal: "0B", cgroupV2: true, cgroupMem: false}}
		c := &Checker{Runner: fleet, Timeout: time.Second}
		state := c.CheckNode(context.Background(), worker("rpi1"))
		assert.True(t, state.NeedsBootstrap())
	})

	t.Run("control-plane needs no cgroup edit", func(t *testing.T) {
		fleet := fakeCluster{"control": {swapTotal: "0B", k3s: true, active: true}}
		c := &Checker{Runner: fleet, Timeout: time.Second}
		state := c.CheckNode(context.Background(), controlPlane())
		assert.False(t, state.NeedsBootstrap())
		assert.Empty(t, state.CgroupVersion, "cgroup probe is workers-only")
	})
}

func TestCheckFleetSummary(t *testing.T) {
	fleet := fakeCluster{
		"control": {swapTotal: "0B", k3s: true, active: true},
		"rpi1":    {swapTotal: "0B", cgroupV2: true, cgroupMem: true, k3s: true, active: true},
		"rpi2":    {unreachable: true},
	}
	c := &Checker{Runner: fleet, Timeout: time.Second}

	states, summary := c.CheckFleet(context.Background(), []inventory.Node{controlPlane(), worker("rpi1"), worker("rpi2")})

	require.Len(t, states, 3)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Reachable)
	assert.Equal(t, 2, summary.SwapOK)
	assert.Equal(t, 2, summary.Installed)
	assert.Equal(t, 2, summary.Running)
	assert.False(t, summary.Ready())
}

func TestSummaryReady(t *testing.T) {
	assert.True(t, Summary{Total: 3, Running: 3}.Ready())
	assert.False(t, Summary{Total: 3, Running: 2}.Ready())
	assert.False(t, Summary{}.Ready())
}

func TestSwapDisabled(t *testing.T) {
	assert.True(t, SwapDisabled("0B"))
	assert.True(t, SwapDisabled("0"))
	assert.True(t, SwapDisabled(""))
	assert.True(t, SwapDisabled(" 0B \n"))
	assert.False(t, SwapDisabled("99Mi"))
	assert.False(t, SwapDisabled("2.0Gi"))
}

func TestCgroupV1MemoryEnabled(t *testing.T) {
	assert.True(t, CgroupV1MemoryEnabled("1\n"))
	assert.False(t, CgroupV1MemoryEnabled("0"))
	assert.False(t, CgroupV1MemoryEnabled(""))
}

const nodeListing = `NAME      STATUS     ROLES                  AGE   VERSION
control   Ready      control-plane,master   10m   v1.29.0+k3s1
rpi1      Ready      <none>                 8m    v1.29.0+k3s1
rpi2      NotReady   <none>                 1m    v1.29.0+k3s1`

func TestCountReadyNodes(t *testing.T) {
	assert.Equal(t, 2, CountReadyNodes(nodeListing))
	assert.Equal(t, 0, CountReadyNodes(""))
	assert.Equal(t, 0, CountReadyNodes("NAME STATUS"))
}

func TestVerifyClusterSucceedsFirstAttempt(t *testing.T) {
	runner := runnerFunc(func(_ inventory.Node, cmd string) (sshexec.Result, error) {
		if !strings.Contains(cmd, "kubectl get nodes") {
			t.Fatalf("unexpected command %q", cmd)
		}
		return sshexec.Result{Stdout: nodeListing}, nil
	})

	ready, listing, err := VerifyCluster(context.Background(), runner, controlPlane(), 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, ready)
	assert.Contains(t, listing, "rpi1")
}

func TestVerifyClusterTransportErrorStops(t *testing.T) {
	runner := runnerFunc(func(node inventory.Node, _ string) (sshexec.Result, error) {
		return sshexec.Result{}, &sshexec.TransportError{Node: node.Name, Op: "dial", Err: errors.New("down")}
	})

	_, _, err := VerifyCluster(context.Background(), runner, controlPlane(), 2, time.Second)
	assert.Error(t, err)
}

type runnerFunc func(node inventory.Node, cmd string) (sshexec.Result, error)

func (f runnerFunc) Run(_ context.Context, node inventory.Node, cmd string, _ sshexec.Options) (sshexec.Result, error) {
	return f(node, cmd)
}
