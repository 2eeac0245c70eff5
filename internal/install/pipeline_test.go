package install

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

const testToken = "K10abc::server:deadbeef"

// fakeFleet scripts the remote side of an install run. Responses are matched
// on command content; unmatched commands succeed with empty output.
type fakeFleet struct {
	mu    sync.Mutex
	calls []struct {
		Node string
		Cmd  string
	}

	k3sInstalled map[string]bool // "which k3s" answers per node
	failAgents   map[string]bool // agent installer exits non-zero
}

func (f *fakeFleet) Run(_ context.Context, node inventory.Node, cmd string, _ sshexec.Options) (sshexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, struct {
		Node string
		Cmd  string
	}{node.Name, cmd})
	f.mu.Unlock()

	switch {
	case cmd == "which k3s":
		if f.k3sInstalled[node.Name] {
			return sshexec.Result{Stdout: "/usr/local/bin/k3s"}, nil
		}
		return sshexec.Result{ExitCode: 1}, nil
	case strings.HasPrefix(cmd, "systemctl is-active"):
		return sshexec.Result{Stdout: "active\n"}, nil
	case strings.Contains(cmd, "sh -s - server"):
		f.mu.Lock()
		f.k3sInstalled[node.Name] = true
		f.mu.Unlock()
		return sshexec.Result{}, nil
	case strings.Contains(cmd, "sh -s - agent"):
		if f.failAgents[node.Name] {
			return sshexec.Result{ExitCode: 1, Stderr: "installer exploded"}, nil
		}
		f.mu.Lock()
		f.k3sInstalled[node.Name] = true
		f.mu.Unlock()
		return sshexec.Result{}, nil
	case strings.HasPrefix(cmd, "cat /var/lib/rancher"):
		return sshexec.Result{Stdout: testToken + "\n"}, nil
	case strings.HasPrefix(cmd, "cat /etc/rancher"):
		return sshexec.Result{Stdout: "server: https://127.0.0.1:6443\n"}, nil
	default:
		return sshexec.Result{}, nil
	}
}

func (f *fakeFleet) commandsFor(node string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Node == node {
			out = append(out, c.Cmd)
		}
	}
	return out
}

func newFleet() *fakeFleet {
	return &fakeFleet{k3sInstalled: map[string]bool{}, failAgents: map[string]bool{}}
}

func testConfig() *inventory.Config {
	cfg := &inventory.Config{
		Nodes: []inventory.Node{
			{Name: "control", Host: "10.0.0.1", Port: 22, User: "ops", Role: inventory.RoleControlPlane, Hardware: inventory.HardwareStandard},
			{Name: "rpi1", Host: "10.0.0.11", Port: 22, User: "pi", Role: inventory.RoleWorker, Hardware: inventory.HardwareARM},
			{Name: "rpi2", Host: "10.0.0.12", Port: 22, User: "pi", Role: inventory.RoleWorker, Hardware: inventory.HardwareARM},
		},
	}
	cfg.ApplyDefaults()
	cfg.Timeouts = inventory.Timeouts{
		Command:            time.Second,
		Install:            time.Second,
		ActivePollAttempts: 1,
		ActivePollInterval: time.Millisecond,
		AgentSettleDelay:   time.Millisecond,
	}
	return cfg
}

func TestPipelineServerThenAgents(t *testing.T) {
	fleet := newFleet()
	p := &Pipeline{Runner: fleet, Config: testConfig(), Artifacts: testArtifacts(t)}

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testToken, result.Token)
	assert.False(t, result.PartialFailure())

	// Both workers joined with the token the server produced.
	for _, worker := range []string{"rpi1", "rpi2"} {
		joined := false
		for _, cmd := range fleet.commandsFor(worker) {
			if strings.Contains(cmd, "K3S_TOKEN="+testToken) && strings.Contains(cmd, "K3S_URL=https://10.0.0.1:6443") {
				joined = true
			}
		}
		assert.True(t, joined, "%s never received a join command", worker)
	}

	// The token artifact was persisted for later agents-only runs.
	token, err := p.Artifacts.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, testToken, token)
}

func TestPipelineTokenExtractedBeforeAgents(t *testing.T) {
	fleet := newFleet()
	p := &Pipeline{Runner: fleet, Config: testConfig(), Artifacts: testArtifacts(t)}

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	tokenRead := -1
	firstAgent := len(fleet.calls)
	for i, c := range fleet.calls {
		if strings.HasPrefix(c.Cmd, "cat /var/lib/rancher") && tokenRead < 0 {
			tokenRead = i
		}
		if strings.Contains(c.Cmd, "sh -s - agent") && i < firstAgent {
			firstAgent = i
		}
	}
	require.GreaterOrEqual(t, tokenRead, 0, "token was never read")
	assert.Less(t, tokenRead, firstAgent, "agent install started before the join token existed")
}

func TestPipelineServerFailureIsFatal(t *testing.T) {
	fleet := newFleet()
	failing := &failingRunner{inner: fleet}
	p := &Pipeline{Runner: failing, Config: testConfig(), Artifacts: testArtifacts(t)}

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control-plane install failed")

	for _, c := range fleet.calls {
		assert.NotContains(t, c.Cmd, "sh -s - agent", "no agent may install after a server failure")
	}
}

// failingRunner fails the server installer and passes everything else through.
type failingRunner struct {
	inner *fakeFleet
}

func (f *failingRunner) Run(ctx context.Context, node inventory.Node, cmd string, opts sshexec.Options) (sshexec.Result, error) {
	if strings.Contains(cmd, "sh -s - server") {
		f.inner.mu.Lock()
		f.inner.calls = append(f.inner.calls, struct {
			Node string
			Cmd  string
		}{node.Name, cmd})
		f.inner.mu.Unlock()
		return sshexec.Result{}, &sshexec.TransportError{Node: node.Name, Op: "run", Err: errors.New("connection reset")}
	}
	return f.inner.Run(ctx, node, cmd, opts)
}

func TestPipelineAgentFailureIsCollected(t *testing.T) {
	fleet := newFleet()
	fleet.failAgents["rpi1"] = true
	p := &Pipeline{Runner: fleet, Config: testConfig(), Artifacts: testArtifacts(t)}

	result, err := p.Run(context.Background())
	require.NoError(t, err, "agent failures do not abort the run")
	assert.True(t, result.PartialFailure())
	assert.Equal(t, []string{"rpi1"}, result.FailedAgents)
	require.Error(t, result.AgentErr)

	// The healthy worker still joined.
	joined := false
	for _, cmd := range fleet.commandsFor("rpi2") {
		if strings.Contains(cmd, "sh -s - agent") {
			joined = true
		}
	}
	assert.True(t, joined)
}

func TestPipelineWorkersOnlyReusesToken(t *testing.T) {
	fleet := newFleet()
	art := testArtifacts(t)
	require.NoError(t, art.SaveToken(testToken))

	p := &Pipeline{Runner: fleet, Config: testConfig(), Artifacts: art, WorkersOnly: true}
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testToken, result.Token)

	for _, c := range fleet.calls {
		assert.NotContains(t, c.Cmd, "sh -s - server", "workers-only must not touch the server")
	}
}

func TestPipelineWorkersOnlyWithoutTokenFails(t *testing.T) {
	p := &Pipeline{Runner: newFleet(), Config: testConfig(), Artifacts: testArtifacts(t), WorkersOnly: true}

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join token")
}

func TestPipelineControlPlaneOnlyStops(t *testing.T) {
	fleet := newFleet()
	p := &Pipeline{Runner: fleet, Config: testConfig(), Artifacts: testArtifacts(t), ControlPlaneOnly: true}

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testToken, result.Token)

	for _, c := range fleet.calls {
		assert.NotContains(t, c.Cmd, "sh -s - agent")
	}
}

func TestPipelineWorkerOverrideExcludesNodes(t *testing.T) {
	fleet := newFleet()
	cfg := testConfig()
	p := &Pipeline{
		Runner:    fleet,
		Config:    cfg,
		Artifacts: testArtifacts(t),
		Workers:   []inventory.Node{cfg.Nodes[2]}, // rpi1 dropped by an earlier phase
	}

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fleet.commandsFor("rpi1"))
	assert.NotEmpty(t, fleet.commandsFor("rpi2"))
}

func TestInstallServerAlreadyActiveShortCircuits(t *testing.T) {
	fleet := newFleet()
	fleet.k3sInstalled["control"] = true
	cfg := testConfig()
	art := testArtifacts(t)

	token, err := InstallControlPlane(context.Background(), fleet, cfg.ControlPlane(), cfg.Cluster, cfg.Timeouts, art)
	require.NoError(t, err)
	assert.Equal(t, testToken, token)

	for _, c := range fleet.calls {
		assert.NotContains(t, c.Cmd, "sh -s - server", "active server must not reinstall")
	}

	// Artifacts still get refreshed on a short-circuited run.
	saved, err := art.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, testToken, saved)
}

func TestInstallAgentAlreadyActiveShortCircuits(t *testing.T) {
	fleet := newFleet()
	fleet.k3sInstalled["rpi1"] = true
	cfg := testConfig()

	err := InstallAgent(context.Background(), fleet, cfg.Nodes[1], "https://10.0.0.1:6443", testToken, cfg.Cluster, cfg.Timeouts)
	require.NoError(t, err)

	for _, c := range fleet.calls {
		assert.NotContains(t, c.Cmd, "sh -s - agent")
	}
}
