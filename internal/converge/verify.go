package converge

import (
	"context"
	"strings"
	"time"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/logging"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

const (
	verifyAttempts = 12
	verifyInterval = 10 * time.Second
)

// VerifyCluster asks the control-plane's own API (via k3s kubectl) how many
// nodes have joined and reached Ready, polling until expected nodes are
// Ready or the attempts run out. Returns the last observed Ready count and
// node listing.
func VerifyCluster(ctx context.Context, r Runner, cp inventory.Node, expected int, timeout time.Duration) (int, string, error) {
	log := logging.L().With("component", "converge", "node", cp.Name)
	sudo := sshexec.Options{Sudo: true, Timeout: timeout}

	var ready int
	var listing string
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		res, err := r.Run(ctx, cp, "k3s kubectl get nodes -o wide", sudo)
		if err != nil {
			return ready, listing, err
		}
		if res.ExitCode == 0 {
			listing = strings.TrimSpace(res.Stdout)
			ready = CountReadyNodes(listing)
			log.Infow("cluster node status", "ready", ready, "expected", expected)
			if ready >= expected {
				return ready, listing, nil
			}
		}

		select {
		case <-time.After(verifyInterval):
		case <-ctx.Done():
			return ready, listing, ctx.Err()
		}
	}
	return ready, listing, nil
}

// CountReadyNodes counts Ready (not NotReady) rows in kubectl get nodes
// output, skipping the header line.
func CountReadyNodes(listing string) int {
	lines := strings.Split(strings.TrimSpace(listing), "\n")
	if len(lines) < 2 {
		return 0
	}
	count := 0
	for _, line := range lines[1:] {
		if strings.Contains(line, "Ready") && !strings.Contains(line, "NotReady") {
			count++
		}
	}
	return count
}
