// Package reboot restarts nodes whose bootstrap requires it and waits for
// them to come back. This is the single reboot-wait implementation for the
// whole tool; every caller goes through Synchronizer rather than carrying
// its own polling loop.
package reboot

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

// Prober checks SSH reachability of a node without running a command.
type Prober interface {
	Probe(ctx context.Context, node inventory.Node) error
}

// TimeoutError reports the nodes that never came back within the bound.
type TimeoutError struct {
	Pending []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("nodes still unreachable after reboot: %s", strings.Join(e.Pending, ", "))
}

// Synchronizer reboots nodes and waits for SSH reachability.
type Synchronizer struct {
	Runner Runner
	Prober Prober

	Grace    time.Duration // Wait before the first probe
	Interval time.Duration // Probe retry interval
	Timeout  time.Duration // Overall bound on the wait
}

// Reboot issues a reboot to every node. The connection dropping while the
// reboot command runs is the expected outcome, not an error; a transport
// failure that prevents the command from being dispatched at all is still an
// error.
func (s *Synchronizer) Reboot(ctx context.Context, nodes []inventory.Node) error {
	log := logging.L().With("component", "reboot")

	for _, node := range nodes {
		log.Infow("rebooting node", "node", node.Name)
		_, err := s.Runner.Run(ctx, node, "reboot", sshexec.Options{Sudo: true, Timeout: 30 * time.Second})
		if err != nil {
			var te *sshexec.TransportError
			if !errors.As(err, &te) || te.Op != "run" {
				return fmt.Errorf("failed to issue reboot on %s: %w", node.Name, err)
			}
			// The session died executing reboot: the node is going down.
		}
		log.Infow("reboot initiated", "node", node.Name)
	}
	return nil
}

// Wait polls every node until it responds or the timeout elapses. On success
// the pending set is empty and nil is returned; on timeout a *TimeoutError
// names exactly the nodes that never responded, and the caller must treat
// that as a hard stop for the run.
func (s *Synchronizer) Wait(ctx context.Context, nodes []inventory.Node) error {
	log := logging.L().With("component", "reboot")

	if len(nodes) == 0 {
		return nil
	}

	log.Infow("waiting for nodes to come back online", "nodes", len(nodes), "timeout", s.Timeout)

	select {
	case <-time.After(s.Grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	pending := make(map[string]inventory.Node, len(nodes))
	for _, node := range nodes {
		pending[node.Name] = node
	}

	deadline := time.Now().Add(s.Timeout)
	for len(pending) > 0 && time.Now().Before(deadline) {
		for name, node := range pending {
			if err := s.Prober.Probe(ctx, node); err == nil {
				log.Infow("node is back online", "node", name)
				delete(pending, name)
			}
		}

		if len(pending) == 0 {
			break
		}

		select {
		case <-time.After(s.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(pending) > 0 {
		names := make([]string, 0, len(pending))
		for name := range pending {
			names = append(names, name)
		}
		sort.Strings(names)
		log.Errorw("nodes did not come back within timeout", "pending", strings.Join(names, ", "))
		return &TimeoutError{Pending: names}
	}

	log.Infow("all nodes back online")
	return nil
}
