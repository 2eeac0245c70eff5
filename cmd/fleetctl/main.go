package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/julianwileymac/rpi-kubernetes/internal/deployer"
	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/logging"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	app := &cli.App{
		Name:    "fleetctl",
		Usage:   "Bootstrap and install a k3s cluster on a heterogeneous fleet over SSH",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "inventory",
				Aliases: []string{"i"},
				Usage:   "path to the YAML fleet inventory",
				Value:   "fleetctl.yaml",
				EnvVars: []string{"FLEETCTL_INVENTORY"},
			},
			&cli.StringFlag{
				Name:  "artifacts-dir",
				Usage: "directory for the token and kubeconfig artifacts",
				Value: ".",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Run the provisioning pipeline: bootstrap, reboot-wait, install, verify",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Usage: "print planned steps per node, perform no remote action"},
					&cli.BoolFlag{Name: "bootstrap-only", Usage: "run the bootstrap phase and reboot synchronisation only"},
					&cli.BoolFlag{Name: "install-only", Usage: "skip bootstrap, go straight to installation"},
					&cli.BoolFlag{Name: "skip-reboot", Usage: "do not reboot workers after enabling cgroups"},
					&cli.BoolFlag{Name: "workers-only", Usage: "operate on worker nodes only (requires a persisted token for install)"},
					&cli.BoolFlag{Name: "control-plane-only", Usage: "operate on the control-plane node only"},
					&cli.BoolFlag{Name: "tolerate-agent-failures", Usage: "exit zero even when some agent installs fail"},
				},
				Action: upCmd,
			},
			{
				Name:   "check",
				Usage:  "Probe fleet state and print the convergence summary",
				Action: checkCmd,
			},
		},
	}

	if err := app.RunContext(withSignals(context.Background()), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "\nError:\n  %s\n\n", formatError(err))
		os.Exit(1)
	}
}

func withSignals(parent context.Context) context.Context {
	ctx, _ := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func loadInventory(c *cli.Context) (*inventory.Config, error) {
	path := c.String("inventory")
	logging.L().Infow("loading inventory", "path", path)
	cfg, err := inventory.Load(path)
	if err != nil {
		return nil, err
	}
	logging.L().Infow("inventory loaded",
		"configFile", cfg.ConfigPath,
		"clusterName", cfg.Cluster.Name,
		"nodes", len(cfg.Nodes),
		"workers", len(cfg.Workers()),
	)
	return cfg, nil
}

func upCmd(c *cli.Context) error {
	if c.Bool("workers-only") && c.Bool("control-plane-only") {
		return fmt.Errorf("--workers-only and --control-plane-only are mutually exclusive")
	}

	cfg, err := loadInventory(c)
	if err != nil {
		return err
	}

	return deployer.Deploy(c.Context, cfg, deployer.Options{
		DryRun:                c.Bool("dry-run"),
		BootstrapOnly:         c.Bool("bootstrap-only"),
		InstallOnly:           c.Bool("install-only"),
		SkipReboot:            c.Bool("skip-reboot"),
		WorkersOnly:           c.Bool("workers-only"),
		ControlPlaneOnly:      c.Bool("control-plane-only"),
		TolerateAgentFailures: c.Bool("tolerate-agent-failures"),
		ArtifactsDir:          c.String("artifacts-dir"),
	})
}

func checkCmd(c *cli.Context) error {
	cfg, err := loadInventory(c)
	if err != nil {
		return err
	}
	return deployer.Check(c.Context, cfg)
}

// formatError formats a nested error with each level on a separate line.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var lines []string
	current := err

	for current != nil {
		msg := current.Error()
		unwrapped := errors.Unwrap(current)
		if unwrapped != nil {
			unwrappedMsg := unwrapped.Error()
			if strings.HasSuffix(msg, ": "+unwrappedMsg) {
				msg = strings.TrimSuffix(msg, ": "+unwrappedMsg)
			}
		}
		lines = append(lines, msg)
		current = unwrapped
	}

	var formatted strings.Builder
	for i, line := range lines {
		if i > 0 {
			formatted.WriteString("\n  ")
			formatted.WriteString(strings.Repeat("→ ", i))
		}
		formatted.WriteString(line)
	}

	return formatted.String()
}
