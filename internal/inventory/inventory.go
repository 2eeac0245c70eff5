// Package inventory loads and validates the static fleet description. The
// inventory is read once at process start and passed explicitly to every
// component; nothing mutates it after Load returns.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Role identifies the cluster role of a node.
type Role string

const (
	RoleControlPlane Role = "control-plane"
	RoleWorker       Role = "worker"
)

// Hardware identifies which bootstrap step list applies to a node.
type Hardware string

const (
	// HardwareStandard is a regular x86/amd64 Linux host.
	HardwareStandard Hardware = "standard"
	// HardwareARM is a constrained ARM board (Raspberry Pi class) whose boot
	// command line must be edited to enable the memory cgroup controller.
	HardwareARM Hardware = "arm"
)

// Node describes a single target host. Immutable for the duration of a run.
type Node struct {
	Name     string   `yaml:"name"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	User     string   `yaml:"user"`
	Role     Role     `yaml:"role"`
	Hardware Hardware `yaml:"hardware"`
}

// Addr returns the host:port dial address for the node.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// SSH contains the credentials used for every node.
type SSH struct {
	KeyPath    string `yaml:"keyPath"`    // Path to SSH private key
	Passphrase string `yaml:"passphrase"` // Key passphrase (optional)
	Password   string `yaml:"password"`   // Password fallback (optional)
}

// Cluster contains cluster-wide installation settings.
type Cluster struct {
	Name                  string   `yaml:"name"`
	K3sVersion            string   `yaml:"k3sVersion"`
	ServerArgs            []string `yaml:"serverArgs"`
	TokenFile             string   `yaml:"tokenFile"`
	KubeconfigFile        string   `yaml:"kubeconfigFile"`
	StorageMount          string   `yaml:"storageMount"`
	TolerateAgentFailures bool     `yaml:"tolerateAgentFailures"`
}

// Timeouts contains every configurable interval in one place.
type Timeouts struct {
	Command            time.Duration `yaml:"command"`            // Per-step remote command timeout
	Install            time.Duration `yaml:"install"`            // k3s installer timeout
	RebootGrace        time.Duration `yaml:"rebootGrace"`        // Wait before first reachability probe
	PollInterval       time.Duration `yaml:"pollInterval"`       // Reachability probe interval
	RebootTimeout      time.Duration `yaml:"rebootTimeout"`      // Overall reboot-wait bound
	ActivePollAttempts int           `yaml:"activePollAttempts"` // systemctl is-active poll attempts
	ActivePollInterval time.Duration `yaml:"activePollInterval"` // systemctl is-active poll interval
	AgentSettleDelay   time.Duration `yaml:"agentSettleDelay"`   // Wait before the single agent status observation
}

// Config is the full inventory loaded from YAML.
type Config struct {
	Cluster  Cluster  `yaml:"cluster"`
	SSH      SSH      `yaml:"ssh"`
	Timeouts Timeouts `yaml:"timeouts"`
	Nodes    []Node   `yaml:"nodes"`

	ConfigPath string `yaml:"-"` // Path to the config file (not serialized)
}

// Load loads the inventory from a YAML file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file %s: %w", configPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse inventory file %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	cfg.ApplyDefaults()

	if abs, err := filepath.Abs(configPath); err == nil {
		cfg.ConfigPath = abs
	} else {
		cfg.ConfigPath = configPath
	}

	return &cfg, nil
}

// Validate validates the inventory.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("no nodes defined in inventory")
	}

	controlPlanes := 0
	seen := make(map[string]bool, len(c.Nodes))
	for i, node := range c.Nodes {
		if node.Name == "" {
			return fmt.Errorf("node %d: name is required", i)
		}
		if seen[node.Name] {
			return fmt.Errorf("node %d (%s): duplicate node name", i, node.Name)
		}
		seen[node.Name] = true

		if node.Host == "" {
			return fmt.Errorf("node %d (%s): host is required", i, node.Name)
		}
		if node.User == "" {
			return fmt.Errorf("node %d (%s): user is required", i, node.Name)
		}
		switch node.Role {
		case RoleControlPlane:
			controlPlanes++
		case RoleWorker:
		default:
			return fmt.Errorf("node %d (%s): role must be %q or %q", i, node.Name, RoleControlPlane, RoleWorker)
		}
		switch node.Hardware {
		case HardwareStandard, HardwareARM, "":
		default:
			return fmt.Errorf("node %d (%s): hardware must be %q or %q", i, node.Name, HardwareStandard, HardwareARM)
		}
	}

	if controlPlanes != 1 {
		return fmt.Errorf("exactly one control-plane node is required, found %d", controlPlanes)
	}

	if c.SSH.KeyPath == "" && c.SSH.Password == "" {
		return fmt.Errorf("ssh: either keyPath or password must be specified")
	}

	return nil
}

// ApplyDefaults applies default values to the inventory.
func (c *Config) ApplyDefaults() {
	if c.Cluster.K3sVersion == "" {
		c.Cluster.K3sVersion = "v1.29.0+k3s1"
	}
	if len(c.Cluster.ServerArgs) == 0 {
		cp := c.ControlPlane()
		c.Cluster.ServerArgs = []string{
			"--disable=traefik",
			"--disable=local-storage",
			"--flannel-backend=vxlan",
			"--write-kubeconfig-mode=644",
			"--tls-san=" + cp.Host,
			"--tls-san=" + cp.Name,
			"--tls-san=" + cp.Name + ".local",
		}
	}
	if c.Cluster.TokenFile == "" {
		c.Cluster.TokenFile = "k3s_token.txt"
	}
	if c.Cluster.KubeconfigFile == "" {
		c.Cluster.KubeconfigFile = "kubeconfig.yaml"
	}
	if c.Cluster.StorageMount == "" {
		c.Cluster.StorageMount = "/mnt/storage"
	}

	t := &c.Timeouts
	if t.Command == 0 {
		t.Command = 5 * time.Minute
	}
	if t.Install == 0 {
		t.Install = 10 * time.Minute
	}
	if t.RebootGrace == 0 {
		t.RebootGrace = 10 * time.Second
	}
	if t.PollInterval == 0 {
		t.PollInterval = 5 * time.Second
	}
	if t.RebootTimeout == 0 {
		t.RebootTimeout = 3 * time.Minute
	}
	if t.ActivePollAttempts == 0 {
		t.ActivePollAttempts = 30
	}
	if t.ActivePollInterval == 0 {
		t.ActivePollInterval = 2 * time.Second
	}
	if t.AgentSettleDelay == 0 {
		t.AgentSettleDelay = 5 * time.Second
	}

	for i := range c.Nodes {
		if c.Nodes[i].Port == 0 {
			c.Nodes[i].Port = 22
		}
		if c.Nodes[i].Hardware == "" {
			if c.Nodes[i].Role == RoleWorker {
				c.Nodes[i].Hardware = HardwareARM
			} else {
				c.Nodes[i].Hardware = HardwareStandard
			}
		}
	}
}

// ControlPlane returns the control-plane node.
func (c *Config) ControlPlane() Node {
	for _, node := range c.Nodes {
		if node.Role == RoleControlPlane {
			return node
		}
	}
	return Node{}
}

// Workers returns all worker nodes.
func (c *Config) Workers() []Node {
	var workers []Node
	for _, node := range c.Nodes {
		if node.Role == RoleWorker {
			workers = append(workers, node)
		}
	}
	return workers
}

// Filter returns the nodes selected by the workers-only/control-plane-only
// flags. With neither set it returns every node, control-plane first.
func (c *Config) Filter(workersOnly, controlPlaneOnly bool) []Node {
	if workersOnly {
		return c.Workers()
	}
	if controlPlaneOnly {
		return []Node{c.ControlPlane()}
	}
	nodes := []Node{c.ControlPlane()}
	return append(nodes, c.Workers()...)
}
