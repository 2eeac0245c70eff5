package bootstrap

import "github.com/julianwileymac/rpi-kubernetes/internal/inventory"

// Every step carries an explicit pre-condition probe (Check, or a
// read-before-write inside Apply) so a converged node short-circuits the
// whole list without a single mutation. Commands with no standalone probe
// (package index refresh, sysctl reload) ride along with the mutating step
// that makes them necessary.

const sysctlConf = `cat > /etc/sysctl.d/k8s.conf << 'EOF'
net.bridge.bridge-nf-call-iptables = 1
net.bridge.bridge-nf-call-ip6tables = 1
net.ipv4.ip_forward = 1
EOF
sysctl --system > /dev/null 2>&1`

const sysctlCheck = `grep -q 'net.bridge.bridge-nf-call-iptables = 1' /etc/sysctl.d/k8s.conf && grep -q 'net.ipv4.ip_forward = 1' /etc/sysctl.d/k8s.conf`

const swapOffCheck = `[ -z "$(swapon --noheadings 2>/dev/null)" ]`

const fstabSwapCheck = `! grep -q '\bswap\b' /etc/fstab`

// StandardSteps is the preparation sequence for regular x86 Linux hosts.
// These images are uniform enough that failures indicate a real problem, so
// every step is Fatal.
func StandardSteps() []Step {
	return []Step{
		{
			Name:     "disable swap",
			Check:    swapOffCheck,
			Command:  "swapoff -a",
			Severity: Fatal,
		},
		{
			Name:     "remove swap from fstab",
			Check:    fstabSwapCheck,
			Command:  `sed -i '/\bswap\b/d' /etc/fstab`,
			Severity: Fatal,
		},
		{
			Name:     "install prerequisites",
			Check:    "dpkg -s curl apt-transport-https ca-certificates software-properties-common > /dev/null 2>&1",
			Command:  "apt-get update -qq && apt-get install -y -qq curl apt-transport-https ca-certificates software-properties-common",
			Severity: Fatal,
		},
		{
			Name:     "load br_netfilter module",
			Check:    "lsmod | grep -q br_netfilter",
			Command:  "modprobe br_netfilter",
			Severity: Fatal,
		},
		{
			Name:     "persist br_netfilter",
			Check:    "grep -qx br_netfilter /etc/modules-load.d/k8s.conf 2>/dev/null",
			Command:  "echo 'br_netfilter' > /etc/modules-load.d/k8s.conf",
			Severity: Fatal,
		},
		{
			Name:     "write sysctl params",
			Check:    sysctlCheck,
			Command:  sysctlConf,
			Severity: Fatal,
		},
	}
}

// ARMSteps is the preparation sequence for constrained ARM boards (Raspberry
// Pi class). These images vary in available tooling, so most steps are Warn
// rather than Fatal; only the swap-off step aborts the node, since kubelet
// cannot run with swap enabled. The cgroup boot-parameter edit is the one
// step that requires a reboot to take effect.
func ARMSteps() []Step {
	return []Step{
		{
			Name:     "disable swap",
			Check:    swapOffCheck,
			Command:  "dphys-swapfile swapoff 2>/dev/null || swapoff -a",
			Severity: Fatal,
		},
		{
			Name:     "disable swap service",
			Check:    "! systemctl is-enabled dphys-swapfile > /dev/null 2>&1",
			Command:  "systemctl disable dphys-swapfile 2>/dev/null || true",
			Severity: Warn,
		},
		{
			Name:     "disable zram swap",
			Check:    "! systemctl is-enabled zramswap > /dev/null 2>&1",
			Command:  "systemctl stop zramswap 2>/dev/null || true; systemctl disable zramswap 2>/dev/null || true",
			Severity: Warn,
		},
		{
			Name:  "mask swap units",
			Check: `[ -z "$(systemctl list-units --type=swap --all --no-legend | awk '{print $1}')" ]`,
			Command: `for u in $(systemctl list-units --type=swap --all --no-legend | awk '{print $1}'); do ` +
				`systemctl stop "$u" 2>/dev/null || true; systemctl mask "$u" 2>/dev/null || true; done`,
			Severity: Warn,
		},
		{
			Name:     "remove swap from fstab",
			Check:    fstabSwapCheck,
			Command:  `sed -i '/\bswap\b/d' /etc/fstab`,
			Severity: Warn,
		},
		{
			Name:     "install prerequisites",
			Check:    "dpkg -s curl ca-certificates iptables > /dev/null 2>&1",
			Command:  "apt-get update -qq && apt-get install -y -qq curl ca-certificates iptables",
			Severity: Warn,
		},
		{
			Name:     "enable cgroups in boot cmdline",
			Apply:    applyCgroupCmdline,
			Severity: Warn,
			Reboots:  true,
		},
		{
			Name:     "load br_netfilter module",
			Check:    "lsmod | grep -q br_netfilter",
			Command:  "modprobe br_netfilter 2>/dev/null || true",
			Severity: Warn,
		},
		{
			Name:     "persist br_netfilter",
			Check:    "grep -qx br_netfilter /etc/modules-load.d/k8s.conf 2>/dev/null",
			Command:  "echo 'br_netfilter' > /etc/modules-load.d/k8s.conf",
			Severity: Warn,
		},
		{
			Name:     "write sysctl params",
			Check:    sysctlCheck,
			Command:  sysctlConf,
			Severity: Warn,
		},
	}
}

// StepsFor returns the step list for a hardware class.
func StepsFor(hw inventory.Hardware) []Step {
	if hw == inventory.HardwareARM {
		return ARMSteps()
	}
	return StandardSteps()
}
