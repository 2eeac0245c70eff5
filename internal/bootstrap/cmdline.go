package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
	"github.com/julianwileymac/rpi-kubernetes/internal/sshexec"
)

const (
	cgroupMemoryParam = "cgroup_memory=1"
	cgroupEnableParam = "cgroup_enable=memory"
)

// EnsureCgroupParams returns the boot command line with both cgroup memory
// parameters appended. A line that already carries both is returned
// unchanged, byte for byte. Partial occurrences are stripped first so the
// parameters are never duplicated.
func EnsureCgroupParams(line string) string {
	if strings.Contains(line, cgroupMemoryParam) && strings.Contains(line, cgroupEnableParam) {
		return line
	}
	for _, param := range []string{cgroupMemoryParam, cgroupEnableParam} {
		line = strings.ReplaceAll(line, " "+param, "")
	}
	return strings.TrimSpace(line) + " " + cgroupMemoryParam + " " + cgroupEnableParam
}

// applyCgroupCmdline enables the memory cgroup controller on a Raspberry Pi
// class board by editing the kernel boot command line. The original file is
// backed up exactly once; the edit only happens when at least one parameter
// is missing. The change takes effect after a reboot.
func applyCgroupCmdline(ctx context.Context, r Runner, node inventory.Node, timeout time.Duration) (Outcome, error) {
	opts := sshexec.Options{Timeout: timeout}
	sudo := sshexec.Options{Sudo: true, Timeout: timeout}

	// Newer Raspberry Pi OS releases moved the file under /boot/firmware.
	res, err := r.Run(ctx, node, "test -f /boot/firmware/cmdline.txt && echo /boot/firmware/cmdline.txt || echo /boot/cmdline.txt", opts)
	if err != nil {
		return Failed, err
	}
	cmdlineFile := strings.TrimSpace(res.Stdout)
	if cmdlineFile == "" {
		return Failed, fmt.Errorf("could not locate boot cmdline file on %s", node.Name)
	}

	res, err = r.Run(ctx, node, "cat "+cmdlineFile, opts)
	if err != nil {
		return Failed, err
	}
	if res.ExitCode != 0 {
		return Failed, fmt.Errorf("failed to read %s on %s: %s", cmdlineFile, node.Name, strings.TrimSpace(res.Stderr))
	}
	current := strings.TrimSpace(res.Stdout)

	if strings.Contains(current, cgroupMemoryParam) && strings.Contains(current, cgroupEnableParam) {
		return Skipped, nil
	}

	backupCmd := fmt.Sprintf("test -f %[1]s.bak || cp %[1]s %[1]s.bak", cmdlineFile)
	if res, err = r.Run(ctx, node, backupCmd, sudo); err != nil {
		return Failed, err
	} else if res.ExitCode != 0 {
		return Failed, fmt.Errorf("failed to back up %s on %s: %s", cmdlineFile, node.Name, strings.TrimSpace(res.Stderr))
	}

	updated := EnsureCgroupParams(current)
	writeCmd := fmt.Sprintf("echo '%s' | tee %s > /dev/null", updated, cmdlineFile)
	if res, err = r.Run(ctx, node, writeCmd, sudo); err != nil {
		return Failed, err
	} else if res.ExitCode != 0 {
		return Failed, fmt.Errorf("failed to write %s on %s: %s", cmdlineFile, node.Name, strings.TrimSpace(res.Stderr))
	}

	// Read back to confirm the parameters landed.
	res, err = r.Run(ctx, node, "cat "+cmdlineFile, opts)
	if err != nil {
		return Failed, err
	}
	if !strings.Contains(res.Stdout, cgroupMemoryParam) || !strings.Contains(res.Stdout, cgroupEnableParam) {
		return Failed, fmt.Errorf("cgroup params missing after write on %s: %s", node.Name, strings.TrimSpace(res.Stdout))
	}

	return Ok, nil
}
