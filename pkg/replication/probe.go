package replication

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/transport"
)

// Target preflight probes, run before enabling a task so misconfiguration
// surfaces as a clear answer instead of a failed first run.

// TestSSHConnection checks that the target accepts our SSH configuration.
func TestSSHConnection(ctx context.Context, cfg *transport.SshConfig, host string) error {
	if cfg == nil {
		cfg = transport.DefaultSshConfig()
	}
	out, err := exec.CommandContext(ctx, "ssh",
		append(cfg.BuildArgs(host), "true")...).CombinedOutput()
	if err != nil {
		return errors.Annotatef(err, "ssh to %s failed: %s", host, strings.TrimSpace(string(out)))
	}
	return nil
}

// CheckRemoteZFS checks that the target host has zfs and that the parent of
// the target dataset exists.
func CheckRemoteZFS(ctx context.Context, cfg *transport.SshConfig, host, dataset string) error {
	if cfg == nil {
		cfg = transport.DefaultSshConfig()
	}
	parent := dataset
	if i := strings.LastIndexByte(dataset, '/'); i > 0 {
		parent = dataset[:i]
	}
	out, err := exec.CommandContext(ctx, "ssh",
		append(cfg.BuildArgs(host), "zfs list -H -o name "+parent)...).CombinedOutput()
	if err != nil {
		return errors.Annotatef(err, "dataset %s not usable on %s: %s", parent, host, strings.TrimSpace(string(out)))
	}
	return nil
}

// CheckRemoteSpace returns the free bytes under path on the target.
func CheckRemoteSpace(ctx context.Context, cfg *transport.SshConfig, host, path string) (uint64, error) {
	if cfg == nil {
		cfg = transport.DefaultSshConfig()
	}
	out, err := exec.CommandContext(ctx, "ssh",
		append(cfg.BuildArgs(host), "df -B1 --output=avail "+path)...).Output()
	if err != nil {
		return 0, errors.Annotatef(err, "df on %s failed", host)
	}
	lines := strings.Fields(strings.TrimSpace(string(out)))
	if len(lines) == 0 {
		return 0, errors.Errorf("unexpected df output from %s", host)
	}
	free, err := strconv.ParseUint(lines[len(lines)-1], 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "unexpected df output from %s", host)
	}
	return free, nil
}
