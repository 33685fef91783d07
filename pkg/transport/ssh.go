package transport

import (
	"fmt"
	"sort"
	"strconv"
)

// SshConfig holds SSH connection settings for remote replication
type SshConfig struct {
	Port           int               `json:"port"`
	Username       string            `json:"username"`
	IdentityFile   string            `json:"identity_file,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
	ConnectTimeout int               `json:"connect_timeout"`
	Cipher         string            `json:"cipher,omitempty"`
	Compression    bool              `json:"compression"`
	ControlMaster  bool              `json:"control_master"`
	ControlPath    string            `json:"control_path,omitempty"`
}

// DefaultSshConfig returns the settings used when a task carries no SSH configuration
func DefaultSshConfig() *SshConfig {
	return &SshConfig{
		Port:           22,
		Username:       "root",
		ConnectTimeout: 30,
		Compression:    true,
		ControlMaster:  true,
		ControlPath:    "/tmp/repl-ssh-%r@%h:%p",
	}
}

// BuildArgs translates the configuration into an ssh argument vector ending
// in user@host. The order is stable: fixed options first, then identity,
// compression, cipher and control-master settings, then caller-supplied raw
// options sorted by key.
func (c *SshConfig) BuildArgs(host string) []string {
	args := []string{
		"-p", strconv.Itoa(c.Port),
		"-o", fmt.Sprintf("ConnectTimeout=%d", c.ConnectTimeout),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
	}

	if c.IdentityFile != "" {
		args = append(args, "-i", c.IdentityFile)
	}

	if c.Compression {
		args = append(args, "-C")
	}

	if c.Cipher != "" {
		args = append(args, "-c", c.Cipher)
	}

	if c.ControlMaster {
		args = append(args, "-o", "ControlMaster=auto")
		if c.ControlPath != "" {
			args = append(args, "-o", "ControlPath="+c.ControlPath)
		}
		args = append(args, "-o", "ControlPersist=60")
	}

	keys := make([]string, 0, len(c.Options))
	for key := range c.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-o", fmt.Sprintf("%s=%s", key, c.Options[key]))
	}

	args = append(args, fmt.Sprintf("%s@%s", c.Username, host))

	return args
}

// Target formats the user@host destination for this configuration.
func (c *SshConfig) Target(host string) string {
	return fmt.Sprintf("%s@%s", c.Username, host)
}

// RemoteShell renders the configuration as a remote-shell command string,
// suitable for rsync's -e option. It carries the same options as BuildArgs
// but no destination host.
func (c *SshConfig) RemoteShell() string {
	shell := "ssh"
	parts := c.BuildArgs("")
	// Drop the trailing user@ destination placeholder.
	for _, p := range parts[:len(parts)-1] {
		shell += " " + p
	}
	return shell
}
