package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSshConfigBuildArgs(t *testing.T) {
	cfg := DefaultSshConfig()
	cfg.Port = 2222
	cfg.Username = "backup"
	cfg.IdentityFile = "/root/.ssh/backup_key"

	args := cfg.BuildArgs("192.168.1.100")

	assert.Contains(t, args, "-p")
	assert.Contains(t, args, "2222")
	assert.Contains(t, args, "-i")
	assert.Contains(t, args, "/root/.ssh/backup_key")
	assert.Contains(t, args, "-C")
	assert.Equal(t, "backup@192.168.1.100", args[len(args)-1])
}

func TestSshConfigBuildArgsFixedPrefix(t *testing.T) {
	cfg := &SshConfig{Port: 22, Username: "root", ConnectTimeout: 10}

	args := cfg.BuildArgs("nas2")

	require.True(t, len(args) >= 8)
	assert.Equal(t, []string{
		"-p", "22",
		"-o", "ConnectTimeout=10",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
	}, args[:8])
	assert.Equal(t, "root@nas2", args[len(args)-1])
}

func TestSshConfigControlMaster(t *testing.T) {
	cfg := DefaultSshConfig()

	args := strings.Join(cfg.BuildArgs("nas2"), " ")

	assert.Contains(t, args, "ControlMaster=auto")
	assert.Contains(t, args, "ControlPath=/tmp/repl-ssh-%r@%h:%p")
	assert.Contains(t, args, "ControlPersist=60")
}

func TestSshConfigRawOptionsSorted(t *testing.T) {
	cfg := &SshConfig{
		Port:           22,
		Username:       "root",
		ConnectTimeout: 30,
		Options: map[string]string{
			"ServerAliveInterval": "15",
			"LogLevel":            "ERROR",
		},
	}

	// Map options must come out in a deterministic order across runs.
	first := cfg.BuildArgs("h")
	second := cfg.BuildArgs("h")
	assert.Equal(t, first, second)

	joined := strings.Join(first, " ")
	assert.Less(t, strings.Index(joined, "LogLevel=ERROR"), strings.Index(joined, "ServerAliveInterval=15"))
}

func TestRsyncConfigBuildArgs(t *testing.T) {
	cfg := DefaultRsyncConfig()
	cfg.Exclude = []string{"*.tmp", ".cache"}
	cfg.BwLimit = 10000

	args := cfg.BuildArgs()

	assert.Contains(t, args, "-a")
	assert.Contains(t, args, "--delete")
	assert.Contains(t, args, "-z")
	assert.Contains(t, args, "--exclude=*.tmp")
	assert.Contains(t, args, "--exclude=.cache")
	assert.Contains(t, args, "--bwlimit=10000")
	assert.Contains(t, args, "--partial-dir=.rsync-partial")
}

func TestRsyncConfigPatternsAfterFlags(t *testing.T) {
	cfg := &RsyncConfig{
		Archive: true,
		Delete:  true,
		Exclude: []string{"*.tmp"},
		Include: []string{"*.img"},
		Filter:  []string{"dir-merge /.rsync-filter"},
		LogFile: "/var/log/repl.log",
	}

	args := cfg.BuildArgs()

	require.Equal(t, []string{
		"-a", "--delete",
		"--exclude=*.tmp",
		"--include=*.img",
		"--filter=dir-merge /.rsync-filter",
		"--log-file=/var/log/repl.log",
	}, args)
}

func TestRsyncConfigSshOverride(t *testing.T) {
	cfg := &RsyncConfig{SshCommand: "ssh -p 2222 -o BatchMode=yes"}

	args := cfg.BuildArgs()

	require.Len(t, args, 2)
	assert.Equal(t, "-e", args[0])
	assert.Equal(t, "ssh -p 2222 -o BatchMode=yes", args[1])
}
