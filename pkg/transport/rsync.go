package transport

import "fmt"

// RsyncConfig holds rsync settings for file-level replication
type RsyncConfig struct {
	Archive    bool     `json:"archive"`
	Verbose    bool     `json:"verbose"`
	Progress   bool     `json:"progress"`
	Delete     bool     `json:"delete"`
	HardLinks  bool     `json:"hard_links"`
	ACLs       bool     `json:"acls"`
	Xattrs     bool     `json:"xattrs"`
	Sparse     bool     `json:"sparse"`
	Compress   bool     `json:"compress"`
	Checksum   bool     `json:"checksum"`
	Exclude    []string `json:"exclude,omitempty"`
	Include    []string `json:"include,omitempty"`
	Partial    bool     `json:"partial"`
	PartialDir string   `json:"partial_dir,omitempty"`
	BwLimit    int      `json:"bwlimit,omitempty"`
	SshCommand string   `json:"ssh_command,omitempty"`
	RsyncPath  string   `json:"rsync_path,omitempty"`
	NumericIDs bool     `json:"numeric_ids"`
	Inplace    bool     `json:"inplace"`
	WholeFile  bool     `json:"whole_file"`
	Filter     []string `json:"filter,omitempty"`
	Itemize    bool     `json:"itemize"`
	LogFile    string   `json:"log_file,omitempty"`
}

// DefaultRsyncConfig returns the settings used when a task carries no rsync configuration
func DefaultRsyncConfig() *RsyncConfig {
	return &RsyncConfig{
		Archive:    true,
		Progress:   true,
		Delete:     true,
		HardLinks:  true,
		ACLs:       true,
		Xattrs:     true,
		Sparse:     true,
		Compress:   true,
		Partial:    true,
		PartialDir: ".rsync-partial",
		NumericIDs: true,
		Itemize:    true,
	}
}

// BuildArgs translates the configuration into an rsync argument vector.
// Flags come first in a stable order, followed by repeated exclude, include
// and filter patterns, then the optional log file.
func (c *RsyncConfig) BuildArgs() []string {
	var args []string

	if c.Archive {
		args = append(args, "-a")
	}
	if c.Verbose {
		args = append(args, "-v")
	}
	if c.Progress {
		args = append(args, "--progress")
	}
	if c.Delete {
		args = append(args, "--delete")
	}
	if c.HardLinks {
		args = append(args, "-H")
	}
	if c.ACLs {
		args = append(args, "-A")
	}
	if c.Xattrs {
		args = append(args, "-X")
	}
	if c.Sparse {
		args = append(args, "-S")
	}
	if c.Compress {
		args = append(args, "-z")
	}
	if c.Checksum {
		args = append(args, "--checksum")
	}
	if c.Partial {
		args = append(args, "--partial")
		if c.PartialDir != "" {
			args = append(args, "--partial-dir="+c.PartialDir)
		}
	}
	if c.BwLimit > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", c.BwLimit))
	}
	if c.SshCommand != "" {
		args = append(args, "-e", c.SshCommand)
	}
	if c.RsyncPath != "" {
		args = append(args, "--rsync-path="+c.RsyncPath)
	}
	if c.NumericIDs {
		args = append(args, "--numeric-ids")
	}
	if c.Inplace {
		args = append(args, "--inplace")
	}
	if c.WholeFile {
		args = append(args, "--whole-file")
	}
	if c.Itemize {
		args = append(args, "-i")
	}

	for _, pattern := range c.Exclude {
		args = append(args, "--exclude="+pattern)
	}
	for _, pattern := range c.Include {
		args = append(args, "--include="+pattern)
	}
	for _, rule := range c.Filter {
		args = append(args, "--filter="+rule)
	}

	if c.LogFile != "" {
		args = append(args, "--log-file="+c.LogFile)
	}

	return args
}
