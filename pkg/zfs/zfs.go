// Package zfs wraps the zfs command line tooling used by snapshot-based
// replication: snapshot discovery, resume tokens, send-size estimation,
// bookmarks and the send/receive argument vectors.
package zfs

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/progress"
)

// Remote addresses a dataset on another host. SSHArgs is a complete ssh
// argument vector ending in user@host. A nil Remote means the local node.
type Remote struct {
	Host    string
	SSHArgs []string
}

// Snapshot is one snapshot of a dataset.
type Snapshot struct {
	Name    string
	Created time.Time
	Holds   int
}

// Held reports whether the snapshot carries at least one hold tag.
func (s Snapshot) Held() bool {
	return s.Holds > 0
}

func run(ctx context.Context, r *Remote, args ...string) ([]byte, error) {
	var cmd *exec.Cmd
	if r == nil {
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	} else {
		full := append(append([]string{}, r.SSHArgs...), args...)
		cmd = exec.CommandContext(ctx, "ssh", full...)
	}
	out, err := cmd.Output()
	if err != nil {
		return out, errors.Annotatef(err, "%s failed", strings.Join(args, " "))
	}
	return out, nil
}

// LatestSnapshot returns the newest snapshot of dataset, ordered by creation
// time. A NotFound error is returned when the dataset has no snapshots.
func LatestSnapshot(ctx context.Context, r *Remote, dataset string) (string, error) {
	out, err := run(ctx, r,
		"zfs", "list", "-H", "-t", "snapshot", "-r", "-s", "creation", "-o", "name", dataset)
	if err != nil {
		return "", errors.Trace(err)
	}

	lines := nonEmptyLines(string(out))
	if len(lines) == 0 {
		return "", errors.NotFoundf("snapshots of %q", dataset)
	}
	return lines[len(lines)-1], nil
}

// ListSnapshots returns every snapshot of dataset, oldest first, with
// creation time and hold count.
func ListSnapshots(ctx context.Context, r *Remote, dataset string) ([]Snapshot, error) {
	out, err := run(ctx, r,
		"zfs", "list", "-H", "-p", "-t", "snapshot", "-r", "-s", "creation",
		"-o", "name,creation,userrefs", dataset)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return parseSnapshotList(string(out)), nil
}

func parseSnapshotList(out string) []Snapshot {
	var snapshots []Snapshot
	for _, line := range nonEmptyLines(out) {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		created, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		holds, _ := strconv.Atoi(fields[2])
		snapshots = append(snapshots, Snapshot{
			Name:    fields[0],
			Created: time.Unix(created, 0),
			Holds:   holds,
		})
	}
	return snapshots
}

// ResumeToken returns the receive_resume_token of dataset, or "" when no
// interrupted receive is pending.
func ResumeToken(ctx context.Context, r *Remote, dataset string) (string, error) {
	out, err := run(ctx, r,
		"zfs", "get", "-H", "-o", "value", "receive_resume_token", dataset)
	if err != nil {
		return "", errors.Trace(err)
	}

	token := strings.TrimSpace(string(out))
	if token == "-" {
		return "", nil
	}
	return token, nil
}

// Written returns the "written" accounting value of a snapshot in bytes.
func Written(ctx context.Context, r *Remote, snapshot string) (uint64, error) {
	out, err := run(ctx, r,
		"zfs", "get", "-H", "-p", "-o", "value", "written", snapshot)
	if err != nil {
		return 0, errors.Trace(err)
	}

	n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "unparsable written value for %q", snapshot)
	}
	return n, nil
}

// EstimateSendSize performs a dry-run send and returns the estimated stream
// size in bytes. zfs prints the estimate on stderr.
func EstimateSendSize(ctx context.Context, snapshot, incrementalFrom string, recursive bool) (uint64, error) {
	args := []string{"send", "-n", "-v", "-P"}
	if recursive {
		args = append(args, "-R")
	}
	if incrementalFrom != "" {
		args = append(args, "-i", incrementalFrom)
	}
	args = append(args, snapshot)

	cmd := exec.CommandContext(ctx, "zfs", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, errors.Annotatef(err, "send size estimate for %q failed", snapshot)
	}

	if n, ok := progress.ParseEstimate(string(out)); ok {
		return n, nil
	}
	return 0, nil
}

// CreateBookmark records a bookmark referencing snapshot, usable as a future
// incremental base without retaining the snapshot itself.
func CreateBookmark(ctx context.Context, snapshot, bookmark string) error {
	_, err := run(ctx, nil, "zfs", "bookmark", snapshot, bookmark)
	return errors.Trace(err)
}

// DestroySnapshot removes a snapshot.
func DestroySnapshot(ctx context.Context, name string) error {
	_, err := run(ctx, nil, "zfs", "destroy", name)
	return errors.Trace(err)
}

// SendOptions selects the stream features of a zfs send.
type SendOptions struct {
	Snapshot        string
	IncrementalFrom string
	ResumeToken     string
	Recursive       bool
	Properties      bool
	Raw             bool
	Compressed      bool
}

// SendArgs builds the zfs send argument vector. A resume token short
// circuits every other option: the stream continues exactly where the
// interrupted receive stopped.
func SendArgs(opts SendOptions) []string {
	args := []string{"send"}

	if opts.ResumeToken != "" {
		return append(args, "-t", opts.ResumeToken)
	}

	args = append(args, "-v")
	if opts.Recursive {
		args = append(args, "-R")
	}
	if opts.Properties {
		args = append(args, "-p")
	}
	if opts.Raw {
		args = append(args, "-w")
	}
	if opts.Compressed {
		args = append(args, "-c")
	}
	args = append(args, "-L", "-e")

	if opts.IncrementalFrom != "" {
		// -I replays intermediate snapshots, which recursive streams need.
		if opts.Recursive {
			args = append(args, "-I", opts.IncrementalFrom)
		} else {
			args = append(args, "-i", opts.IncrementalFrom)
		}
	}

	return append(args, opts.Snapshot)
}

// ReceiveArgs builds the zfs receive argument vector: forced overwrite,
// optionally saving partial state for resume, never auto-mounting.
func ReceiveArgs(target string, resumable bool) []string {
	args := []string{"receive", "-F"}
	if resumable {
		args = append(args, "-s")
	}
	return append(args, "-u", target)
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
