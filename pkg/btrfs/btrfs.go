// Package btrfs wraps the btrfs command line tooling used by
// subvolume-based replication.
package btrfs

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Snapshot is one read-only btrfs snapshot.
type Snapshot struct {
	Path    string
	Created time.Time
}

// ListSnapshots lists the read-only snapshots below path. A non-nil sshArgs
// (a complete ssh argument vector ending in user@host) runs the listing on
// the remote end.
func ListSnapshots(ctx context.Context, sshArgs []string, path string) ([]Snapshot, error) {
	args := []string{"btrfs", "subvolume", "list", "-s", path}

	var cmd *exec.Cmd
	if sshArgs == nil {
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	} else {
		full := append(append([]string{}, sshArgs...), args...)
		cmd = exec.CommandContext(ctx, "ssh", full...)
	}

	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to list btrfs snapshots under %q", path)
	}
	return parseSubvolumeList(string(out)), nil
}

// parseSubvolumeList parses "btrfs subvolume list -s" output. Each line has
// the shape:
//
//	ID 257 gen 10 cgen 10 top level 5 otime 2024-01-01 12:00:00 path snaps/vm-1
func parseSubvolumeList(out string) []Snapshot {
	var snapshots []Snapshot
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}

		pathIdx := -1
		for i, f := range fields {
			if f == "path" {
				pathIdx = i + 1
			}
		}
		if pathIdx < 0 || pathIdx >= len(fields) {
			continue
		}

		snap := Snapshot{Path: strings.Join(fields[pathIdx:], " ")}
		for i, f := range fields {
			if f == "otime" && i+2 < len(fields) {
				if ts, err := time.Parse("2006-01-02 15:04:05", fields[i+1]+" "+fields[i+2]); err == nil {
					snap.Created = ts
				}
			}
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// Latest returns the newest snapshot of the list, or the zero value when the
// list is empty.
func Latest(snapshots []Snapshot) (Snapshot, bool) {
	var latest Snapshot
	found := false
	for _, s := range snapshots {
		if !found || s.Created.After(latest.Created) {
			latest = s
			found = true
		}
	}
	return latest, found
}

// SendArgs builds the btrfs send argument vector, naming parent as the
// incremental base when known.
func SendArgs(parent, snapshot string) []string {
	args := []string{"send"}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	return append(args, snapshot)
}

// ReceiveArgs builds the btrfs receive argument vector.
func ReceiveArgs(target string) []string {
	return []string{"receive", target}
}
