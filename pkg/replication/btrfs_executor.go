package replication

import (
	"context"
	"path"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/btrfs"
)

// btrfsExecutor replicates btrfs subvolumes with btrfs send piped into
// btrfs receive, using the newest snapshot already on the target as the
// parent for incremental streams.
type btrfsExecutor struct {
	m *Manager
}

func (e *btrfsExecutor) Name() string { return "btrfs" }

func (e *btrfsExecutor) Available() error {
	return requireBinaries("btrfs", "pv")
}

func (e *btrfsExecutor) Replicate(ctx context.Context, task *ExtendedTask, isRetry bool) (uint64, error) {
	m := e.m
	m.setState(task.ID, StateEstimating)

	snapshots, err := btrfs.ListSnapshots(ctx, nil, task.SourceDataset)
	if err != nil {
		return 0, errors.Annotatef(err, "listing snapshots of %s", task.SourceDataset)
	}
	latest, ok := btrfs.Latest(snapshots)
	if !ok {
		return 0, errors.NotFoundf("read-only snapshot of %s to replicate", task.SourceDataset)
	}
	m.setCurrentItem(task.ID, latest.Path)

	parent := e.resolveParent(ctx, task, snapshots)
	if parent == latest.Path {
		log.Infow("target already up to date", "task", task.ID, "snapshot", latest.Path)
		m.setRunMeta(task.ID, latest.Path, "")
		return 0, nil
	}
	m.setRunMeta(task.ID, latest.Path, parent)

	spec := streamSpec{
		task:     task,
		sendArgv: append([]string{"btrfs"}, btrfs.SendArgs(parent, latest.Path)...),
		recvArgv: append([]string{"btrfs"}, btrfs.ReceiveArgs(task.TargetDataset)...),
	}
	if err := m.runStream(ctx, spec); err != nil {
		return 0, errors.Trace(err)
	}
	return m.transferredBytes(task.ID), nil
}

// resolveParent picks the parent for an incremental send: an explicit
// override on the task wins, otherwise the source snapshot matching the
// newest snapshot already received on the target, queried locally or over
// ssh. An empty parent means a full send.
func (e *btrfsExecutor) resolveParent(ctx context.Context, task *ExtendedTask, source []btrfs.Snapshot) string {
	if task.LastSnapshot != "" {
		return task.LastSnapshot
	}
	var sshArgs []string
	if effectiveTransport(task) != TransportLocal {
		sshArgs = sshConfig(task).BuildArgs(task.TargetHost)
	}
	onTarget, err := btrfs.ListSnapshots(ctx, sshArgs, task.TargetDataset)
	if err != nil {
		log.Debugw("target has no snapshots, sending full stream", "task", task.ID, "error", err)
		return ""
	}
	latest, ok := btrfs.Latest(onTarget)
	if !ok {
		return ""
	}
	return matchingParent(source, latest.Path)
}

// matchingParent finds the source snapshot carrying the same name as the
// target's newest one. btrfs send needs the parent present on the source.
func matchingParent(source []btrfs.Snapshot, targetLatest string) string {
	want := path.Base(targetLatest)
	for _, s := range source {
		if path.Base(s.Path) == want {
			return s.Path
		}
	}
	return ""
}

// Verify checks that the sent snapshot now exists under the target path.
func (e *btrfsExecutor) Verify(ctx context.Context, task *ExtendedTask) error {
	source, _ := e.m.runMetaFor(task.ID)
	if source == "" {
		return errors.New("no snapshot recorded for this run")
	}

	var sshArgs []string
	if effectiveTransport(task) != TransportLocal {
		sshArgs = sshConfig(task).BuildArgs(task.TargetHost)
	}
	snapshots, err := btrfs.ListSnapshots(ctx, sshArgs, task.TargetDataset)
	if err != nil {
		return errors.Annotatef(err, "listing snapshots under %s", task.TargetDataset)
	}
	want := path.Base(source)
	for _, s := range snapshots {
		if path.Base(s.Path) == want {
			return nil
		}
	}
	return errors.Errorf("snapshot %s not present under %s after transfer", want, task.TargetDataset)
}
