package replication

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/zfs"
)

// zfsExecutor replicates ZFS datasets with zfs send piped into zfs receive,
// sending incrementally on top of whatever the target already holds and
// resuming interrupted receives from the target's resume token on retries.
type zfsExecutor struct {
	m *Manager
}

func (e *zfsExecutor) Name() string { return "zfs" }

func (e *zfsExecutor) Available() error {
	return requireBinaries("zfs", "pv")
}

func (e *zfsExecutor) Replicate(ctx context.Context, task *ExtendedTask, isRetry bool) (uint64, error) {
	m := e.m
	m.setState(task.ID, StateEstimating)

	snapshot, err := zfs.LatestSnapshot(ctx, nil, task.SourceDataset)
	if err != nil {
		return 0, errors.Annotatef(err, "no snapshot of %s to replicate", task.SourceDataset)
	}
	m.setCurrentItem(task.ID, snapshot)

	incrementalFrom := e.resolveBase(ctx, task)
	if incrementalFrom == snapshot {
		log.Infow("target already up to date", "task", task.ID, "snapshot", snapshot)
		m.setRunMeta(task.ID, snapshot, "")
		return 0, nil
	}

	opts := zfs.SendOptions{
		Snapshot:        snapshot,
		IncrementalFrom: incrementalFrom,
		Recursive:       task.Recursive,
		Properties:      task.Properties,
		Raw:             task.Raw,
		Compressed:      task.Compression,
	}

	// A retry of a resumable task picks up the interrupted receive where
	// it stopped instead of starting over.
	if task.Resumable && isRetry {
		token, err := zfs.ResumeToken(ctx, e.targetRemote(task), task.TargetDataset)
		if err != nil {
			log.Debugw("no resume token on target", "task", task.ID, "error", err)
		} else if token != "" {
			log.Infow("resuming interrupted receive", "task", task.ID)
			opts.ResumeToken = token
		}
	}

	if opts.ResumeToken == "" {
		if size, err := zfs.EstimateSendSize(ctx, snapshot, incrementalFrom, task.Recursive); err != nil {
			log.Warnw("send size estimate failed", "task", task.ID, "error", err)
		} else if size > 0 {
			m.setTotal(task.ID, size)
		}
	}

	m.setRunMeta(task.ID, snapshot, incrementalFrom)

	spec := streamSpec{
		task:     task,
		sendArgv: append([]string{"zfs"}, zfs.SendArgs(opts)...),
		recvArgv: append([]string{"zfs"}, zfs.ReceiveArgs(task.TargetDataset, task.Resumable)...),
	}
	if err := m.runStream(ctx, spec); err != nil {
		return 0, errors.Trace(err)
	}

	// A rolling per-task bookmark of the sent snapshot survives snapshot
	// pruning and keeps future incrementals possible. Failing to create
	// it does not fail the run.
	if task.UseBookmarks {
		dataset := snapshot
		if i := strings.IndexByte(snapshot, '@'); i >= 0 {
			dataset = snapshot[:i]
		}
		bookmark := dataset + "#repl-" + task.ID
		if err := zfs.DestroySnapshot(ctx, bookmark); err != nil {
			log.Debugw("no previous bookmark to replace", "task", task.ID)
		}
		if err := zfs.CreateBookmark(ctx, snapshot, bookmark); err != nil {
			log.Warnw("bookmark creation failed", "task", task.ID, "bookmark", bookmark, "error", err)
		}
	}

	return m.transferredBytes(task.ID), nil
}

// Verify compares the replicated snapshot on both sides: the target's newest
// snapshot must carry the same name and the same written size as the source
// snapshot that was sent.
func (e *zfsExecutor) Verify(ctx context.Context, task *ExtendedTask) error {
	source, _ := e.m.runMetaFor(task.ID)
	if source == "" {
		return errors.New("no snapshot recorded for this run")
	}

	r := e.targetRemote(task)
	target, err := zfs.LatestSnapshot(ctx, r, task.TargetDataset)
	if err != nil {
		return errors.Annotatef(err, "target %s has no snapshots", task.TargetDataset)
	}
	if shortSnapName(target) != shortSnapName(source) {
		return errors.Errorf("target snapshot %s does not match sent snapshot %s", target, source)
	}

	sw, err := zfs.Written(ctx, nil, source)
	if err != nil {
		return errors.Trace(err)
	}
	tw, err := zfs.Written(ctx, r, target)
	if err != nil {
		return errors.Trace(err)
	}
	if sw != tw {
		return errors.Errorf("written size mismatch: source %d bytes, target %d bytes", sw, tw)
	}
	return nil
}

// resolveBase picks the incremental base for the send: an explicit override
// on the task wins, otherwise the newest snapshot already received on the
// target, queried locally or over the transport. An empty base means a full
// send.
func (e *zfsExecutor) resolveBase(ctx context.Context, task *ExtendedTask) string {
	if task.LastSnapshot != "" {
		return task.LastSnapshot
	}
	target, err := zfs.LatestSnapshot(ctx, e.targetRemote(task), task.TargetDataset)
	if err != nil {
		log.Debugw("target has no snapshots, sending full stream", "task", task.ID, "error", err)
		return ""
	}
	return incrementalSource(task.SourceDataset, target)
}

// incrementalSource rewrites a target snapshot name onto the source dataset.
// zfs send only accepts an incremental base from the filesystem being sent.
func incrementalSource(sourceDataset, targetSnapshot string) string {
	return sourceDataset + "@" + shortSnapName(targetSnapshot)
}

// targetRemote addresses the target pool. Local transfers run both ends of
// the pipe on this host.
func (e *zfsExecutor) targetRemote(task *ExtendedTask) *zfs.Remote {
	if effectiveTransport(task) == TransportLocal {
		return nil
	}
	return &zfs.Remote{
		Host:    task.TargetHost,
		SSHArgs: sshConfig(task).BuildArgs(task.TargetHost),
	}
}

func shortSnapName(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[i+1:]
	}
	return name
}
