package replication

import (
	"context"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/zfs"
)

// EstimateReplicationSize predicts how many bytes the next run of a task
// will move, without transferring anything.
func (m *Manager) EstimateReplicationSize(ctx context.Context, task *ExtendedTask) (uint64, error) {
	switch task.SourceType {
	case StorageZfs:
		snapshot, err := zfs.LatestSnapshot(ctx, nil, task.SourceDataset)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if snapshot == task.LastSnapshot {
			return 0, nil
		}
		return zfs.EstimateSendSize(ctx, snapshot, task.LastSnapshot, task.Recursive)
	case StorageBtrfs:
		// btrfs send has no dry-run size; callers fall back to live
		// progress without a total.
		return 0, errors.NotSupportedf("size estimate for btrfs")
	default:
		exec := &rsyncExecutor{m: m}
		return exec.estimate(ctx, task, exec.config(task))
	}
}
