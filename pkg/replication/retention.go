package replication

import (
	"context"
	"sort"
	"time"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/zfs"
)

// retentionBucket is the age class a snapshot falls into.
type retentionBucket int

const (
	bucketHourly retentionBucket = iota
	bucketDaily
	bucketWeekly
	bucketMonthly
	bucketYearly
)

// bucketFor classifies a snapshot by its age in whole days: the last day
// counts hourly, the first week daily, the first month weekly, the first
// year monthly and everything older yearly.
func bucketFor(ageDays int) retentionBucket {
	switch {
	case ageDays <= 1:
		return bucketHourly
	case ageDays <= 7:
		return bucketDaily
	case ageDays <= 30:
		return bucketWeekly
	case ageDays <= 365:
		return bucketMonthly
	default:
		return bucketYearly
	}
}

func (p *RetentionPolicy) limitFor(b retentionBucket) *int {
	switch b {
	case bucketHourly:
		return p.Hourly
	case bucketDaily:
		return p.Daily
	case bucketWeekly:
		return p.Weekly
	case bucketMonthly:
		return p.Monthly
	default:
		return p.Yearly
	}
}

// PlanRetention returns the names of the snapshots the policy no longer
// keeps, oldest first. Snapshots with active holds are never selected, and
// anything younger than KeepDays is always kept. A nil bucket limit keeps
// that bucket in full.
func PlanRetention(policy *RetentionPolicy, snapshots []zfs.Snapshot, now time.Time) []string {
	if policy == nil {
		return nil
	}

	buckets := make(map[retentionBucket][]zfs.Snapshot)
	for _, s := range snapshots {
		if s.Held() {
			continue
		}
		ageDays := int(now.Sub(s.Created).Hours() / 24)
		if ageDays < 0 {
			continue
		}
		if policy.KeepDays != nil && ageDays < *policy.KeepDays {
			continue
		}
		buckets[bucketFor(ageDays)] = append(buckets[bucketFor(ageDays)], s)
	}

	var doomed []zfs.Snapshot
	for b, members := range buckets {
		limit := policy.limitFor(b)
		if limit == nil || len(members) <= *limit {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return members[i].Created.After(members[j].Created)
		})
		doomed = append(doomed, members[*limit:]...)
	}

	sort.Slice(doomed, func(i, j int) bool {
		return doomed[i].Created.Before(doomed[j].Created)
	})
	names := make([]string, len(doomed))
	for i, s := range doomed {
		names[i] = s.Name
	}
	return names
}

// ApplyRetention prunes the task's source snapshots to its retention
// policy and returns the number destroyed. Destroy failures are logged and
// skipped so one stuck snapshot does not block the rest.
func (m *Manager) ApplyRetention(ctx context.Context, task *ExtendedTask) (int, error) {
	if task.Retention == nil {
		return 0, nil
	}
	if task.SourceType != StorageZfs {
		return 0, errors.NotSupportedf("retention for storage type %q", task.SourceType)
	}

	snapshots, err := zfs.ListSnapshots(ctx, nil, task.SourceDataset)
	if err != nil {
		return 0, errors.Trace(err)
	}

	deleted := 0
	for _, name := range PlanRetention(task.Retention, snapshots, m.clock.Now()) {
		if err := zfs.DestroySnapshot(ctx, name); err != nil {
			log.Warnw("snapshot destroy failed", "task", task.ID, "snapshot", name, "error", err)
			continue
		}
		log.Infow("snapshot pruned", "task", task.ID, "snapshot", name)
		deleted++
	}
	return deleted, nil
}
