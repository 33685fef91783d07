package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/zfs"
)

func keep(n int) *int { return &n }

func snapAgedDays(name string, days int, now time.Time) zfs.Snapshot {
	return zfs.Snapshot{Name: name, Created: now.Add(-time.Duration(days) * 24 * time.Hour)}
}

func TestPlanRetentionKeepsBucketLimits(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := &RetentionPolicy{Daily: keep(2)}

	// Four snapshots in the daily bucket (2 to 7 days old).
	snaps := []zfs.Snapshot{
		snapAgedDays("tank/data@d3", 3, now),
		snapAgedDays("tank/data@d4", 4, now),
		snapAgedDays("tank/data@d5", 5, now),
		snapAgedDays("tank/data@d6", 6, now),
	}

	doomed := PlanRetention(policy, snaps, now)
	// The two newest daily snapshots stay; the rest go, oldest first.
	assert.Equal(t, []string{"tank/data@d6", "tank/data@d5"}, doomed)
}

func TestPlanRetentionNilLimitKeepsBucket(t *testing.T) {
	now := time.Now()
	policy := &RetentionPolicy{Hourly: keep(1)}
	snaps := []zfs.Snapshot{
		snapAgedDays("tank/data@d3", 3, now),
		snapAgedDays("tank/data@d4", 4, now),
	}
	// Daily limit unset, so daily snapshots are untouched.
	assert.Empty(t, PlanRetention(policy, snaps, now))
}

func TestPlanRetentionHoldsAreNeverDeleted(t *testing.T) {
	now := time.Now()
	policy := &RetentionPolicy{Daily: keep(0)}
	held := snapAgedDays("tank/data@held", 4, now)
	held.Holds = 1
	snaps := []zfs.Snapshot{
		held,
		snapAgedDays("tank/data@loose", 5, now),
	}

	doomed := PlanRetention(policy, snaps, now)
	assert.Equal(t, []string{"tank/data@loose"}, doomed)
}

func TestPlanRetentionKeepDaysWindow(t *testing.T) {
	now := time.Now()
	policy := &RetentionPolicy{Daily: keep(0), KeepDays: keep(7)}
	snaps := []zfs.Snapshot{
		snapAgedDays("tank/data@young", 3, now),
		snapAgedDays("tank/data@old", 20, now),
	}

	// The young snapshot is inside the keep window; the old one is in the
	// weekly bucket, which has no limit here.
	assert.Empty(t, PlanRetention(policy, snaps, now))

	policy.Weekly = keep(0)
	assert.Equal(t, []string{"tank/data@old"}, PlanRetention(policy, snaps, now))
}

func TestPlanRetentionBucketBoundaries(t *testing.T) {
	assert.Equal(t, bucketHourly, bucketFor(0))
	assert.Equal(t, bucketHourly, bucketFor(1))
	assert.Equal(t, bucketDaily, bucketFor(2))
	assert.Equal(t, bucketDaily, bucketFor(7))
	assert.Equal(t, bucketWeekly, bucketFor(8))
	assert.Equal(t, bucketWeekly, bucketFor(30))
	assert.Equal(t, bucketMonthly, bucketFor(31))
	assert.Equal(t, bucketMonthly, bucketFor(365))
	assert.Equal(t, bucketYearly, bucketFor(366))
}

func TestPlanRetentionNilPolicy(t *testing.T) {
	assert.Nil(t, PlanRetention(nil, []zfs.Snapshot{snapAgedDays("a@b", 10, time.Now())}, time.Now()))
}

func TestDefaultRetentionPolicy(t *testing.T) {
	p := DefaultRetentionPolicy()
	require.NotNil(t, p.Hourly)
	assert.Equal(t, 24, *p.Hourly)
	require.NotNil(t, p.KeepDays)
	assert.Equal(t, 7, *p.KeepDays)
}
