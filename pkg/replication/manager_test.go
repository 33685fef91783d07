package replication

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor stands in for a backend so runs can be driven without any
// storage tooling on the test host.
type fakeExecutor struct {
	m         *Manager
	bytes     uint64
	failFirst int
	failAll   bool
	verifyErr error
	onAttempt func(attempt int)
	calls     int
}

func (f *fakeExecutor) Name() string     { return "fake" }
func (f *fakeExecutor) Available() error { return nil }

func (f *fakeExecutor) Replicate(ctx context.Context, task *ExtendedTask, isRetry bool) (uint64, error) {
	f.calls++
	if f.onAttempt != nil {
		f.onAttempt(f.calls)
	}
	if f.failAll || f.calls <= f.failFirst {
		// Partial data may have moved before the failure.
		f.m.updateBytes(task.ID, 999, 0)
		return 0, errors.New("stream interrupted")
	}
	f.m.setRunMeta(task.ID, "tank/data@snap-2", "tank/data@snap-1")
	f.m.updateBytes(task.ID, f.bytes, 1024)
	return f.bytes, nil
}

func (f *fakeExecutor) Verify(ctx context.Context, task *ExtendedTask) error {
	return f.verifyErr
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeExecutor) {
	t.Helper()
	m := NewManager(opts)
	f := &fakeExecutor{m: m, bytes: 4096}
	m.RegisterExecutor(StorageZfs, f)
	return m, f
}

func testTask(id string) *ExtendedTask {
	task := NewExtendedTask(Task{
		ID:            id,
		Name:          "nightly-" + id,
		SourceDataset: "tank/data",
		TargetHost:    "backup.example.com",
		TargetDataset: "backup/data",
		Direction:     DirectionPush,
		Transport:     TransportSsh,
		Schedule:      "0 * * * *",
	})
	task.RetryDelay = 0
	return task
}

func TestRunTaskSuccessRecordsHistory(t *testing.T) {
	m, f := newTestManager(t, Options{})
	task := testTask("t1")

	entry, err := m.RunTask(context.Background(), task)
	require.NoError(t, err)

	assert.True(t, entry.Success)
	assert.Equal(t, uint64(4096), entry.BytesTransferred)
	assert.Equal(t, 0, entry.Retries)
	assert.False(t, entry.Resumed)
	assert.Equal(t, "tank/data@snap-2", entry.SourceSnapshot)
	assert.Equal(t, "tank/data@snap-1", entry.IncrementalFrom)
	assert.Equal(t, 1, f.calls)

	// The live slot is cleared once the run finishes.
	_, err = m.GetProgress(task.ID)
	assert.True(t, errors.Is(err, errors.NotFound))

	history := m.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, entry.ID, history[0].ID)
}

func TestRunTaskRetriesThenSucceeds(t *testing.T) {
	m, f := newTestManager(t, Options{})
	f.failFirst = 2
	task := testTask("t2")
	task.MaxRetries = 3

	entry, err := m.RunTask(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, 3, f.calls)
	assert.True(t, entry.Success)
	assert.Equal(t, 2, entry.Retries)
	assert.True(t, entry.Resumed)
	assert.Equal(t, uint64(4096), entry.BytesTransferred)
}

func TestRunTaskExhaustsRetries(t *testing.T) {
	var alerts []string
	m, f := newTestManager(t, Options{
		Alert: func(ctx context.Context, email, taskName, errMsg string) error {
			alerts = append(alerts, email+":"+taskName)
			return nil
		},
	})
	f.failAll = true
	task := testTask("t3")
	task.MaxRetries = 2
	task.AlertOnFailure = true
	task.AlertEmail = "ops@example.com"

	entry, err := m.RunTask(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, 3, f.calls)
	assert.False(t, entry.Success)
	// Failed runs always record zero bytes, even when attempts moved data.
	assert.Equal(t, uint64(0), entry.BytesTransferred)
	assert.Equal(t, 2, entry.Retries)
	assert.Contains(t, entry.Error, "stream interrupted")
	assert.Equal(t, []string{"ops@example.com:nightly-t3"}, alerts)
}

func TestRunTaskVerifyFailureFailsRun(t *testing.T) {
	m, f := newTestManager(t, Options{})
	f.verifyErr = errors.New("written size mismatch")
	task := testTask("t4")
	task.Verify = true
	task.MaxRetries = 0

	entry, err := m.RunTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, entry.Success)
	assert.Contains(t, entry.Error, "verification failed")
}

func TestCancelStopsRetryLoop(t *testing.T) {
	m, f := newTestManager(t, Options{})
	f.failAll = true
	f.onAttempt = func(attempt int) {
		if attempt == 1 {
			require.NoError(t, m.Cancel("t5"))
		}
	}
	task := testTask("t5")
	task.MaxRetries = 5

	entry, err := m.RunTask(context.Background(), task)
	require.Error(t, err)

	// The loop stopped before the second attempt instead of burning
	// through all retries.
	assert.Equal(t, 1, f.calls)
	assert.False(t, entry.Success)
	assert.Equal(t, "cancelled", entry.Error)

	// A fresh run of the same task starts clean.
	f.failAll = false
	f.onAttempt = nil
	entry, err = m.RunTask(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, entry.Success)
}

func TestCancelAfterFailedAttempt(t *testing.T) {
	m, f := newTestManager(t, Options{})
	f.failAll = true
	f.onAttempt = func(attempt int) {
		if attempt == 2 {
			// The failure of attempt 1 must not leave the run looking
			// failed, or unreachable for Cancel, while it is retrying.
			p, err := m.GetProgress("t7")
			require.NoError(t, err)
			assert.NotEqual(t, StateFailed, p.State)
			require.NoError(t, m.Cancel("t7"))
		}
	}
	task := testTask("t7")
	task.MaxRetries = 5

	entry, err := m.RunTask(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, 2, f.calls)
	assert.False(t, entry.Success)
	assert.Equal(t, "cancelled", entry.Error)
}

func TestZeroRetryDelayRunsAllAttempts(t *testing.T) {
	m, f := newTestManager(t, Options{})
	f.failAll = true
	task := testTask("t8")
	task.MaxRetries = 2
	task.RetryDelay = 0

	_, err := m.RunTask(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 45*time.Second, retryDelay(45))
	// Zero stays a valid configuration; the loop still runs every attempt.
	assert.Equal(t, time.Millisecond, retryDelay(0))
}

func TestCancelUnknownTask(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	err := m.Cancel("nope")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestHistoryFIFOEviction(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxHistory: 5})
	for i := 0; i < 7; i++ {
		_, err := m.RunTask(context.Background(), testTask(fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
	}

	history := m.History(0)
	require.Len(t, history, 5)
	// Newest first; the two oldest runs were evicted.
	assert.Equal(t, "t6", history[0].TaskID)
	assert.Equal(t, "t2", history[4].TaskID)
}

func TestTaskHistoryFilters(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := m.RunTask(context.Background(), testTask("a"))
		require.NoError(t, err)
		_, err = m.RunTask(context.Background(), testTask("b"))
		require.NoError(t, err)
	}

	assert.Len(t, m.TaskHistory("a", 0), 3)
	assert.Len(t, m.TaskHistory("a", 2), 2)
	assert.Empty(t, m.TaskHistory("c", 0))
}

type recordingSink struct {
	entries []HistoryEntry
	err     error
}

func (s *recordingSink) Append(e HistoryEntry) error {
	s.entries = append(s.entries, e)
	return s.err
}

func TestHistorySinkReceivesEveryRun(t *testing.T) {
	sink := &recordingSink{}
	m, f := newTestManager(t, Options{Sink: sink})

	_, err := m.RunTask(context.Background(), testTask("t1"))
	require.NoError(t, err)

	f.failAll = true
	task := testTask("t2")
	task.MaxRetries = 0
	_, err = m.RunTask(context.Background(), task)
	require.Error(t, err)

	require.Len(t, sink.entries, 2)
	assert.True(t, sink.entries[0].Success)
	assert.False(t, sink.entries[1].Success)
}

func TestHistorySinkFailureDoesNotChangeOutcome(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	m, _ := newTestManager(t, Options{Sink: sink})

	entry, err := m.RunTask(context.Background(), testTask("t1"))
	require.NoError(t, err)
	assert.True(t, entry.Success)
	assert.Len(t, m.History(0), 1)
}

func TestProgressPercentAndEta(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	m.mu.Lock()
	m.active["x"] = &Progress{
		TaskID:           "x",
		State:            StateSending,
		BytesTransferred: 50,
		BytesTotal:       200,
		RateBytesPerSec:  10,
		StartedAt:        time.Now(),
	}
	m.mu.Unlock()

	p, err := m.GetProgress("x")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, p.Percent, 0.01)
	require.NotNil(t, p.EtaSecs)
	assert.Equal(t, uint64(15), *p.EtaSecs)
}

func TestProgressPercentClamped(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	m.mu.Lock()
	m.active["x"] = &Progress{
		TaskID:           "x",
		BytesTransferred: 500,
		BytesTotal:       200,
		StartedAt:        time.Now(),
	}
	m.mu.Unlock()

	p, err := m.GetProgress("x")
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Percent)
}

func TestUpdateBytesNeverMovesBackwards(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	m.mu.Lock()
	m.active["x"] = &Progress{TaskID: "x", StartedAt: time.Now()}
	m.mu.Unlock()

	m.updateBytes("x", 1000, 10)
	m.updateBytes("x", 400, 20)

	p, err := m.GetProgress("x")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), p.BytesTransferred)
	assert.Equal(t, uint64(20), p.RateBytesPerSec)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("0 * * * *"))
	assert.NoError(t, ValidateSchedule("@daily"))
	assert.Error(t, ValidateSchedule("every now and then"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateSending.Terminal())
	assert.False(t, StatePending.Terminal())
}
