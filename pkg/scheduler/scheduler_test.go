package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/replication"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
	done chan struct{}
}

func (f *fakeRunner) RunTask(ctx context.Context, task *replication.ExtendedTask) (*replication.HistoryEntry, error) {
	f.mu.Lock()
	f.runs = append(f.runs, task.ID)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return &replication.HistoryEntry{TaskID: task.ID, Success: f.err == nil}, f.err
}

func scheduledTask(id string) *replication.ExtendedTask {
	task := replication.NewExtendedTask(replication.Task{
		ID:            id,
		Name:          "task-" + id,
		SourceDataset: "tank/data",
		TargetHost:    "backup.example.com",
		TargetDataset: "backup/data",
		Schedule:      "0 * * * *",
		Enabled:       true,
	})
	return task
}

func TestAddRejectsDuplicatesAndBadCron(t *testing.T) {
	s := New(&fakeRunner{})

	require.NoError(t, s.Add(scheduledTask("a")))
	assert.Error(t, s.Add(scheduledTask("a")))

	bad := scheduledTask("b")
	bad.Schedule = "not a cron line"
	assert.Error(t, s.Add(bad))
}

func TestAddComputesNextRun(t *testing.T) {
	s := New(&fakeRunner{})
	require.NoError(t, s.Add(scheduledTask("a")))

	schedule, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, schedule.NextRun.After(time.Now()))
}

func TestRunNowDispatchesToRunner(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 1)}
	s := New(runner)
	require.NoError(t, s.Add(scheduledTask("a")))

	require.NoError(t, s.RunNow("a"))
	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never invoked")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"a"}, runner.runs)

	schedule, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, schedule.RunCount)
}

func TestRunNowUnknownTask(t *testing.T) {
	s := New(&fakeRunner{})
	assert.Error(t, s.RunNow("ghost"))
}

func TestEnableDisable(t *testing.T) {
	s := New(&fakeRunner{})
	task := scheduledTask("a")
	task.Enabled = false
	require.NoError(t, s.Add(task))

	stats := s.GetStats()
	assert.Equal(t, 1, stats.DisabledTasks)
	assert.Equal(t, 0, stats.ActiveTasks)

	require.NoError(t, s.Enable("a"))
	stats = s.GetStats()
	assert.Equal(t, 1, stats.ActiveTasks)

	require.NoError(t, s.Disable("a"))
	stats = s.GetStats()
	assert.Equal(t, 1, stats.DisabledTasks)
}

func TestRemove(t *testing.T) {
	s := New(&fakeRunner{})
	require.NoError(t, s.Add(scheduledTask("a")))
	require.NoError(t, s.Remove("a"))
	assert.Error(t, s.Remove("a"))
	assert.Empty(t, s.List())
}

func TestStartStop(t *testing.T) {
	s := New(&fakeRunner{})
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	require.NoError(t, s.Stop())
	assert.Error(t, s.Stop())
}
