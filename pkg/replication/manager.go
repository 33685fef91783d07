package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	logging "github.com/ipfs/go-log/v2"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/notify"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/pipeline"
)

var log = logging.Logger("replication")

// DefaultMaxHistory bounds the in-memory history ring.
const DefaultMaxHistory = 1000

var errCancelled = errors.New("replication cancelled")

// Options tunes a Manager. The zero value is usable.
type Options struct {
	// MaxHistory caps the in-memory history; 0 means DefaultMaxHistory.
	MaxHistory int
	// Clock is the time source; nil means the wall clock.
	Clock clock.Clock
	// Sink, when set, durably receives every finished history entry.
	Sink HistorySink
	// NetcatPort is the TCP port netcat transfers listen on; 0 means 8023.
	NetcatPort int
	// Alert, when set, replaces the default mail-based failure alert.
	Alert func(ctx context.Context, email, taskName, errMsg string) error
}

// Manager coordinates replication runs. It tracks live progress per task,
// keeps a bounded history of finished runs, enforces one run per task at a
// time and drives the retry loop around the backend executors.
type Manager struct {
	mu        sync.RWMutex
	active    map[string]*Progress
	meta      map[string]*runMeta
	pipelines map[string]*pipeline.Pipeline
	history   []HistoryEntry

	runLocks   *kmutex.Kmutex
	clock      clock.Clock
	sink       HistorySink
	maxHistory int
	netcatPort int
	alert      func(ctx context.Context, email, taskName, errMsg string) error
	executors  map[StorageType]Executor
}

// runMeta carries per-run facts discovered by the executor that belong in
// the history entry but not in the public progress view.
type runMeta struct {
	sourceSnapshot  string
	incrementalFrom string
}

// NewManager creates a replication manager.
func NewManager(opts Options) *Manager {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.NetcatPort <= 0 {
		opts.NetcatPort = 8023
	}
	if opts.Alert == nil {
		opts.Alert = notify.SendFailureAlert
	}
	m := &Manager{
		active:     make(map[string]*Progress),
		meta:       make(map[string]*runMeta),
		pipelines:  make(map[string]*pipeline.Pipeline),
		runLocks:   kmutex.New(),
		clock:      opts.Clock,
		sink:       opts.Sink,
		maxHistory: opts.MaxHistory,
		netcatPort: opts.NetcatPort,
		alert:      opts.Alert,
	}
	m.executors = defaultExecutors(m)
	return m
}

// RunTask executes one replication run for the task, retrying failed
// attempts up to task.MaxRetries times with a fixed delay between attempts.
// Exactly one history entry is appended per call. Concurrent calls for the
// same task id serialize; different tasks run in parallel.
func (m *Manager) RunTask(ctx context.Context, task *ExtendedTask) (*HistoryEntry, error) {
	m.runLocks.Lock(task.ID)
	defer m.runLocks.Unlock(task.ID)

	started := m.clock.Now()
	m.mu.Lock()
	m.active[task.ID] = &Progress{
		TaskID:     task.ID,
		State:      StatePending,
		BytesTotal: task.EstimatedBytes,
		StartedAt:  started,
	}
	m.meta[task.ID] = &runMeta{}
	m.mu.Unlock()

	var bytes uint64
	attempt := 0
	err := retry.Call(retry.CallArgs{
		Clock:    m.clock,
		Delay:    retryDelay(task.RetryDelay),
		Attempts: task.MaxRetries + 1,
		Func: func() error {
			if m.isCancelled(task.ID) {
				return errCancelled
			}
			m.beginAttempt(task.ID)
			attempt++
			isRetry := attempt > 1
			if isRetry {
				log.Infow("retrying replication", "task", task.ID, "attempt", attempt)
			}
			n, err := m.executeOnce(ctx, task, isRetry)
			if err != nil {
				return err
			}
			bytes = n
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Cause(err) == errCancelled || ctx.Err() != nil
		},
		NotifyFunc: func(lastErr error, _ int) {
			log.Errorw("replication attempt failed", "task", task.ID, "error", lastErr)
			m.setError(task.ID, lastErr.Error())
		},
	})

	ended := m.clock.Now()
	entry := m.finishRun(ctx, task, started, ended, bytes, attempt, err)
	if err != nil {
		return entry, errors.Annotatef(err, "replication of task %s failed", task.ID)
	}
	return entry, nil
}

// finishRun records the outcome of a run: it appends the single history
// entry, updates the durable sink, fires the failure alert and clears the
// live progress slot.
func (m *Manager) finishRun(ctx context.Context, task *ExtendedTask, started, ended time.Time, bytes uint64, attempt int, runErr error) *HistoryEntry {
	duration := uint64(ended.Sub(started) / time.Second)

	m.mu.Lock()
	meta := m.meta[task.ID]
	if meta == nil {
		meta = &runMeta{}
	}
	entry := HistoryEntry{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		TaskName:        task.Name,
		StartedAt:       started,
		EndedAt:         &ended,
		DurationSecs:    duration,
		SourceSnapshot:  meta.sourceSnapshot,
		IncrementalFrom: meta.incrementalFrom,
		Resumed:         task.Resumable && attempt > 1,
	}
	if runErr == nil {
		entry.Success = true
		entry.BytesTransferred = bytes
		entry.Retries = attempt - 1
		if duration > 0 {
			entry.AvgRate = bytes / duration
		}
	} else {
		// Failed runs record zero bytes even when attempts moved data.
		entry.Success = false
		entry.Error = runErr.Error()
		entry.Retries = task.MaxRetries
		if errors.Cause(runErr) == errCancelled {
			entry.Error = "cancelled"
			entry.Retries = attempt
		}
	}

	m.history = append(m.history, entry)
	if len(m.history) > m.maxHistory {
		// Copy into a fresh slice so evicted entries do not keep the old
		// backing array alive.
		trimmed := make([]HistoryEntry, m.maxHistory)
		copy(trimmed, m.history[len(m.history)-m.maxHistory:])
		m.history = trimmed
	}
	delete(m.active, task.ID)
	delete(m.meta, task.ID)
	delete(m.pipelines, task.ID)
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		if err := sink.Append(entry); err != nil {
			log.Warnw("history sink append failed", "task", task.ID, "error", err)
		}
	}
	if runErr != nil && task.AlertOnFailure && task.AlertEmail != "" {
		if err := m.alert(ctx, task.AlertEmail, task.Name, entry.Error); err != nil {
			log.Warnw("failure alert not delivered", "task", task.ID, "error", err)
		}
	}
	return &entry
}

// executeOnce runs a single replication attempt through the backend
// executor, wrapped by the pre and post scripts and the verify step.
func (m *Manager) executeOnce(ctx context.Context, task *ExtendedTask, isRetry bool) (uint64, error) {
	exec, err := m.executorFor(task.SourceType)
	if err != nil {
		return 0, errors.Trace(err)
	}

	if task.PreScript != "" {
		m.setState(task.ID, StatePreScript)
		if err := runHookScript(ctx, task, task.PreScript); err != nil {
			return 0, errors.Annotate(err, "pre-replication script failed")
		}
	}

	bytes, err := exec.Replicate(ctx, task, isRetry)
	if err != nil {
		return 0, errors.Trace(err)
	}

	if task.PostScript != "" {
		m.setState(task.ID, StatePostScript)
		if err := runHookScript(ctx, task, task.PostScript); err != nil {
			return 0, errors.Annotate(err, "post-replication script failed")
		}
	}

	if task.Verify {
		m.setState(task.ID, StateVerifying)
		if err := exec.Verify(ctx, task); err != nil {
			return 0, errors.Annotate(err, "verification failed")
		}
	}

	m.setState(task.ID, StateCompleted)
	return bytes, nil
}

// RunReplication runs a bare task with the default extended options.
func (m *Manager) RunReplication(ctx context.Context, task Task) (*HistoryEntry, error) {
	return m.RunTask(ctx, NewExtendedTask(task))
}

// Cancel requests cancellation of a running task, including one sitting in
// the retry delay after a failed attempt. The live state flips to Cancelled
// and any running pipeline is killed; the retry loop then stops before the
// next attempt.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	p, ok := m.active[taskID]
	if !ok {
		m.mu.Unlock()
		return errors.NotFoundf("no running replication for task %s", taskID)
	}
	p.State = StateCancelled
	pl := m.pipelines[taskID]
	m.mu.Unlock()

	if pl != nil {
		pl.Kill()
	}
	log.Infow("replication cancelled", "task", taskID)
	return nil
}

// Active returns a snapshot of all live progress entries.
func (m *Manager) Active() []Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Progress, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, m.snapshotProgress(p))
	}
	return out
}

// GetProgress returns the live progress for one task.
func (m *Manager) GetProgress(taskID string) (Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.active[taskID]
	if !ok {
		return Progress{}, errors.NotFoundf("no running replication for task %s", taskID)
	}
	return m.snapshotProgress(p), nil
}

// snapshotProgress derives the elapsed, percent and ETA fields. Callers
// hold at least the read lock.
func (m *Manager) snapshotProgress(p *Progress) Progress {
	out := *p
	out.ElapsedSecs = uint64(m.clock.Now().Sub(p.StartedAt) / time.Second)
	if out.BytesTotal > 0 {
		pct := float64(out.BytesTransferred) / float64(out.BytesTotal) * 100
		if pct > 100 {
			pct = 100
		}
		out.Percent = pct
		if out.RateBytesPerSec > 0 && out.BytesTotal > out.BytesTransferred {
			eta := (out.BytesTotal - out.BytesTransferred) / out.RateBytesPerSec
			out.EtaSecs = &eta
		}
	}
	return out
}

// History returns up to limit most recent entries, newest first. A limit
// of 0 returns everything retained.
func (m *Manager) History(limit int) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// TaskHistory returns up to limit most recent entries for one task,
// newest first.
func (m *Manager) TaskHistory(taskID string, limit int) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HistoryEntry, 0, limit)
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].TaskID != taskID {
			continue
		}
		out = append(out, m.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// retryDelay converts a task's configured delay in seconds to a duration.
// The retry helper rejects a zero delay, so tasks configured without one
// wait a nominal instant between attempts instead.
func retryDelay(secs int) time.Duration {
	if secs <= 0 {
		return time.Millisecond
	}
	return time.Duration(secs) * time.Second
}

// beginAttempt clears the failure recorded by the previous attempt so the
// run reads as live again and stays cancellable while it retries.
func (m *Manager) beginAttempt(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[taskID]; ok && p.State != StateCancelled {
		p.State = StatePending
		p.Error = ""
	}
}

// Progress reporting helpers used by the executors.

func (m *Manager) setState(taskID string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[taskID]; ok && !p.State.Terminal() {
		p.State = s
	}
}

func (m *Manager) setError(taskID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[taskID]; ok && p.State != StateCancelled {
		p.State = StateFailed
		p.Error = msg
	}
}

func (m *Manager) setTotal(taskID string, total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[taskID]; ok {
		p.BytesTotal = total
	}
}

// updateBytes feeds a progress sample. Transferred bytes never move
// backwards within one run.
func (m *Manager) updateBytes(taskID string, transferred, rate uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[taskID]
	if !ok {
		return
	}
	if transferred > p.BytesTransferred {
		p.BytesTransferred = transferred
	}
	if rate > 0 {
		p.RateBytesPerSec = rate
	}
}

func (m *Manager) updateFiles(taskID string, files uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[taskID]; ok {
		p.FilesTransferred = &files
	}
}

func (m *Manager) setCurrentItem(taskID, item string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[taskID]; ok {
		p.CurrentItem = item
	}
}

func (m *Manager) transferredBytes(taskID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.active[taskID]; ok {
		return p.BytesTransferred
	}
	return 0
}

func (m *Manager) runMetaFor(taskID string) (sourceSnapshot, incrementalFrom string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mt, ok := m.meta[taskID]; ok {
		return mt.sourceSnapshot, mt.incrementalFrom
	}
	return "", ""
}

func (m *Manager) setRunMeta(taskID, sourceSnapshot, incrementalFrom string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt, ok := m.meta[taskID]; ok {
		mt.sourceSnapshot = sourceSnapshot
		mt.incrementalFrom = incrementalFrom
	}
}

func (m *Manager) registerPipeline(taskID string, p *pipeline.Pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[taskID] = p
}

func (m *Manager) isCancelled(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.active[taskID]
	return ok && p.State == StateCancelled
}

// RegisterExecutor installs or replaces the backend executor for a storage
// type. Built-in executors cover zfs, btrfs and directory trees; additional
// backends can be plugged in at startup.
func (m *Manager) RegisterExecutor(t StorageType, e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[t] = e
}

func (m *Manager) executorFor(t StorageType) (Executor, error) {
	m.mu.RLock()
	exec, ok := m.executors[t]
	if !ok {
		// Unknown source types fall back to file-level sync.
		exec, ok = m.executors[StorageDirectory]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotSupportedf("storage type %q", t)
	}
	if err := exec.Available(); err != nil {
		return nil, fmt.Errorf("backend %s unavailable: %w", exec.Name(), err)
	}
	return exec, nil
}
