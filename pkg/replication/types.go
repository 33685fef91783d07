// Package replication implements the storage replication engine: the task
// model, the live progress and history ledger, the retry controller and the
// per-backend pipeline executors.
package replication

import (
	"time"

	"github.com/juju/errors"
	"github.com/robfig/cron/v3"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/transport"
)

// StorageType identifies the backend a dataset lives on.
type StorageType string

const (
	StorageZfs       StorageType = "zfs"
	StorageBtrfs     StorageType = "btrfs"
	StorageDirectory StorageType = "directory"
)

// Direction states which side initiates the data flow.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Transport is the data path used to move bytes to the target.
type Transport string

const (
	TransportLocal  Transport = "local"
	TransportSsh    Transport = "ssh"
	TransportNetcat Transport = "netcat"
)

// Task is the declarative replication task configuration. Tasks are created
// and edited by the platform; the engine only reads them, except for
// LastRun/LastStatus which the manager stamps after a run.
type Task struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	SourceDataset  string           `json:"source_dataset"`
	TargetHost     string           `json:"target_host"`
	TargetDataset  string           `json:"target_dataset"`
	Direction      Direction        `json:"direction"`
	Transport      Transport        `json:"transport"`
	Schedule       string           `json:"schedule"`
	Recursive      bool             `json:"recursive"`
	Retention      *RetentionPolicy `json:"retention,omitempty"`
	Compression    bool             `json:"compression"`
	BandwidthLimit int              `json:"bandwidth_limit,omitempty"`
	Enabled        bool             `json:"enabled"`
	LastRun        *time.Time       `json:"last_run,omitempty"`
	LastStatus     string           `json:"last_status,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ExtendedTask wraps a base task with the backend, transport and policy
// options the executors need.
type ExtendedTask struct {
	Task

	SourceType     StorageType            `json:"source_type"`
	SshConfig      *transport.SshConfig   `json:"ssh_config,omitempty"`
	RsyncConfig    *transport.RsyncConfig `json:"rsync_config,omitempty"`
	Resumable      bool                   `json:"resumable"`
	Raw            bool                   `json:"raw"`
	Properties     bool                   `json:"properties"`
	UseBookmarks   bool                   `json:"use_bookmarks"`
	PreScript      string                 `json:"pre_script,omitempty"`
	PostScript     string                 `json:"post_script,omitempty"`
	Verify         bool                   `json:"verify"`
	MaxRetries     int                    `json:"max_retries"`
	RetryDelay     int                    `json:"retry_delay"`
	AlertOnFailure bool                   `json:"alert_on_failure"`
	AlertEmail     string                 `json:"alert_email,omitempty"`
	LastSnapshot   string                 `json:"last_snapshot,omitempty"`
	EstimatedBytes uint64                 `json:"estimated_bytes,omitempty"`
}

// NewExtendedTask wraps a base task with the default extended options.
func NewExtendedTask(task Task) *ExtendedTask {
	return &ExtendedTask{
		Task:         task,
		SourceType:   StorageZfs,
		SshConfig:    transport.DefaultSshConfig(),
		Resumable:    true,
		Properties:   true,
		UseBookmarks: true,
		MaxRetries:   3,
		RetryDelay:   60,
	}
}

// ValidateSchedule checks a task's cron expression. The trigger itself is
// driven by an external scheduler; the engine only validates the syntax.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errors.Annotatef(err, "invalid cron expression %q", expr)
	}
	return nil
}

// RetentionPolicy is an age-bucketed snapshot keep policy.
type RetentionPolicy struct {
	Hourly   *int `json:"hourly,omitempty"`
	Daily    *int `json:"daily,omitempty"`
	Weekly   *int `json:"weekly,omitempty"`
	Monthly  *int `json:"monthly,omitempty"`
	Yearly   *int `json:"yearly,omitempty"`
	KeepDays *int `json:"keep_days,omitempty"`
}

// DefaultRetentionPolicy keeps a conventional GFS window.
func DefaultRetentionPolicy() *RetentionPolicy {
	keep := func(n int) *int { return &n }
	return &RetentionPolicy{
		Hourly:   keep(24),
		Daily:    keep(7),
		Weekly:   keep(4),
		Monthly:  keep(12),
		Yearly:   keep(2),
		KeepDays: keep(7),
	}
}

// State is the phase a running replication is in. Within one run states only
// move forward; Cancelled may be entered from any non-terminal state by an
// external cancel request.
type State string

const (
	StatePending    State = "pending"
	StatePreScript  State = "pre_script"
	StateEstimating State = "estimating"
	StateSending    State = "sending"
	StateReceiving  State = "receiving"
	StatePostScript State = "post_script"
	StateVerifying  State = "verifying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Progress is the live state of one running replication, keyed by task id.
type Progress struct {
	TaskID           string    `json:"task_id"`
	State            State     `json:"state"`
	BytesTransferred uint64    `json:"bytes_transferred"`
	BytesTotal       uint64    `json:"bytes_total,omitempty"`
	RateBytesPerSec  uint64    `json:"rate_bytes_per_sec"`
	ElapsedSecs      uint64    `json:"elapsed_secs"`
	EtaSecs          *uint64   `json:"eta_secs,omitempty"`
	CurrentItem      string    `json:"current_item,omitempty"`
	FilesTransferred *uint64   `json:"files_transferred,omitempty"`
	FilesTotal       *uint64   `json:"files_total,omitempty"`
	Percent          float64   `json:"percent"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// HistoryEntry is the immutable audit record appended once per run.
type HistoryEntry struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	TaskName         string     `json:"task_name"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationSecs     uint64     `json:"duration_secs"`
	BytesTransferred uint64     `json:"bytes_transferred"`
	Success          bool       `json:"success"`
	Error            string     `json:"error,omitempty"`
	SourceSnapshot   string     `json:"source_snapshot"`
	IncrementalFrom  string     `json:"incremental_from,omitempty"`
	Resumed          bool       `json:"resumed"`
	Retries          int        `json:"retries"`
	AvgRate          uint64     `json:"avg_rate"`
}

// HistorySink receives finished history entries for durable audit storage.
// Sinks are best effort: a sink failure never changes a run's recorded
// outcome.
type HistorySink interface {
	Append(entry HistoryEntry) error
}
