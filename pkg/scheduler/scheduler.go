// Package scheduler triggers replication tasks on their cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/robfig/cron/v3"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/replication"
)

var log = logging.Logger("scheduler")

// TaskRunner executes one replication run. The replication manager
// satisfies this.
type TaskRunner interface {
	RunTask(ctx context.Context, task *replication.ExtendedTask) (*replication.HistoryEntry, error)
}

// Schedule tracks one task's cron registration and run statistics.
type Schedule struct {
	Task      *replication.ExtendedTask `json:"task"`
	LastRun   time.Time                 `json:"last_run"`
	NextRun   time.Time                 `json:"next_run"`
	RunCount  int                       `json:"run_count"`
	FailCount int                       `json:"fail_count"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Scheduler manages cron-driven replication runs.
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	runner    TaskRunner
	running   bool
}

// New creates a scheduler that dispatches runs to the given runner.
func New(runner TaskRunner) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		runner:    runner,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler and waits for in-flight runs it started.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	return nil
}

// Add registers a task. Enabled tasks are wired to cron immediately.
func (s *Scheduler) Add(task *replication.ExtendedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[task.ID]; exists {
		return fmt.Errorf("task %s already scheduled", task.ID)
	}

	cronSchedule, err := cron.ParseStandard(task.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	schedule := &Schedule{
		Task:      task,
		NextRun:   cronSchedule.Next(time.Now()),
		UpdatedAt: time.Now(),
	}

	if task.Enabled {
		entryID, err := s.cron.AddFunc(task.Schedule, func() {
			s.runScheduled(task.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		s.entries[task.ID] = entryID
	}

	s.schedules[task.ID] = schedule
	return nil
}

// Remove unregisters a task.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return fmt.Errorf("task %s not scheduled", id)
	}
	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.schedules, id)
	return nil
}

// Update replaces a task's definition, preserving its run statistics.
func (s *Scheduler) Update(task *replication.ExtendedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[task.ID]
	if !exists {
		return fmt.Errorf("task %s not scheduled", task.ID)
	}

	if entryID, exists := s.entries[task.ID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, task.ID)
	}

	if task.Enabled {
		entryID, err := s.cron.AddFunc(task.Schedule, func() {
			s.runScheduled(task.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to update cron job: %w", err)
		}
		s.entries[task.ID] = entryID
	}

	schedule.Task = task
	schedule.UpdatedAt = time.Now()
	if cronSchedule, err := cron.ParseStandard(task.Schedule); err == nil {
		schedule.NextRun = cronSchedule.Next(time.Now())
	}
	return nil
}

// Get retrieves one schedule.
func (s *Scheduler) Get(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return nil, fmt.Errorf("task %s not scheduled", id)
	}
	return schedule, nil
}

// List returns all schedules.
func (s *Scheduler) List() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		schedules = append(schedules, schedule)
	}
	return schedules
}

// Enable wires a disabled task to cron.
func (s *Scheduler) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("task %s not scheduled", id)
	}
	if schedule.Task.Enabled {
		return nil
	}

	entryID, err := s.cron.AddFunc(schedule.Task.Schedule, func() {
		s.runScheduled(id)
	})
	if err != nil {
		return fmt.Errorf("failed to enable schedule: %w", err)
	}
	s.entries[id] = entryID
	schedule.Task.Enabled = true
	schedule.UpdatedAt = time.Now()
	return nil
}

// Disable unhooks a task from cron without forgetting it.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("task %s not scheduled", id)
	}
	if !schedule.Task.Enabled {
		return nil
	}

	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	schedule.Task.Enabled = false
	schedule.UpdatedAt = time.Now()
	return nil
}

// RunNow triggers a task immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	_, exists := s.schedules[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not scheduled", id)
	}
	go s.runScheduled(id)
	return nil
}

func (s *Scheduler) runScheduled(id string) {
	s.mu.Lock()
	schedule, exists := s.schedules[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	task := schedule.Task
	schedule.LastRun = time.Now()
	schedule.RunCount++
	s.mu.Unlock()

	_, err := s.runner.RunTask(context.Background(), task)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log.Errorw("scheduled replication failed", "task", id, "error", err)
		schedule.FailCount++
	}
	if cronSchedule, parseErr := cron.ParseStandard(task.Schedule); parseErr == nil {
		schedule.NextRun = cronSchedule.Next(time.Now())
	}
}

// Stats summarizes the scheduler's state.
type Stats struct {
	TotalTasks    int       `json:"total_tasks"`
	ActiveTasks   int       `json:"active_tasks"`
	DisabledTasks int       `json:"disabled_tasks"`
	NextRun       time.Time `json:"next_run"`
}

// GetStats returns scheduler statistics.
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{TotalTasks: len(s.schedules)}
	var nextRun time.Time
	for _, schedule := range s.schedules {
		if schedule.Task.Enabled {
			stats.ActiveTasks++
			if nextRun.IsZero() || schedule.NextRun.Before(nextRun) {
				nextRun = schedule.NextRun
			}
		} else {
			stats.DisabledTasks++
		}
	}
	stats.NextRun = nextRun
	return stats
}
