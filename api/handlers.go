package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/progress"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/replication"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/scheduler"
)

var log = logging.Logger("api")

var (
	manager *replication.Manager
	sched   *scheduler.Scheduler
)

// Init wires the handlers to the engine. Must be called before SetupRouter.
func Init(m *replication.Manager, s *scheduler.Scheduler) {
	manager = m
	sched = s
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "replication-engine",
	})
}

// ListActive returns every replication currently running.
func ListActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": manager.Active()})
}

// GetProgress returns the live progress of one task.
func GetProgress(c *gin.Context) {
	taskID := c.Param("taskID")
	p, err := manager.GetProgress(taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"progress":    p,
		"transferred": progress.FormatSize(p.BytesTransferred),
		"total":       progress.FormatSize(p.BytesTotal),
	})
}

// GetHistory returns the most recent finished runs, newest first.
func GetHistory(c *gin.Context) {
	limit := parseLimit(c, 100)
	c.JSON(http.StatusOK, gin.H{"history": manager.History(limit)})
}

// GetTaskHistory returns the finished runs of one task, newest first.
func GetTaskHistory(c *gin.Context) {
	taskID := c.Param("taskID")
	limit := parseLimit(c, 100)
	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"history": manager.TaskHistory(taskID, limit),
	})
}

// RunTask starts a replication run immediately. The run proceeds in the
// background; progress is available under /active.
func RunTask(c *gin.Context) {
	// Fields absent from the request keep their defaults.
	task := *replication.NewExtendedTask(replication.Task{})
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid task: %v", err)})
		return
	}
	if err := validateTask(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	go func() {
		if _, err := manager.RunTask(context.Background(), &task); err != nil {
			log.Errorw("replication run failed", "task", task.ID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"message": "replication started",
	})
}

// CancelTask cancels a running replication.
func CancelTask(c *gin.Context) {
	taskID := c.Param("taskID")
	if err := manager.Cancel(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "message": "cancellation requested"})
}

// EstimateSize predicts the bytes the next run of a task would move.
func EstimateSize(c *gin.Context) {
	var task replication.ExtendedTask
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid task: %v", err)})
		return
	}

	size, err := manager.EstimateReplicationSize(c.Request.Context(), &task)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errors.NotSupported) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"estimated_bytes": size,
		"estimated_size":  progress.FormatSize(size),
	})
}

// ApplyRetention prunes a task's snapshots to its retention policy.
func ApplyRetention(c *gin.Context) {
	var task replication.ExtendedTask
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid task: %v", err)})
		return
	}

	deleted, err := manager.ApplyRetention(c.Request.Context(), &task)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted_snapshots": deleted})
}

// TestConnection checks SSH reachability and target readiness for a task.
func TestConnection(c *gin.Context) {
	var task replication.ExtendedTask
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid task: %v", err)})
		return
	}
	if task.TargetHost == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_host is required"})
		return
	}

	ctx := c.Request.Context()
	if err := replication.TestSSHConnection(ctx, task.SshConfig, task.TargetHost); err != nil {
		c.JSON(http.StatusOK, gin.H{"reachable": false, "error": err.Error()})
		return
	}

	result := gin.H{"reachable": true}
	if task.SourceType == replication.StorageZfs {
		if err := replication.CheckRemoteZFS(ctx, task.SshConfig, task.TargetHost, task.TargetDataset); err != nil {
			result["zfs_ready"] = false
			result["zfs_error"] = err.Error()
		} else {
			result["zfs_ready"] = true
		}
	}
	if free, err := replication.CheckRemoteSpace(ctx, task.SshConfig, task.TargetHost, "/"); err == nil {
		result["free_bytes"] = free
		result["free_size"] = progress.FormatSize(free)
	}
	c.JSON(http.StatusOK, result)
}

func validateTask(task *replication.ExtendedTask) error {
	if task.SourceDataset == "" {
		return errors.New("source_dataset is required")
	}
	if task.TargetDataset == "" {
		return errors.New("target_dataset is required")
	}
	if task.Schedule != "" {
		if err := replication.ValidateSchedule(task.Schedule); err != nil {
			return err
		}
	}
	return nil
}

func parseLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}
