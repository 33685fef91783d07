package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/replication"
)

// CreateSchedule registers a task with the scheduler.
func CreateSchedule(c *gin.Context) {
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
	if task.Schedule == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "schedule is required"})
		return
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	if err := sched.Add(&task); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID})
}

// ListSchedules returns every registered schedule.
func ListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": sched.List()})
}

// GetSchedulerStats summarizes the scheduler's state.
func GetSchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, sched.GetStats())
}

// GetSchedule returns one schedule.
func GetSchedule(c *gin.Context) {
	schedule, err := sched.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// UpdateSchedule replaces a schedule's task definition.
func UpdateSchedule(c *gin.Context) {
	task := *replication.NewExtendedTask(replication.Task{})
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid task: %v", err)})
		return
	}
	task.ID = c.Param("id")
	if err := validateTask(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := sched.Update(&task); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID})
}

// DeleteSchedule removes a schedule.
func DeleteSchedule(c *gin.Context) {
	if err := sched.Remove(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule removed"})
}

// EnableSchedule resumes cron triggering for a schedule.
func EnableSchedule(c *gin.Context) {
	if err := sched.Enable(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule enabled"})
}

// DisableSchedule pauses cron triggering for a schedule.
func DisableSchedule(c *gin.Context) {
	if err := sched.Disable(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule disabled"})
}

// RunScheduleNow triggers a scheduled task outside its cron window.
func RunScheduleNow(c *gin.Context) {
	if err := sched.RunNow(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "run started"})
}
