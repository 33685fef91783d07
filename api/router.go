package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRouter creates and configures the Gin router
func SetupRouter() *gin.Engine {
	router := gin.Default()

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"} // Configure appropriately in production
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	// Health check
	router.GET("/health", HealthCheck)

	// API routes
	api := router.Group("/api")
	{
		// Runs
		api.POST("/replication/run", RunTask)
		api.GET("/replication/active", ListActive)
		api.GET("/replication/progress/:taskID", GetProgress)
		api.DELETE("/replication/active/:taskID", CancelTask)

		// History
		api.GET("/replication/history", GetHistory)
		api.GET("/replication/history/:taskID", GetTaskHistory)

		// Preflight and maintenance
		api.POST("/replication/estimate", EstimateSize)
		api.POST("/replication/retention", ApplyRetention)
		api.POST("/replication/test-connection", TestConnection)

		// Scheduled replication
		api.POST("/schedules", CreateSchedule)
		api.GET("/schedules", ListSchedules)
		api.GET("/schedules/stats", GetSchedulerStats)
		api.GET("/schedules/:id", GetSchedule)
		api.PUT("/schedules/:id", UpdateSchedule)
		api.DELETE("/schedules/:id", DeleteSchedule)
		api.POST("/schedules/:id/enable", EnableSchedule)
		api.POST("/schedules/:id/disable", DisableSchedule)
		api.POST("/schedules/:id/run", RunScheduleNow)
	}

	return router
}
