package api

import (
	"github.com/gin-gonic/gin"

	"mediaforge/config"
)

func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		// Task submission, one endpoint per kind
		v1.POST("/compose", h.handleCompose)
		v1.POST("/transcribe", h.handleTranscribe)
		v1.POST("/download", h.handleDownload)
		v1.POST("/keyframes", h.handleKeyframes)

		// Task lifecycle
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.GET("/tasks/:taskId/result", h.handleGetResult)
		v1.DELETE("/tasks/:taskId", h.handleDeleteTask)

		// Operational surface
		v1.GET("/system/stats", h.handleSystemStats)
		v1.POST("/system/cleanup", h.handleSystemCleanup)
	}
	return r
}
