package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		api.GET("/queues/stats", h.QueueStats)

		// Runtime configuration
		settings := api.Group("/settings")
		{
			settings.GET("/ai", h.settings.GetAISettings)
			settings.PUT("/ai", h.settings.UpdateAISettings)
			settings.POST("/ai/test", h.settings.TestAIConnection)
		}

		scoped := api.Group("")
		scoped.Use(TenantMiddleware())

		accounts := scoped.Group("/accounts")
		{
			accounts.GET("/:id/training-status", h.TrainingStatus)
			accounts.POST("/:id/connect", h.StartIngestion)
			accounts.POST("/:id/sync", h.SyncAccount)
			accounts.DELETE("/:id", h.DisconnectAccount)
		}

		users := scoped.Group("/users/:userId")
		{
			users.GET("/accounts", h.ListAccounts)
			users.POST("/accounts", h.ConnectAccount)
			users.POST("/training", h.TriggerTraining)

			users.GET("/follow-up-rules", h.followUps.ListRules)
			users.POST("/follow-up-rules", h.followUps.CreateRule)
			users.PUT("/follow-up-rules/:ruleId", h.followUps.UpdateRule)
			users.DELETE("/follow-up-rules/:ruleId", h.followUps.DeleteRule)
			users.GET("/follow-ups", h.followUps.ListFollowUps)
			users.GET("/follow-ups/stats", h.followUps.Stats)
		}

		messages := scoped.Group("/messages/:id")
		{
			messages.GET("", h.messages.GetMessage)
			messages.PATCH("", h.messages.UpdateMessage)
			messages.GET("/summary", h.messages.SummarizeMessage)
			messages.POST("/drafts", h.messages.GenerateDraft)
			messages.POST("/snooze", h.followUps.Snooze)
			messages.POST("/complete", h.followUps.Complete)
		}

		api.POST("/devices", h.RegisterDevice)
	}
}
