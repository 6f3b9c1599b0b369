package api

import (
	"context"
	"errors"
	"net/http"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountusecase "inboxpilot-backend/internal/account/usecase"
	emaildelivery "inboxpilot-backend/internal/email/delivery"
	followupdelivery "inboxpilot-backend/internal/followup/delivery"
	notificationrepo "inboxpilot-backend/internal/notification/repository"
	"inboxpilot-backend/internal/worker"
	"inboxpilot-backend/pkg/provider"
	"inboxpilot-backend/pkg/queue"

	"github.com/gin-gonic/gin"
)

// Pipeline is the scheduling surface of the background workers. Inbound
// triggers only learn that a job was scheduled.
type Pipeline interface {
	ConnectAccount(ctx context.Context, tenantID, accountID string) (string, error)
	ManualSync(ctx context.Context, tenantID, accountID string) (string, error)
	TriggerTraining(ctx context.Context, tenantID, userID string) (string, error)
	DisconnectAccount(ctx context.Context, tenantID, accountID string) error
	QueueStats() (map[string]queue.QueueStats, error)
}

type Handler struct {
	pipeline  Pipeline
	accounts  accountusecase.AccountUsecase
	devices   notificationrepo.DeviceTokenRepository
	messages  *emaildelivery.MessageHandler
	followUps *followupdelivery.FollowUpHandler
	settings  *SettingsHandler
}

func NewHandler(
	pipeline Pipeline,
	accounts accountusecase.AccountUsecase,
	devices notificationrepo.DeviceTokenRepository,
	messages *emaildelivery.MessageHandler,
	followUps *followupdelivery.FollowUpHandler,
	settings *SettingsHandler,
) *Handler {
	return &Handler{
		pipeline:  pipeline,
		accounts:  accounts,
		devices:   devices,
		messages:  messages,
		followUps: followUps,
		settings:  settings,
	}
}

// Router builds the gin engine with every route installed.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(corsMiddleware())
	SetupRoutes(r, h)
	return r
}

// QueueStats GET /api/queues/stats
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.pipeline.QueueStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

type connectRequest struct {
	Provider provider.Kind `json:"provider" binding:"required"`
	Code     string        `json:"code" binding:"required"`
}

// ConnectAccount finishes an authorization-code grant and starts the
// history import.
// POST /api/users/:userId/accounts
func (h *Handler) ConnectAccount(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenantID := c.GetString(tenantKey)
	acc, err := h.accounts.Connect(c.Request.Context(), tenantID, c.Param("userId"), req.Provider, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	jobKey, err := h.pipeline.ConnectAccount(c.Request.Context(), tenantID, acc.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acc, "job": jobKey})
}

// ListAccounts GET /api/users/:userId/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accounts.ListByUser(c.GetString(tenantKey), c.Param("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// StartIngestion enqueues the history import of an already stored account.
// POST /api/accounts/:id/connect
func (h *Handler) StartIngestion(c *gin.Context) {
	jobKey, err := h.pipeline.ConnectAccount(c.Request.Context(), c.GetString(tenantKey), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": jobKey})
}

// SyncAccount POST /api/accounts/:id/sync
func (h *Handler) SyncAccount(c *gin.Context) {
	jobKey, err := h.pipeline.ManualSync(c.Request.Context(), c.GetString(tenantKey), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": jobKey})
}

// DisconnectAccount DELETE /api/accounts/:id
func (h *Handler) DisconnectAccount(c *gin.Context) {
	if err := h.pipeline.DisconnectAccount(c.Request.Context(), c.GetString(tenantKey), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TrainingStatus GET /api/accounts/:id/training-status
func (h *Handler) TrainingStatus(c *gin.Context) {
	acc, err := h.accounts.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if acc == nil || acc.TenantID != c.GetString(tenantKey) {
		respondError(c, accountdomain.ErrAccountNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":      acc.ID,
		"training_status": acc.TrainingStatus,
		"ai_health":       acc.AIHealth,
		"ai_last_error":   acc.AILastError,
		"last_synced_at":  acc.LastSyncedAt,
	})
}

// TriggerTraining POST /api/users/:userId/training
func (h *Handler) TriggerTraining(c *gin.Context) {
	jobKey, err := h.pipeline.TriggerTraining(c.Request.Context(), c.GetString(tenantKey), c.Param("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": jobKey})
}

type registerDeviceRequest struct {
	UserID     string `json:"userId" binding:"required"`
	Token      string `json:"token" binding:"required"`
	DeviceInfo string `json:"deviceInfo"`
}

// RegisterDevice POST /api/devices
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.devices.Save(req.UserID, req.Token, req.DeviceInfo); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device registered"})
}

func respondError(c *gin.Context, err error) {
	var expired *accountdomain.CredentialExpiredError
	switch {
	case errors.Is(err, accountdomain.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrAccountInactive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &expired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		if pe, ok := provider.AsProviderError(err); ok {
			c.JSON(http.StatusBadGateway, gin.H{"error": pe.Error(), "retryable": pe.Retryable})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
