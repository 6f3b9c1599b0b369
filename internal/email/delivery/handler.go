package delivery

import (
	"errors"
	"net/http"

	accountdomain "inboxpilot-backend/internal/account/domain"
	aidomain "inboxpilot-backend/internal/ai/domain"
	aiusecase "inboxpilot-backend/internal/ai/usecase"
	"inboxpilot-backend/internal/email/domain"
	"inboxpilot-backend/internal/email/usecase"
	"inboxpilot-backend/pkg/ai"
	"inboxpilot-backend/pkg/provider"

	"github.com/gin-gonic/gin"
)

// TenantKey is the gin context key holding the caller's tenant id.
const TenantKey = "tenantID"

type MessageHandler struct {
	messages usecase.MessageUsecase
	triage   aiusecase.TriageUsecase
	drafts   aiusecase.DraftUsecase
}

func NewMessageHandler(messages usecase.MessageUsecase, triage aiusecase.TriageUsecase, drafts aiusecase.DraftUsecase) *MessageHandler {
	return &MessageHandler{messages: messages, triage: triage, drafts: drafts}
}

// GetMessage returns one stored message.
// GET /api/messages/:id
func (h *MessageHandler) GetMessage(c *gin.Context) {
	msg, err := h.messages.Get(c.GetString(TenantKey), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

type updateMessageRequest struct {
	IsRead    *bool `json:"isRead"`
	IsStarred *bool `json:"isStarred"`
	Archived  *bool `json:"archived"`
}

// UpdateMessage changes flags at the provider and mirrors them locally.
// PATCH /api/messages/:id
func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	var req updateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := h.messages.ApplyMutation(c.Request.Context(), c.GetString(TenantKey), c.Param("id"), provider.Mutation{
		Read:     req.IsRead,
		Starred:  req.IsStarred,
		Archived: req.Archived,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// SummarizeMessage returns a short AI summary.
// GET /api/messages/:id/summary
func (h *MessageHandler) SummarizeMessage(c *gin.Context) {
	summary, err := h.triage.Summarize(c.Request.Context(), c.GetString(TenantKey), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

type draftRequest struct {
	UserID string `json:"userId" binding:"required"`
	aidomain.DraftOptions
}

// GenerateDraft writes an AI reply to the message.
// POST /api/messages/:id/drafts
func (h *MessageHandler) GenerateDraft(c *gin.Context) {
	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.DraftOptions.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	draft, err := h.drafts.GenerateDraft(c.Request.Context(), c.GetString(TenantKey), req.UserID, c.Param("id"), req.DraftOptions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, draft)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrMessageNotFound), errors.Is(err, accountdomain.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ai.ErrBackendUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		if pe, ok := provider.AsProviderError(err); ok {
			c.JSON(http.StatusBadGateway, gin.H{"error": pe.Error(), "retryable": pe.Retryable})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
