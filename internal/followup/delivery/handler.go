package delivery

import (
	"errors"
	"net/http"
	"strconv"

	emaildomain "inboxpilot-backend/internal/email/domain"
	"inboxpilot-backend/internal/followup/domain"
	"inboxpilot-backend/internal/followup/usecase"

	"github.com/gin-gonic/gin"
)

const tenantKey = "tenantID"

type FollowUpHandler struct {
	followUps usecase.FollowUpUsecase
}

func NewFollowUpHandler(followUps usecase.FollowUpUsecase) *FollowUpHandler {
	return &FollowUpHandler{followUps: followUps}
}

// ListRules GET /api/users/:userId/follow-up-rules
func (h *FollowUpHandler) ListRules(c *gin.Context) {
	rules, err := h.followUps.ListRules(c.GetString(tenantKey), c.Param("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// CreateRule POST /api/users/:userId/follow-up-rules
func (h *FollowUpHandler) CreateRule(c *gin.Context) {
	var in domain.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.followUps.CreateRule(c.GetString(tenantKey), c.Param("userId"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule PUT /api/users/:userId/follow-up-rules/:ruleId
func (h *FollowUpHandler) UpdateRule(c *gin.Context) {
	var in domain.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.followUps.UpdateRule(c.GetString(tenantKey), c.Param("userId"), c.Param("ruleId"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule DELETE /api/users/:userId/follow-up-rules/:ruleId
func (h *FollowUpHandler) DeleteRule(c *gin.Context) {
	if err := h.followUps.DeleteRule(c.GetString(tenantKey), c.Param("userId"), c.Param("ruleId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListFollowUps GET /api/users/:userId/follow-ups?status=&page=&limit=
func (h *FollowUpHandler) ListFollowUps(c *gin.Context) {
	page := 1
	limit := 20
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	var status *emaildomain.FollowUpStatus
	if s := c.Query("status"); s != "" {
		fs := emaildomain.FollowUpStatus(s)
		status = &fs
	}

	result, err := h.followUps.ListFollowUps(c.GetString(tenantKey), c.Param("userId"), status, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Stats GET /api/users/:userId/follow-ups/stats
func (h *FollowUpHandler) Stats(c *gin.Context) {
	stats, err := h.followUps.Stats(c.GetString(tenantKey), c.Param("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type snoozeRequest struct {
	Days int `json:"days"`
}

// Snooze POST /api/messages/:id/snooze
func (h *FollowUpHandler) Snooze(c *gin.Context) {
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.followUps.Snooze(c.Request.Context(), c.GetString(tenantKey), c.Param("id"), req.Days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Complete POST /api/messages/:id/complete
func (h *FollowUpHandler) Complete(c *gin.Context) {
	msg, err := h.followUps.Complete(c.Request.Context(), c.GetString(tenantKey), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func respondError(c *gin.Context, err error) {
	var validation *domain.RuleValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.Is(err, domain.ErrRuleNotFound), errors.Is(err, emaildomain.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrFollowUpCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// badRequest reports a body that failed to bind, naming the field when a
// rule condition could not be decoded.
func badRequest(c *gin.Context, err error) {
	var validation *domain.RuleValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
