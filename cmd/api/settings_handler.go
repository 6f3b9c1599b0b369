package api

import (
	"net/http"

	"inboxpilot-backend/pkg/ai"

	"github.com/gin-gonic/gin"
)

// SettingsHandler exposes the runtime-adjustable AI backend settings.
type SettingsHandler struct {
	settings *ai.RuntimeSettings
	client   ai.Client
}

func NewSettingsHandler(settings *ai.RuntimeSettings, client ai.Client) *SettingsHandler {
	return &SettingsHandler{settings: settings, client: client}
}

// UpdateAISettingsRequest represents the request body for updating AI settings
type UpdateAISettingsRequest struct {
	OllamaBaseURL string `json:"ollama_base_url" binding:"required"`
	OllamaModel   string `json:"ollama_model,omitempty"`
}

// GetAISettings returns the current Ollama configuration
// GET /api/settings/ai
func (h *SettingsHandler) GetAISettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ollama_base_url": h.settings.BaseURL(),
		"ollama_model":    h.settings.Model(),
	})
}

// UpdateAISettings points the Ollama client at another server or model
// PUT /api/settings/ai
func (h *SettingsHandler) UpdateAISettings(c *gin.Context) {
	var req UpdateAISettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.settings.Update(req.OllamaBaseURL, req.OllamaModel)

	c.JSON(http.StatusOK, gin.H{
		"message":         "AI settings updated",
		"ollama_base_url": h.settings.BaseURL(),
		"ollama_model":    h.settings.Model(),
	})
}

// TestAIConnection probes an Ollama server, the configured one when the
// body names none
// POST /api/settings/ai/test
func (h *SettingsHandler) TestAIConnection(c *gin.Context) {
	var req struct {
		OllamaBaseURL string `json:"ollama_base_url"`
	}
	_ = c.ShouldBindJSON(&req)

	client := h.client
	baseURL := h.settings.BaseURL()
	if req.OllamaBaseURL != "" && req.OllamaBaseURL != baseURL {
		baseURL = req.OllamaBaseURL
		client = ai.NewOllamaClient(baseURL, h.settings.Model(), ai.OllamaOptions{})
	}

	if !client.IsAvailable(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"connected":       false,
			"ollama_base_url": baseURL,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected":       true,
		"ollama_base_url": baseURL,
		"model":           client.Model(),
	})
}
