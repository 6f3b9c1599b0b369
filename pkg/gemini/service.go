package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultModel    = "gemini-2.5-flash"
	defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
)

// APIError is a non-2xx answer from generateContent.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Gemini API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) IsRetryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type GeminiService struct {
	ApiKey   string
	model    string
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

func NewGeminiService(apiKey string, timeout time.Duration) *GeminiService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiService{
		ApiKey:   apiKey,
		model:    DefaultModel,
		endpoint: defaultEndpoint,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

// WithEndpoint points the client at another base URL, used by tests.
func (g *GeminiService) WithEndpoint(endpoint string) *GeminiService {
	g.endpoint = endpoint
	return g
}

func (g *GeminiService) Model() string {
	return g.model
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content              `json:"contents"`
	SystemInstruction *content               `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]interface{} `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// GenerateContent sends one prompt with an optional system instruction and
// returns the first candidate's text together with the token count.
func (g *GeminiService) GenerateContent(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.endpoint, g.model, g.ApiKey)

	payload := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: map[string]interface{}{
			"temperature": temperature,
		},
	}
	if maxTokens > 0 {
		payload.GenerationConfig["maxOutputTokens"] = maxTokens
	}
	if system != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", 0, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var result generateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", 0, err
	}
	if len(result.Candidates) > 0 && len(result.Candidates[0].Content.Parts) > 0 {
		return result.Candidates[0].Content.Parts[0].Text, result.UsageMetadata.TotalTokenCount, nil
	}
	return "", 0, fmt.Errorf("no content returned")
}

// IsAvailable reports whether an API key is configured. Gemini has no cheap
// liveness probe.
func (g *GeminiService) IsAvailable(ctx context.Context) bool {
	return g.ApiKey != ""
}
