package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBackendUnavailable is returned when the AI backend cannot be reached or
// its generate endpoint does not exist. It is retryable.
var ErrBackendUnavailable = errors.New("ai backend unavailable")

// Request is one completion call.
type Request struct {
	Prompt string
	System string
	// Temperature and MaxTokens override the client defaults when set.
	Temperature *float64
	MaxTokens   int
	UseCache    bool
	CacheTTL    time.Duration
	// Accept decides whether a response is worth caching. Nil accepts all.
	Accept func(content string) error
}

// Response is the generated text plus bookkeeping.
type Response struct {
	Content    string        `json:"content"`
	Model      string        `json:"model"`
	TokensUsed int           `json:"tokens_used"`
	Latency    time.Duration `json:"latency"`
	Cached     bool          `json:"cached"`
}

// Client is implemented by every AI backend (Ollama, Gemini) and by the
// wrappers around them.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	IsAvailable(ctx context.Context) bool
	Model() string
}

// BackendError is a non-2xx answer from an AI backend.
type BackendError struct {
	Backend string
	Status  int
	Body    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Backend, e.Status, e.Body)
}

// IsRetryable is true for throttling and server-side failures.
func (e *BackendError) IsRetryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ProviderType represents the AI provider type
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderOllama ProviderType = "ollama"
	ProviderAuto   ProviderType = "auto"
)
