package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"inboxpilot-backend/pkg/gemini"
)

// GeminiClient adapts the Gemini service to Client.
type GeminiClient struct {
	svc                *gemini.GeminiService
	defaultTemperature float64
	defaultMaxTokens   int
}

func NewGeminiClient(svc *gemini.GeminiService, temperature float64, maxTokens int) *GeminiClient {
	return &GeminiClient{svc: svc, defaultTemperature: temperature, defaultMaxTokens: maxTokens}
}

func (g *GeminiClient) Model() string { return g.svc.Model() }

func (g *GeminiClient) IsAvailable(ctx context.Context) bool { return g.svc.IsAvailable(ctx) }

func (g *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	temperature := g.defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := g.defaultMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	start := time.Now()
	text, tokens, err := g.svc.GenerateContent(ctx, req.System, req.Prompt, temperature, maxTokens)
	if err != nil {
		return nil, err
	}
	return &Response{Content: text, Model: g.svc.Model(), TokensUsed: tokens, Latency: time.Since(start)}, nil
}

// FallbackClient implements smart AI provider routing with fallback:
// the primary (local Ollama) is tried first, the secondary (Gemini) covers
// connection failures and quota exhaustion.
type FallbackClient struct {
	primary   Client
	secondary Client
}

// NewFallbackClient creates a new fallback client with both providers
func NewFallbackClient(primary, secondary Client) *FallbackClient {
	return &FallbackClient{primary: primary, secondary: secondary}
}

// isConnectionError checks if the error is a network/connection error
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	connectionIndicators := []string{
		"connection refused",
		"no such host",
		"network is unreachable",
		"connection reset",
		"timeout",
		"dial tcp",
		"eof",
	}
	for _, indicator := range connectionIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// isQuotaError checks if the error indicates API quota exhaustion (429)
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) && be.Status == 429 {
		return true
	}
	var ge *gemini.APIError
	if errors.As(err, &ge) && ge.Status == 429 {
		return true
	}

	errStr := strings.ToLower(err.Error())
	quotaIndicators := []string{
		"429",
		"quota",
		"rate limit",
		"too many requests",
		"resource exhausted",
		"resource_exhausted",
	}
	for _, indicator := range quotaIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

func (f *FallbackClient) Model() string { return f.primary.Model() }

// IsAvailable is true while either backend can serve.
func (f *FallbackClient) IsAvailable(ctx context.Context) bool {
	if f.primary.IsAvailable(ctx) {
		return true
	}
	return f.secondary != nil && f.secondary.IsAvailable(ctx)
}

func (f *FallbackClient) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := f.primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	if f.secondary == nil || !(isConnectionError(err) || isQuotaError(err)) {
		return nil, err
	}

	log.Printf("[AI] %s failed: %v, falling back to %s", f.primary.Model(), err, f.secondary.Model())
	resp, fbErr := f.secondary.Generate(ctx, req)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback %s failed: %w (primary: %v)", f.secondary.Model(), fbErr, err)
	}
	return resp, nil
}
