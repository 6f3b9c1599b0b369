package ai

import (
	"fmt"
	"log"
	"sync"
	"time"

	"inboxpilot-backend/pkg/gemini"
)

// RuntimeSettings holds the Ollama settings that can be changed while the
// process runs.
type RuntimeSettings struct {
	mu      sync.RWMutex
	baseURL string
	model   string
}

func NewRuntimeSettings(baseURL, model string) *RuntimeSettings {
	return &RuntimeSettings{baseURL: baseURL, model: model}
}

func (s *RuntimeSettings) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

func (s *RuntimeSettings) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Update replaces the base URL and, when non-empty, the model.
func (s *RuntimeSettings) Update(baseURL, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = baseURL
	if model != "" {
		s.model = model
	}
}

// Config holds AI provider configuration
type Config struct {
	Provider ProviderType // "gemini", "ollama" or "auto"

	// Gemini config
	GeminiAPIKey string

	// Ollama defaults
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration

	Settings *RuntimeSettings
	Cache    Cache
}

// NewClient builds the backend chosen by cfg.Provider, wrapped in the
// response cache. Switch AI provider by changing cfg.Provider.
func NewClient(cfg Config) (Client, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("runtime settings are required")
	}
	ollama := NewOllamaClientWithGetters(cfg.Settings.BaseURL, cfg.Settings.Model, OllamaOptions{
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	})

	var geminiClient Client
	if cfg.GeminiAPIKey != "" {
		geminiClient = NewGeminiClient(gemini.NewGeminiService(cfg.GeminiAPIKey, cfg.Timeout), cfg.Temperature, cfg.MaxTokens)
	}

	var base Client
	switch cfg.Provider {
	case ProviderGemini:
		if geminiClient == nil {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for Gemini provider")
		}
		base = geminiClient
	case ProviderOllama, "":
		base = ollama
	case ProviderAuto:
		if geminiClient != nil {
			base = NewFallbackClient(ollama, geminiClient)
		} else {
			base = ollama
		}
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}

	log.Printf("[AI] Using provider %s (model %s)", cfg.Provider, base.Model())
	if cfg.Cache == nil {
		return base, nil
	}
	return NewCachedClient(base, cfg.Cache), nil
}
