package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const availabilityTimeout = 5 * time.Second

// OllamaOptions are the generation defaults applied when a request does not
// override them.
type OllamaOptions struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// OllamaClient implements Client against an Ollama server's /api/generate.
type OllamaClient struct {
	getBaseURL func() string // Dynamic getter for BaseURL
	getModel   func() string // Dynamic getter for Model
	opts       OllamaOptions
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// NewOllamaClient creates a new Ollama client with fixed settings
func NewOllamaClient(baseURL, model string, opts OllamaOptions) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2:8b"
	}
	return NewOllamaClientWithGetters(
		func() string { return baseURL },
		func() string { return model },
		opts,
	)
}

// NewOllamaClientWithGetters creates a new Ollama client whose base URL and
// model are read on every call
func NewOllamaClientWithGetters(getBaseURL, getModel func() string, opts OllamaOptions) *OllamaClient {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &OllamaClient{
		getBaseURL: getBaseURL,
		getModel:   getModel,
		opts:       opts,
		httpClient: &http.Client{},
		cb:         gobreaker.NewCircuitBreaker(breakerSettings("ollama")),
	}
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Only an unreachable or failing backend counts against the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var be *BackendError
			if errors.As(err, &be) {
				return !be.IsRetryable()
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}
}

func (o *OllamaClient) Model() string {
	return o.getModel()
}

func (o *OllamaClient) BaseURL() string {
	return o.getBaseURL()
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options"`
}

type ollamaGenerateResponse struct {
	Content   string `json:"content"`
	Response  string `json:"response"`
	Model     string `json:"model"`
	EvalCount int    `json:"eval_count"`
	Done      bool   `json:"done"`
}

// Generate implements Client
func (o *OllamaClient) Generate(ctx context.Context, req Request) (*Response, error) {
	temperature := o.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := o.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	payload := ollamaGenerateRequest{
		Model:  o.getModel(),
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": temperature,
			"num_predict": maxTokens,
			"max_tokens":  maxTokens,
		},
	}

	start := time.Now()
	out, err := o.cb.Execute(func() (interface{}, error) {
		return o.post(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, err
	}

	result := out.(*ollamaGenerateResponse)
	content := result.Content
	if content == "" {
		content = result.Response
	}
	model := result.Model
	if model == "" {
		model = payload.Model
	}
	return &Response{
		Content:    content,
		Model:      model,
		TokensUsed: result.EvalCount,
		Latency:    time.Since(start),
	}, nil
}

func (o *OllamaClient) post(ctx context.Context, payload ollamaGenerateRequest) (*ollamaGenerateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.getBaseURL()+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/api/generate returned 404", ErrBackendUnavailable, o.getBaseURL())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{Backend: "ollama", Status: resp.StatusCode, Body: string(respBody)}
	}

	var result ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// IsAvailable probes /api/tags with a short timeout.
func (o *OllamaClient) IsAvailable(ctx context.Context) bool {
	return ProbeOllama(ctx, o.httpClient, o.getBaseURL()) == nil
}

// ProbeOllama checks that an Ollama server answers at baseURL.
func ProbeOllama(ctx context.Context, client *http.Client, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &BackendError{Backend: "ollama", Status: resp.StatusCode}
	}
	return nil
}
