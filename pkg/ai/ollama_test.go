package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOllamaGenerateSendsSystemAndOptions(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":"{\"ok\":true}","model":"m1","eval_count":7}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "m1", OllamaOptions{MaxTokens: 512, Temperature: 0.7})
	low := 0.1
	resp, err := client.Generate(context.Background(), Request{Prompt: "p", System: "s", Temperature: &low})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != `{"ok":true}` || resp.TokensUsed != 7 || resp.Model != "m1" {
		t.Errorf("resp = %+v", resp)
	}
	if got.System != "s" || got.Stream || got.Model != "m1" {
		t.Errorf("request = %+v", got)
	}
	if got.Options["temperature"].(float64) != 0.1 || got.Options["max_tokens"].(float64) != 512 {
		t.Errorf("options = %v", got.Options)
	}
}

func TestOllamaFallsBackToResponseField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"hello","done":true}`))
	}))
	defer srv.Close()

	resp, err := NewOllamaClient(srv.URL, "m", OllamaOptions{}).Generate(context.Background(), Request{Prompt: "p"})
	if err != nil || resp.Content != "hello" {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
}

func TestOllamaMissingEndpointIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "m", OllamaOptions{}).Generate(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestOllamaServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "m", OllamaOptions{}).Generate(context.Background(), Request{Prompt: "p"})
	var be *BackendError
	if !errors.As(err, &be) || !be.IsRetryable() {
		t.Fatalf("err = %v", err)
	}
}

func TestOllamaTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "m", OllamaOptions{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Error("request was not bounded by the client timeout")
	}
}

func TestOllamaBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "m", OllamaOptions{})
	var last error
	for i := 0; i < 12; i++ {
		_, last = client.Generate(context.Background(), Request{Prompt: "p"})
	}
	if !errors.Is(last, ErrBackendUnavailable) {
		t.Fatalf("last err = %v, want open breaker", last)
	}
	if hits.Load() >= 12 {
		t.Errorf("breaker did not short-circuit, %d upstream hits", hits.Load())
	}
}

func TestOllamaRuntimeSettings(t *testing.T) {
	var hitA, hitB atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitA.Add(1)
		_, _ = w.Write([]byte(`{"response":"a"}`))
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitB.Add(1)
		_, _ = w.Write([]byte(`{"response":"b"}`))
	}))
	defer b.Close()

	settings := NewRuntimeSettings(a.URL, "m1")
	client := NewOllamaClientWithGetters(settings.BaseURL, settings.Model, OllamaOptions{})
	_, _ = client.Generate(context.Background(), Request{Prompt: "p"})
	settings.Update(b.URL, "")
	resp, _ := client.Generate(context.Background(), Request{Prompt: "p"})

	if hitA.Load() != 1 || hitB.Load() != 1 || resp.Content != "b" {
		t.Errorf("a=%d b=%d resp=%v", hitA.Load(), hitB.Load(), resp)
	}
	if client.Model() != "m1" {
		t.Errorf("empty model update should keep the old one, got %q", client.Model())
	}
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	if !NewOllamaClient(srv.URL, "m", OllamaOptions{}).IsAvailable(context.Background()) {
		t.Error("expected available")
	}
	srv.Close()
	if NewOllamaClient(srv.URL, "m", OllamaOptions{}).IsAvailable(context.Background()) {
		t.Error("closed server reported available")
	}
}
