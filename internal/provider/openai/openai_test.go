package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/reportdesk/internal/provider"
)

func newTestProvider(url string) *OpenAIProvider {
	return &OpenAIProvider{apiKey: "test-key", baseURL: url, client: http.DefaultClient}
}

func TestComplete_Mock(t *testing.T) {
	var got openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)

		resp := openAIResponse{
			ID:      "test-id",
			Choices: []openAIChoice{{Message: openAIMessage{Role: "assistant", Content: "Hello from OpenAI mock!"}}},
			Usage:   openAIUsage{PromptTokens: 15, CompletionTokens: 25},
			Model:   "gpt-4o-mini",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req := &provider.Request{
		Model: "gpt-4o-mini",
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "rubric"},
			{Role: provider.RoleUser, Content: "hi"},
		},
		MaxTokens: 256,
	}

	resp, err := newTestProvider(server.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from OpenAI mock!" {
		t.Errorf("Expected 'Hello from OpenAI mock!', got %s", resp.Content)
	}
	if resp.TotalTokens() != 40 {
		t.Errorf("Expected 40 total tokens, got %d", resp.TotalTokens())
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.MaxTokens != 256 {
		t.Errorf("Unexpected upstream request: %+v", got)
	}
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Complete(context.Background(), &provider.Request{Model: "gpt-4o-mini"})

	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Provider != "openai" {
		t.Errorf("Unexpected APIError: %+v", apiErr)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openAIResponse{ID: "x"})
	}))
	defer server.Close()

	if _, err := newTestProvider(server.URL).Complete(context.Background(), &provider.Request{}); err == nil {
		t.Error("Expected error for empty choices")
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got %s", p.Name())
	}
}

func TestSupportedModels(t *testing.T) {
	p := New("key")
	found := false
	for _, m := range p.SupportedModels() {
		if m == "gpt-4o-mini" {
			found = true
			break
		}
	}
	if !found {
		t.Error("gpt-4o-mini should be in supported models")
	}
}
