// Package provider abstracts the chat-completion APIs the assistant calls.
package provider

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
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultTimeout = 60 * time.Second

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Metadata for tracing and logs
	TenantID    string
	RequestID   string
}

type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

func (r *Response) TotalTokens() int {
	if r == nil {
		return 0
	}
	return r.InputTokens + r.OutputTokens
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
	CostPerInputToken() float64 // USD per token
	CostPerOutputToken() float64
	SupportedModels() []string
}

// APIError is a non-2xx reply from an upstream API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// NewHTTPClient returns the client providers use when none is injected.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// PostJSON sends in as JSON and decodes a 200 reply into out.
func PostJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Provider: name, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
