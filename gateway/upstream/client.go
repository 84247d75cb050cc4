// Copyright 2025 Peanut Platform
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upstream is the HTTP client for the brokered code-assistant API.
// The gateway's vault holds its credential; this package only ever sees a
// decrypted key for the duration of one call.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the default upstream API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultModel is used when the vault config does not name one.
	DefaultModel = "claude-3-5-sonnet-20241022"

	// DefaultMaxTokens caps a completion when no ceiling is configured.
	DefaultMaxTokens = 8192

	// apiVersion is the upstream API version header value.
	apiVersion = "2023-06-01"

	completionTimeout = 60 * time.Second
	usageTimeout      = 10 * time.Second
)

// HTTPClient allows tests to substitute the transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the upstream /v1/messages and /v1/usage endpoints.
type Client struct {
	baseURL string
	client  HTTPClient
}

// New creates a client for the given base URL (empty means the default).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: completionTimeout},
	}
}

// NewWithHTTPClient substitutes the transport; tests use this.
func NewWithHTTPClient(baseURL string, client HTTPClient) *Client {
	c := New(baseURL)
	c.client = client
	return c
}

// Message is one conversation turn in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the normalized request shape the gateway accepts.
type CompletionRequest struct {
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	System    string    `json:"system,omitempty"`
}

// Usage is token accounting for one completion.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// CompletionResponse is the internal response shape.
type CompletionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// UsageSnapshot is the /v1/usage result.
type UsageSnapshot struct {
	Used       int64  `json:"used"`
	Limit      int64  `json:"limit"`
	ResetAt    string `json:"reset_at"`
	Percentage int    `json:"percentage"`
}

type apiRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiUsageResponse struct {
	Used    int64  `json:"used"`
	Limit   int64  `json:"limit"`
	ResetAt string `json:"reset_at"`
}

// Complete forwards a completion to ${base_url}/v1/messages. The caller
// clamps max_tokens to the configured ceiling before handing the request in.
func (c *Client) Complete(ctx context.Context, apiKey string, req CompletionRequest) (*CompletionResponse, error) {
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	body, err := json.Marshal(apiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  req.Messages,
		System:    req.System,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream returned HTTP %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		ID:      parsed.ID,
		Model:   parsed.Model,
		Content: content.String(),
		Usage: Usage{
			Prompt:     parsed.Usage.InputTokens,
			Completion: parsed.Usage.OutputTokens,
			Total:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		FinishReason: parsed.StopReason,
	}, nil
}

// GetUsage fetches ${base_url}/v1/usage and derives the used percentage,
// zero when the limit itself is zero.
func (c *Client) GetUsage(ctx context.Context, apiKey string) (*UsageSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/v1/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage endpoint returned HTTP %d", resp.StatusCode)
	}

	var parsed apiUsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode usage response: %w", err)
	}

	percentage := 0
	if parsed.Limit > 0 {
		percentage = int(float64(parsed.Used)/float64(parsed.Limit)*100 + 0.5)
	}

	return &UsageSnapshot{
		Used:       parsed.Used,
		Limit:      parsed.Limit,
		ResetAt:    parsed.ResetAt,
		Percentage: percentage,
	}, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}
