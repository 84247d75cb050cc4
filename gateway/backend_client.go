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

package gateway

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

const backendCallTimeout = 30 * time.Second

// ChatMessage is one turn of a conversation forwarded to a backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BackendResult is a successful backend chat call.
type BackendResult struct {
	Content    string
	TokensUsed int
}

// BackendClient speaks the chat protocol of the registered agents:
// POST ${endpoint}/api/chat with an Ollama-shaped body.
type BackendClient struct {
	client *http.Client
}

// NewBackendClient creates the client with the 30-second call deadline.
func NewBackendClient() *BackendClient {
	return &BackendClient{client: &http.Client{Timeout: backendCallTimeout}}
}

type backendChatRequest struct {
	Model    string             `json:"model"`
	Messages []ChatMessage      `json:"messages"`
	Options  backendChatOptions `json:"options"`
	Stream   bool               `json:"stream"`
}

type backendChatOptions struct {
	Temperature float64 `json:"temperature"`
}

type backendChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Chat sends the context messages plus the user message to the agent and
// parses content and token usage out of the reply. All failure modes map
// to ExternalService; the dispatcher records them against the agent.
func (bc *BackendClient) Chat(ctx context.Context, agent Agent, message string, contextMessages []ChatMessage) (*BackendResult, error) {
	messages := make([]ChatMessage, 0, len(contextMessages)+1)
	messages = append(messages, contextMessages...)
	messages = append(messages, ChatMessage{Role: "user", Content: message})

	body, err := json.Marshal(backendChatRequest{
		Model:    agent.Model,
		Messages: messages,
		Options:  backendChatOptions{Temperature: agent.Temperature},
		Stream:   false,
	})
	if err != nil {
		return nil, ErrInternal("Failed to build backend request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, backendCallTimeout)
	defer cancel()

	url := strings.TrimRight(agent.Endpoint, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, ErrExternalService(agent.Name, "Failed to build backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := bc.client.Do(req)
	if err != nil {
		return nil, ErrExternalService(agent.Name, "Backend request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, ErrExternalService(agent.Name,
			fmt.Sprintf("Backend returned HTTP %d", resp.StatusCode),
			fmt.Errorf("backend response: %s", string(snippet)))
	}

	var parsed backendChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ErrExternalService(agent.Name, "Failed to parse backend response", err)
	}

	return &BackendResult{
		Content:    parsed.Message.Content,
		TokensUsed: parsed.PromptEvalCount + parsed.EvalCount,
	}, nil
}
