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
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxSessionNameLen  = 40
	defaultSessionName = "main"
)

var sessionNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_\-\.]`)

// SanitizeSessionName normalizes a dispatch session id the way the web UI
// normalizes session names: strip, replace disallowed runes, truncate,
// default to "main".
func SanitizeSessionName(name string) string {
	name = strings.TrimSpace(name)
	name = sessionNamePattern.ReplaceAllString(name, "-")
	if len(name) > maxSessionNameLen {
		name = name[:maxSessionNameLen]
	}
	if name == "" {
		return defaultSessionName
	}
	return name
}

// DispatchRequest is a routed chat request. AgentID, when set, bypasses
// weighted selection.
type DispatchRequest struct {
	AgentID   string        `json:"agent_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Message   string        `json:"message"`
	Context   []ChatMessage `json:"context,omitempty"`
}

// DispatchResult is the response of one routed call.
type DispatchResult struct {
	RequestID  string `json:"request_id"`
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMS  int64  `json:"latency_ms"`
	Timestamp  string `json:"timestamp"`
}

// Dispatcher runs the full dispatch pipeline: select an agent, call it,
// reconcile its health metrics, append the audit entry, and shape the
// response. Within one dispatch, metric update happens before audit append
// happens before the response.
type Dispatcher struct {
	registry *AgentRegistry
	balancer *LoadBalancer
	backend  *BackendClient
	audit    *AuditChain
}

// NewDispatcher wires the dispatch pipeline.
func NewDispatcher(registry *AgentRegistry, balancer *LoadBalancer, backend *BackendClient, audit *AuditChain) *Dispatcher {
	return &Dispatcher{registry: registry, balancer: balancer, backend: backend, audit: audit}
}

// Dispatch routes one message. An explicit agent id is honored regardless
// of health: the caller chose. A failed backend call is recorded against
// the agent and surfaced; nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest, actor AuditActor) (*DispatchResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrValidation("Message must not be empty", nil)
	}

	var (
		agent *Agent
		err   error
	)
	if req.AgentID != "" {
		agent, err = d.registry.Get(ctx, req.AgentID)
		if errors.Is(err, ErrAgentNotFound) {
			return nil, ErrNotFound("Agent not found")
		}
		if err != nil {
			return nil, ErrInternal("Failed to load agent", err)
		}
	} else {
		agent, err = d.balancer.Select(ctx)
		if errors.Is(err, ErrAgentNotFound) {
			return nil, ErrExternalService("orchestrator", "No healthy agents available", nil)
		}
		if err != nil {
			return nil, ErrInternal("Failed to select agent", err)
		}
	}

	requestID := uuid.NewString()
	sessionID := SanitizeSessionName(req.SessionID)

	start := time.Now()
	result, callErr := d.backend.Chat(ctx, *agent, req.Message, req.Context)
	latencyMS := time.Since(start).Milliseconds()

	promDispatchDuration.WithLabelValues(agent.Name).Observe(time.Since(start).Seconds())

	outcome := "success"
	if callErr != nil {
		outcome = "error"
	}
	promDispatchTotal.WithLabelValues(agent.Name, outcome).Inc()

	// Metric reconciliation runs for success and failure alike; a recording
	// failure is logged but does not mask the call outcome.
	if err := d.registry.RecordOutcome(ctx, agent.ID, latencyMS, callErr == nil); err != nil {
		dispatchLog.Error(requestID, "Failed to record dispatch outcome", map[string]interface{}{
			"agent": agent.ID,
			"error": err.Error(),
		})
	}

	details := map[string]interface{}{
		"request_id": requestID,
		"session_id": sessionID,
		"model":      agent.Model,
		"latency_ms": latencyMS,
		"success":    callErr == nil,
	}
	if result != nil {
		details["tokens_used"] = result.TokensUsed
	}

	// Append before responding: the log stays authoritative, so an append
	// failure fails the whole operation even after a successful call.
	if err := d.audit.Append(ctx, ActionAgentRequest, actor, "agent", agent.ID, details); err != nil {
		dispatchLog.Error(requestID, "Failed to append dispatch audit entry", map[string]interface{}{"error": err.Error()})
		return nil, ErrInternal("Failed to record audit entry", err)
	}

	if callErr != nil {
		return nil, callErr
	}

	dispatchLog.InfoWithDuration(requestID, "Dispatched request", float64(latencyMS), map[string]interface{}{
		"agent":   agent.ID,
		"session": sessionID,
		"tokens":  result.TokensUsed,
	})

	return &DispatchResult{
		RequestID:  requestID,
		AgentID:    agent.ID,
		SessionID:  sessionID,
		Message:    result.Content,
		Model:      agent.Model,
		TokensUsed: result.TokensUsed,
		LatencyMS:  latencyMS,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}
