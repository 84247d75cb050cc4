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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSessionName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "main"},
		{"   ", "main"},
		{"main", "main"},
		{"feature/login flow", "feature-login-flow"},
		{"a b;c|d", "a-b-c-d"},
		{"Valid_name-1.2", "Valid_name-1.2"},
		{"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeSessionName(tc.in), "input %q", tc.in)
	}
}

// newDispatchFixture wires a dispatcher over a stub chat backend.
func newDispatchFixture(t *testing.T, handler http.HandlerFunc) (*Dispatcher, *AgentRegistry, *AuditChain, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := newTestStore(t)
	registry := NewAgentRegistry(store)
	balancer := NewLoadBalancer(registry)
	audit := NewAuditChain(store)
	dispatcher := NewDispatcher(registry, balancer, NewBackendClient(), audit)

	return dispatcher, registry, audit, server
}

func okChatHandler(content string, tokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message":           map[string]string{"content": content},
			"prompt_eval_count": tokens / 2,
			"eval_count":        tokens - tokens/2,
		})
	}
}

func TestDispatcher_RoutesAndAudits(t *testing.T) {
	var gotPath string
	var gotBody backendChatRequest
	dispatcher, registry, audit, server := newDispatchFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		okChatHandler("hello back", 42)(w, r)
	})
	ctx := context.Background()

	agent := testAgent("alpha", 5)
	agent.Endpoint = server.URL
	created, err := registry.Create(ctx, agent)
	require.NoError(t, err)
	require.NoError(t, registry.SetProbeResult(ctx, created.ID, StatusOnline, 5, "ok"))

	result, err := dispatcher.Dispatch(ctx, DispatchRequest{
		Message:   "hello there",
		SessionID: "bug fix/123",
		Context:   []ChatMessage{{Role: "assistant", Content: "earlier turn"}},
	}, testActor())
	require.NoError(t, err)

	assert.Equal(t, "/api/chat", gotPath)
	assert.Equal(t, "llama3", gotBody.Model)
	assert.False(t, gotBody.Stream)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "user", gotBody.Messages[1].Role)
	assert.Equal(t, "hello there", gotBody.Messages[1].Content)

	assert.Equal(t, created.ID, result.AgentID)
	assert.Equal(t, "bug-fix-123", result.SessionID)
	assert.Equal(t, "hello back", result.Message)
	assert.Equal(t, 42, result.TokensUsed)
	assert.NotEmpty(t, result.RequestID)

	// The call shows up in both the health counters and the audit chain.
	health, err := registry.GetHealth(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.RequestCount)

	page, err := audit.Query(ctx, AuditFilters{Action: ActionAgentRequest}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, created.ID, page.Entries[0].ResourceID)
	assert.Equal(t, true, page.Entries[0].Details["success"])
}

func TestDispatcher_ExplicitAgentBypassesHealth(t *testing.T) {
	dispatcher, registry, _, server := newDispatchFixture(t, okChatHandler("ok", 10))
	ctx := context.Background()

	agent := testAgent("alpha", 5)
	agent.Endpoint = server.URL
	created, err := registry.Create(ctx, agent)
	require.NoError(t, err)
	// Deliberately left offline.

	result, err := dispatcher.Dispatch(ctx, DispatchRequest{AgentID: created.ID, Message: "hi"}, testActor())
	require.NoError(t, err)
	assert.Equal(t, created.ID, result.AgentID)
}

func TestDispatcher_UnknownExplicitAgent(t *testing.T) {
	dispatcher, _, _, _ := newDispatchFixture(t, okChatHandler("ok", 10))

	_, err := dispatcher.Dispatch(context.Background(), DispatchRequest{AgentID: "no-such-id", Message: "hi"}, testActor())
	appErr, ok := err.(*AppError)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, appErr.Kind)
}

func TestDispatcher_NoHealthyAgents(t *testing.T) {
	dispatcher, _, _, _ := newDispatchFixture(t, okChatHandler("ok", 10))

	_, err := dispatcher.Dispatch(context.Background(), DispatchRequest{Message: "hi"}, testActor())
	appErr, ok := err.(*AppError)
	require.True(t, ok)
	assert.Equal(t, KindExternalService, appErr.Kind)
}

func TestDispatcher_EmptyMessage(t *testing.T) {
	dispatcher, _, _, _ := newDispatchFixture(t, okChatHandler("ok", 10))

	_, err := dispatcher.Dispatch(context.Background(), DispatchRequest{Message: "   "}, testActor())
	appErr, ok := err.(*AppError)
	require.True(t, ok)
	assert.Equal(t, KindValidation, appErr.Kind)
}

func TestDispatcher_BackendFailureRecordedAndAudited(t *testing.T) {
	dispatcher, registry, audit, server := newDispatchFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	ctx := context.Background()

	agent := testAgent("alpha", 5)
	agent.Endpoint = server.URL
	created, err := registry.Create(ctx, agent)
	require.NoError(t, err)
	require.NoError(t, registry.SetProbeResult(ctx, created.ID, StatusOnline, 5, "ok"))

	_, err = dispatcher.Dispatch(ctx, DispatchRequest{Message: "hi"}, testActor())
	appErr, ok := err.(*AppError)
	require.True(t, ok)
	assert.Equal(t, KindExternalService, appErr.Kind)

	// The failure is reconciled into the health row and still audited.
	health, err := registry.GetHealth(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.RequestCount)
	assert.Equal(t, int64(1), health.ErrorCount)
	assert.Equal(t, StatusDegraded, health.Status)

	page, err := audit.Query(ctx, AuditFilters{Action: ActionAgentRequest}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, false, page.Entries[0].Details["success"])
}
