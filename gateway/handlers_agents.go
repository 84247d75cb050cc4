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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// handleListAgents returns every agent paired with its health row.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	listed, err := g.registry.List(r.Context())
	if err != nil {
		writeAppError(w, ErrInternal("Failed to list agents", err))
		return
	}
	if listed == nil {
		listed = []AgentWithHealth{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": listed})
}

// handleCreateAgent registers a backend.
func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	ctx := r.Context()
	created, err := g.registry.Create(ctx, agent)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if err := g.audit.Append(ctx, ActionAgentCreated, actorFrom(r), "agent", created.ID, map[string]interface{}{
		"name": created.Name,
		"type": string(created.Type),
	}); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateAgent applies a partial patch; the agent type cannot change.
func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var patch AgentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	ctx := r.Context()
	updated, err := g.registry.Update(ctx, id, patch)
	if errors.Is(err, ErrAgentNotFound) {
		writeAppError(w, ErrNotFound("Agent not found"))
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}

	if err := g.audit.Append(ctx, ActionAgentUpdated, actorFrom(r), "agent", id, map[string]interface{}{
		"name": updated.Name,
	}); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteAgent removes an agent and its health row.
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	err := g.registry.Delete(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		writeAppError(w, ErrNotFound("Agent not found"))
		return
	}
	if err != nil {
		writeAppError(w, ErrInternal("Failed to delete agent", err))
		return
	}

	if err := g.audit.Append(ctx, ActionAgentDeleted, actorFrom(r), "agent", id, nil); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleAgentHealth forces a probe and returns the fresh health row.
func (g *Gateway) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	agent, err := g.registry.Get(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		writeAppError(w, ErrNotFound("Agent not found"))
		return
	}
	if err != nil {
		writeAppError(w, ErrInternal("Failed to load agent", err))
		return
	}

	health, err := g.monitor.Probe(ctx, *agent)
	if err != nil {
		writeAppError(w, ErrInternal("Failed to probe agent", err))
		return
	}

	writeJSON(w, http.StatusOK, health)
}

// handleDispatch routes a chat request through the orchestrator.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if !g.checkRate(w, r, "dispatch", principal.UserID, PolicyDispatch) {
		return
	}

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	result, err := g.dispatcher.Dispatch(r.Context(), req, actorFrom(r))
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
