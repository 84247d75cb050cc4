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
	"net/http"

	"peanut/platform/gateway/upstream"
)

// vaultConfigView is the boundary shape of the vault row; the credential
// only appears as a presence flag.
type vaultConfigView struct {
	HasAPIKey           bool   `json:"has_api_key"`
	BaseURL             string `json:"base_url"`
	Model               string `json:"model"`
	MaxTokensPerRequest int    `json:"max_tokens_per_request"`
}

type vaultConfigUpdateRequest struct {
	APIKey              *string `json:"api_key"`
	BaseURL             string  `json:"base_url"`
	Model               string  `json:"model"`
	MaxTokensPerRequest int     `json:"max_tokens_per_request"`
}

func vaultView(vc *VaultConfig) vaultConfigView {
	return vaultConfigView{
		HasAPIKey:           vc.HasAPIKey(),
		BaseURL:             vc.BaseURL,
		Model:               vc.Model,
		MaxTokensPerRequest: vc.MaxTokensPerRequest,
	}
}

// handleVaultStatus reports connectivity without leaking credential state.
func (g *Gateway) handleVaultStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.vault.Status(r.Context()))
}

// handleVaultGetConfig returns the non-credential config fields.
func (g *Gateway) handleVaultGetConfig(w http.ResponseWriter, r *http.Request) {
	config, err := g.vault.GetConfig(r.Context())
	if err != nil {
		writeAppError(w, ErrInternal("Failed to load vault config", err))
		return
	}
	writeJSON(w, http.StatusOK, vaultView(config))
}

// handleVaultPutConfig upserts the vault row, re-encrypting the credential
// when a new one is supplied.
func (g *Gateway) handleVaultPutConfig(w http.ResponseWriter, r *http.Request) {
	var req vaultConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	ctx := r.Context()
	updated, err := g.vault.UpdateConfig(ctx, VaultConfigUpdate{
		APIKey:              req.APIKey,
		BaseURL:             req.BaseURL,
		Model:               req.Model,
		MaxTokensPerRequest: req.MaxTokensPerRequest,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	if err := g.audit.Append(ctx, ActionSettingsUpdated, actorFrom(r), "vault", "config", map[string]interface{}{
		"base_url":    updated.BaseURL,
		"model":       updated.Model,
		"key_changed": req.APIKey != nil,
	}); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusOK, vaultView(updated))
}

// handleVaultComplete proxies a completion through the vault.
func (g *Gateway) handleVaultComplete(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if !g.checkRate(w, r, "vault_complete", principal.UserID, PolicyVaultComplete) {
		return
	}

	var req upstream.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}
	if len(req.Messages) == 0 {
		writeAppError(w, ErrValidation("Messages must not be empty", nil))
		return
	}

	resp, err := g.vault.Complete(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleVaultUsage returns the upstream usage snapshot.
func (g *Gateway) handleVaultUsage(w http.ResponseWriter, r *http.Request) {
	snapshot, err := g.vault.GetUsage(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
