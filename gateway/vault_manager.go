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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peanut/platform/gateway/upstream"
)

// VaultConfig is the single vault_config row. The ciphertext never leaves
// this package; boundary reads only learn whether a key exists.
type VaultConfig struct {
	APIKeyCiphertext    string
	BaseURL             string
	Model               string
	MaxTokensPerRequest int
	UpdatedAt           time.Time
}

// HasAPIKey reports whether a credential is configured.
func (vc VaultConfig) HasAPIKey() bool {
	return vc.APIKeyCiphertext != ""
}

// VaultConfigUpdate is the upsert input. A nil APIKey keeps the existing
// ciphertext; an empty non-nil value clears it.
type VaultConfigUpdate struct {
	APIKey              *string
	BaseURL             string
	Model               string
	MaxTokensPerRequest int
}

// VaultStatus is the boundary-safe connection report.
type VaultStatus struct {
	Connected bool                    `json:"connected"`
	Usage     *upstream.UsageSnapshot `json:"usage,omitempty"`
}

// VaultManager holds the one upstream credential encrypted at rest and
// brokers completion and usage calls against it.
type VaultManager struct {
	store *Store
	key   []byte
	// clientFor lets tests point the upstream client at a stub server.
	clientFor func(baseURL string) *upstream.Client
}

// NewVaultManager creates the vault over the persistence port with the
// 32-byte key derived from VAULT_KEY_HEX.
func NewVaultManager(store *Store, key []byte) *VaultManager {
	return &VaultManager{
		store:     store,
		key:       key,
		clientFor: upstream.New,
	}
}

// GetConfig loads the vault row, synthesizing defaults when none exists.
func (vm *VaultManager) GetConfig(ctx context.Context) (*VaultConfig, error) {
	row := vm.store.db.QueryRowContext(ctx,
		`SELECT api_key_ciphertext, base_url, model, max_tokens_per_request, updated_at FROM vault_config WHERE id = 1`)

	var (
		vc         VaultConfig
		ciphertext sql.NullString
		updatedAt  string
	)
	err := row.Scan(&ciphertext, &vc.BaseURL, &vc.Model, &vc.MaxTokensPerRequest, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &VaultConfig{
			BaseURL:             upstream.DefaultBaseURL,
			Model:               upstream.DefaultModel,
			MaxTokensPerRequest: upstream.DefaultMaxTokens,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vault config: %w", err)
	}

	vc.APIKeyCiphertext = ciphertext.String
	if vc.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse vault updated_at: %w", err)
	}

	return &vc, nil
}

// UpdateConfig upserts the vault row. Non-credential fields are always
// overwritten; the credential is re-encrypted only when supplied.
func (vm *VaultManager) UpdateConfig(ctx context.Context, update VaultConfigUpdate) (*VaultConfig, error) {
	current, err := vm.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	next := VaultConfig{
		APIKeyCiphertext:    current.APIKeyCiphertext,
		BaseURL:             update.BaseURL,
		Model:               update.Model,
		MaxTokensPerRequest: update.MaxTokensPerRequest,
		UpdatedAt:           time.Now().UTC(),
	}
	if next.BaseURL == "" {
		next.BaseURL = upstream.DefaultBaseURL
	}
	if next.Model == "" {
		next.Model = upstream.DefaultModel
	}
	if next.MaxTokensPerRequest <= 0 {
		next.MaxTokensPerRequest = upstream.DefaultMaxTokens
	}

	if update.APIKey != nil {
		if *update.APIKey == "" {
			next.APIKeyCiphertext = ""
		} else {
			ciphertext, err := EncryptCredential(*update.APIKey, vm.key)
			if err != nil {
				return nil, ErrInternal("Failed to encrypt credential", err)
			}
			next.APIKeyCiphertext = ciphertext
		}
	}

	query := vm.store.rebind(`INSERT INTO vault_config
		(id, api_key_ciphertext, base_url, model, max_tokens_per_request, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			api_key_ciphertext = excluded.api_key_ciphertext,
			base_url = excluded.base_url,
			model = excluded.model,
			max_tokens_per_request = excluded.max_tokens_per_request,
			updated_at = excluded.updated_at`)

	_, err = vm.store.db.ExecContext(ctx, query,
		nullableString(next.APIKeyCiphertext), next.BaseURL, next.Model,
		next.MaxTokensPerRequest, next.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert vault config: %w", err)
	}

	return &next, nil
}

// decryptKey opens the stored credential. Decryption failure means either
// key rotation or tampering; it surfaces as ExternalService and the detail
// stays in the logs.
func (vm *VaultManager) decryptKey(config *VaultConfig) (string, error) {
	if !config.HasAPIKey() {
		return "", ErrValidation("No API key configured", nil)
	}

	apiKey, err := DecryptCredential(config.APIKeyCiphertext, vm.key)
	if err != nil {
		vaultLog.Error("", "Failed to decrypt vault credential", map[string]interface{}{"error": err.Error()})
		return "", ErrExternalService("vault", "Credential unavailable", err)
	}

	return apiKey, nil
}

// Complete proxies a normalized completion through the vault, clamping the
// requested max_tokens to the configured ceiling.
func (vm *VaultManager) Complete(ctx context.Context, req upstream.CompletionRequest) (*upstream.CompletionResponse, error) {
	config, err := vm.GetConfig(ctx)
	if err != nil {
		return nil, ErrInternal("Failed to load vault config", err)
	}

	apiKey, err := vm.decryptKey(config)
	if err != nil {
		return nil, err
	}

	if req.Model == "" {
		req.Model = config.Model
	}
	if req.MaxTokens <= 0 || req.MaxTokens > config.MaxTokensPerRequest {
		req.MaxTokens = config.MaxTokensPerRequest
	}

	resp, err := vm.clientFor(config.BaseURL).Complete(ctx, apiKey, req)
	if err != nil {
		return nil, ErrExternalService("upstream", "Completion failed", err)
	}

	return resp, nil
}

// GetUsage fetches the upstream usage snapshot.
func (vm *VaultManager) GetUsage(ctx context.Context) (*upstream.UsageSnapshot, error) {
	config, err := vm.GetConfig(ctx)
	if err != nil {
		return nil, ErrInternal("Failed to load vault config", err)
	}

	apiKey, err := vm.decryptKey(config)
	if err != nil {
		return nil, err
	}

	snapshot, err := vm.clientFor(config.BaseURL).GetUsage(ctx, apiKey)
	if err != nil {
		return nil, ErrExternalService("upstream", "Usage probe failed", err)
	}

	return snapshot, nil
}

// Status reports connectivity without ever leaking decryption errors: any
// failure, including a bad ciphertext, reads as disconnected.
func (vm *VaultManager) Status(ctx context.Context) *VaultStatus {
	config, err := vm.GetConfig(ctx)
	if err != nil || !config.HasAPIKey() {
		return &VaultStatus{Connected: false}
	}

	snapshot, err := vm.GetUsage(ctx)
	if err != nil {
		return &VaultStatus{Connected: false}
	}

	return &VaultStatus{Connected: true, Usage: snapshot}
}
