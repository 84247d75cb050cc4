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

	"peanut/platform/gateway/upstream"
)

var testVaultKey = []byte("0123456789abcdef0123456789abcdef")

func newTestVault(t *testing.T) *VaultManager {
	t.Helper()
	return NewVaultManager(newTestStore(t), testVaultKey)
}

func stringPtr(s string) *string { return &s }

func TestVaultManager_DefaultsWithoutRow(t *testing.T) {
	vault := newTestVault(t)

	config, err := vault.GetConfig(context.Background())
	require.NoError(t, err)
	assert.False(t, config.HasAPIKey())
	assert.Equal(t, upstream.DefaultBaseURL, config.BaseURL)
	assert.Equal(t, upstream.DefaultModel, config.Model)
	assert.Equal(t, upstream.DefaultMaxTokens, config.MaxTokensPerRequest)
}

func TestVaultManager_UpdateEncryptsAtRest(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	updated, err := vault.UpdateConfig(ctx, VaultConfigUpdate{
		APIKey:              stringPtr("sk-ant-secret-key"),
		Model:               "claude-3-opus",
		MaxTokensPerRequest: 4000,
	})
	require.NoError(t, err)
	assert.True(t, updated.HasAPIKey())
	assert.NotContains(t, updated.APIKeyCiphertext, "sk-ant-secret-key")

	plaintext, err := DecryptCredential(updated.APIKeyCiphertext, testVaultKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret-key", plaintext)
}

func TestVaultManager_NilAPIKeyKeepsCiphertext(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	first, err := vault.UpdateConfig(ctx, VaultConfigUpdate{APIKey: stringPtr("sk-ant-secret-key")})
	require.NoError(t, err)

	// Settings-only update: the credential survives untouched.
	second, err := vault.UpdateConfig(ctx, VaultConfigUpdate{Model: "claude-3-haiku", MaxTokensPerRequest: 2000})
	require.NoError(t, err)
	assert.Equal(t, first.APIKeyCiphertext, second.APIKeyCiphertext)
	assert.Equal(t, "claude-3-haiku", second.Model)

	// Empty non-nil key clears it.
	third, err := vault.UpdateConfig(ctx, VaultConfigUpdate{APIKey: stringPtr("")})
	require.NoError(t, err)
	assert.False(t, third.HasAPIKey())
}

func TestVaultManager_CompleteWithoutKey(t *testing.T) {
	vault := newTestVault(t)

	_, err := vault.Complete(context.Background(), upstream.CompletionRequest{
		Messages: []upstream.Message{{Role: "user", Content: "hi"}},
	})
	appErr, ok := err.(*AppError)
	require.True(t, ok)
	assert.Equal(t, KindValidation, appErr.Kind)
}

func TestVaultManager_CompleteClampsMaxTokens(t *testing.T) {
	var gotMaxTokens int
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MaxTokens int `json:"max_tokens"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotMaxTokens = body.MaxTokens
		gotKey = r.Header.Get("x-api-key")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "msg_1",
			"model": "claude-3-opus",
			"content": []map[string]string{
				{"type": "text", "text": "hello "},
				{"type": "text", "text": "world"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.UpdateConfig(ctx, VaultConfigUpdate{
		APIKey:              stringPtr("sk-ant-secret-key"),
		BaseURL:             server.URL,
		MaxTokensPerRequest: 1000,
	})
	require.NoError(t, err)

	resp, err := vault.Complete(ctx, upstream.CompletionRequest{
		Messages:  []upstream.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 999999,
	})
	require.NoError(t, err)

	assert.Equal(t, 1000, gotMaxTokens)
	assert.Equal(t, "sk-ant-secret-key", gotKey)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, 15, resp.Usage.Total)
}

func TestVaultManager_StatusNeverLeaksFailures(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	// No key: disconnected.
	status := vault.Status(ctx)
	assert.False(t, status.Connected)
	assert.Nil(t, status.Usage)

	// Ciphertext that no key can open (simulates key rotation): still just
	// disconnected, no error escapes.
	_, err := vault.store.db.Exec(`INSERT INTO vault_config
		(id, api_key_ciphertext, base_url, model, max_tokens_per_request, updated_at)
		VALUES (1, 'deadbeef:deadbeef:deadbeef', 'http://127.0.0.1:1', 'm', 100, '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	status = vault.Status(ctx)
	assert.False(t, status.Connected)
}

func TestVaultManager_StatusConnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/usage", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"used": 250, "limit": 1000, "reset_at": "2026-09-01T00:00:00Z",
		})
	}))
	defer server.Close()

	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.UpdateConfig(ctx, VaultConfigUpdate{
		APIKey:  stringPtr("sk-ant-secret-key"),
		BaseURL: server.URL,
	})
	require.NoError(t, err)

	status := vault.Status(ctx)
	assert.True(t, status.Connected)
	require.NotNil(t, status.Usage)
	assert.Equal(t, int64(250), status.Usage.Used)
	assert.Equal(t, 25, status.Usage.Percentage)
}
