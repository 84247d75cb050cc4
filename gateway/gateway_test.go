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
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminEmail    = "admin@peanut.local"
	testAdminPassword = "integration-admin-password"
)

// testGateway is a full gateway behind an httptest server with a
// cookie-carrying client.
type testGateway struct {
	g      *Gateway
	server *httptest.Server
	client *http.Client
	// forwardedFor isolates rate-limit buckets between scenarios.
	forwardedFor string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	config := Config{
		SessionSecret:        "integration-test-session-secret-0001",
		VaultKeyHex:          "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		ListenPort:           "0",
		CORSOrigins:          []string{"*"},
		DataDir:              t.TempDir(),
		DefaultAdminPassword: testAdminPassword,
	}

	g, err := NewGateway(config)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	server := httptest.NewServer(g.Router())
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testGateway{
		g:      g,
		server: server,
		client: &http.Client{Jar: jar},
	}
}

// do issues a JSON request through the cookie jar.
func (tg *testGateway) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, tg.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tg.forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", tg.forwardedFor)
	}

	resp, err := tg.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

// login authenticates through the HTTP surface.
func (tg *testGateway) login(t *testing.T, email, password string) *http.Response {
	t.Helper()
	return tg.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (tg *testGateway) loginAsAdmin(t *testing.T) {
	t.Helper()
	resp := tg.login(t, testAdminEmail, testAdminPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body loginResponse
	decodeBody(t, resp, &body)
	require.False(t, body.RequireTOTP)
}

func TestGateway_HealthIsPublic(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestGateway_UnauthenticatedRequestsRejected(t *testing.T) {
	tg := newTestGateway(t)

	for _, path := range []string{"/api/v1/agents", "/api/v1/audit", "/api/v1/vault/status", "/api/v1/users"} {
		resp := tg.do(t, http.MethodGet, path, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestGateway_SeededAdminLoginAndLogout(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me User
	decodeBody(t, resp, &me)
	assert.Equal(t, testAdminEmail, me.Email)
	assert.Equal(t, RoleAdmin, me.Role)

	resp = tg.do(t, http.MethodPost, "/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The cookie the jar still carries points at a deleted session.
	resp = tg.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_InvalidCredentialsUniformAndAudited(t *testing.T) {
	tg := newTestGateway(t)

	// Unknown email and wrong password read identically.
	var messages []string
	for _, creds := range [][2]string{
		{"ghost@peanut.local", "whatever-password"},
		{testAdminEmail, "wrong-password"},
	} {
		resp := tg.login(t, creds[0], creds[1])
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body errorEnvelope
		decodeBody(t, resp, &body)
		messages = append(messages, body.Error.Message)
	}
	assert.Equal(t, messages[0], messages[1])
	assert.Equal(t, invalidCredentialsMessage, messages[0])

	page, err := tg.g.audit.Query(context.Background(), AuditFilters{Action: ActionAuthLoginFailed}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestGateway_LoginRateLimited(t *testing.T) {
	tg := newTestGateway(t)
	tg.forwardedFor = "203.0.113.50"

	for i := 0; i < PolicyLogin.MaxRequests; i++ {
		resp := tg.login(t, "ghost@peanut.local", "bad-password")
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i)
	}

	resp := tg.login(t, "ghost@peanut.local", "bad-password")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	var body errorEnvelope
	decodeBody(t, resp, &body)
	assert.Equal(t, string(KindRateLimited), body.Error.Code)

	// Another address is unaffected.
	tg.forwardedFor = "203.0.113.51"
	resp = tg.login(t, "ghost@peanut.local", "bad-password")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_TOTPLoginFlow(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodPost, "/api/v1/auth/totp/setup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var enrolment TOTPEnrolment
	decodeBody(t, resp, &enrolment)
	require.NotEmpty(t, enrolment.Secret)
	require.Len(t, enrolment.BackupCodes, 10)

	// With TOTP on, a fresh password login only yields the intermediate
	// token.
	resp = tg.login(t, testAdminEmail, testAdminPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var challenge loginResponse
	decodeBody(t, resp, &challenge)
	require.True(t, challenge.RequireTOTP)
	require.NotEmpty(t, challenge.TempToken)

	// A wrong code fails with the uniform message.
	resp = tg.do(t, http.MethodPost, "/api/v1/auth/totp/verify", map[string]string{
		"temp_token": challenge.TempToken,
		"totp_code":  "000000",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, err := totp.GenerateCodeCustom(enrolment.Secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	resp = tg.do(t, http.MethodPost, "/api/v1/auth/totp/verify", map[string]string{
		"temp_token": challenge.TempToken,
		"totp_code":  code,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var done loginResponse
	decodeBody(t, resp, &done)
	assert.False(t, done.RequireTOTP)

	resp = tg.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_BackupCodeIsSingleUse(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodPost, "/api/v1/auth/totp/setup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var enrolment TOTPEnrolment
	decodeBody(t, resp, &enrolment)
	backupCode := enrolment.BackupCodes[0]

	challengeFor := func() string {
		resp := tg.login(t, testAdminEmail, testAdminPassword)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var challenge loginResponse
		decodeBody(t, resp, &challenge)
		require.True(t, challenge.RequireTOTP)
		return challenge.TempToken
	}

	resp = tg.do(t, http.MethodPost, "/api/v1/auth/totp/verify", map[string]string{
		"temp_token": challengeFor(),
		"totp_code":  backupCode,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The consumed code no longer works.
	resp = tg.do(t, http.MethodPost, "/api/v1/auth/totp/verify", map[string]string{
		"temp_token": challengeFor(),
		"totp_code":  backupCode,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_RoleEnforcement(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodPost, "/api/v1/users", map[string]string{
		"email":        "viewer@peanut.local",
		"display_name": "Viewer",
		"password":     "viewer-password-123",
		"role":         "viewer",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	viewer := newTestGateway2(t, tg)
	resp = viewer.login(t, "viewer@peanut.local", "viewer-password-123")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Viewers may read agents but not mutate them, query the audit log, or
	// administer users.
	resp = viewer.do(t, http.MethodGet, "/api/v1/agents", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = viewer.do(t, http.MethodPost, "/api/v1/agents", testAgent("x-agent", 1))
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = viewer.do(t, http.MethodGet, "/api/v1/audit", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = viewer.do(t, http.MethodGet, "/api/v1/users", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// newTestGateway2 builds a second client against the same server, with its
// own cookie jar.
func newTestGateway2(t *testing.T, tg *testGateway) *testGateway {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testGateway{
		g:      tg.g,
		server: tg.server,
		client: &http.Client{Jar: jar},
	}
}

func TestGateway_AgentCRUDOverHTTP(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodPost, "/api/v1/agents", testAgent("alpha", 5))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created Agent
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = tg.do(t, http.MethodPut, "/api/v1/agents/"+created.ID, map[string]interface{}{"weight": 9})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated Agent
	decodeBody(t, resp, &updated)
	assert.Equal(t, 9, updated.Weight)

	resp = tg.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Agents []AgentWithHealth `json:"agents"`
	}
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Agents, 1)
	assert.Equal(t, StatusOffline, listed.Agents[0].Health.Status)

	resp = tg.do(t, http.MethodDelete, "/api/v1/agents/"+created.ID, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Create, update, and delete are all on the chain.
	page, err := tg.g.audit.Query(context.Background(), AuditFilters{ResourceType: "agent"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.IntegrityOK)
}

func TestGateway_AuditEndpointSurfacesTampering(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var before struct {
		IntegrityValid bool `json:"integrity_valid"`
		Total          int  `json:"total"`
	}
	decodeBody(t, resp, &before)
	assert.True(t, before.IntegrityValid)
	require.Greater(t, before.Total, 0)

	_, err := tg.g.store.db.Exec(`UPDATE audit_log SET details = '{"forged":true}'`)
	require.NoError(t, err)

	resp = tg.do(t, http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var after struct {
		IntegrityValid bool                     `json:"integrity_valid"`
		Entries        []map[string]interface{} `json:"entries"`
	}
	decodeBody(t, resp, &after)
	assert.False(t, after.IntegrityValid)
	// Tampered entries are still listed.
	assert.Equal(t, before.Total, len(after.Entries))
}

func TestGateway_WeightedDispatchOverHTTP(t *testing.T) {
	backend := httptest.NewServer(okChatHandler("routed reply", 20))
	defer backend.Close()

	tg := newTestGateway(t)
	tg.loginAsAdmin(t)
	ctx := context.Background()

	heavy := testAgent("heavy", 3)
	heavy.Endpoint = backend.URL
	light := testAgent("light", 1)
	light.Endpoint = backend.URL

	createdHeavy, err := tg.g.registry.Create(ctx, heavy)
	require.NoError(t, err)
	createdLight, err := tg.g.registry.Create(ctx, light)
	require.NoError(t, err)
	require.NoError(t, tg.g.registry.SetProbeResult(ctx, createdHeavy.ID, StatusOnline, 5, "ok"))
	require.NoError(t, tg.g.registry.SetProbeResult(ctx, createdLight.ID, StatusOnline, 5, "ok"))

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		resp := tg.do(t, http.MethodPost, "/api/v1/openclaw/dispatch", map[string]string{
			"message":    fmt.Sprintf("message %d", i),
			"session_id": "routing test",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result DispatchResult
		decodeBody(t, resp, &result)
		counts[result.AgentID] += 1
		assert.Equal(t, "routing-test", result.SessionID)
		assert.Equal(t, "routed reply", result.Message)
	}

	// 3:1 weights over 8 calls split exactly 6:2.
	assert.Equal(t, 6, counts[createdHeavy.ID])
	assert.Equal(t, 2, counts[createdLight.ID])
}

func TestGateway_VaultConfigOverHTTP(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodGet, "/api/v1/vault/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var initial vaultConfigView
	decodeBody(t, resp, &initial)
	assert.False(t, initial.HasAPIKey)

	resp = tg.do(t, http.MethodPut, "/api/v1/vault/config", map[string]interface{}{
		"api_key":                "sk-ant-http-test",
		"model":                  "claude-3-opus",
		"max_tokens_per_request": 2048,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated vaultConfigView
	decodeBody(t, resp, &updated)
	assert.True(t, updated.HasAPIKey)
	assert.Equal(t, "claude-3-opus", updated.Model)

	// The key never comes back out; only the presence flag does.
	resp = tg.do(t, http.MethodGet, "/api/v1/vault/config", nil)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "sk-ant-http-test")

	// Status never errors, even with an unreachable upstream.
	resp = tg.do(t, http.MethodGet, "/api/v1/vault/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status VaultStatus
	decodeBody(t, resp, &status)
	assert.False(t, status.Connected)
}

func TestGateway_VaultCompleteValidation(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodPost, "/api/v1/vault/complete", map[string]interface{}{
		"messages": []interface{}{},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// No key configured.
	resp = tg.do(t, http.MethodPost, "/api/v1/vault/complete", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGateway_UserAdminGuards(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var admin User
	decodeBody(t, resp, &admin)

	// Self-deletion is refused.
	resp = tg.do(t, http.MethodDelete, "/api/v1/users/"+admin.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Demoting the last admin is refused.
	resp = tg.do(t, http.MethodPut, "/api/v1/users/"+admin.ID, map[string]string{"role": "viewer"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Duplicate email conflicts.
	resp = tg.do(t, http.MethodPost, "/api/v1/users", map[string]string{
		"email":    testAdminEmail,
		"password": "another-password-123",
		"role":     "viewer",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGateway_BackupOverHTTP(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	resp := tg.do(t, http.MethodPost, "/api/v1/backup", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result BackupResult
	decodeBody(t, resp, &result)
	assert.NotEmpty(t, result.Filename)
	assert.Equal(t, 1, result.Tables["users"])

	resp = tg.do(t, http.MethodGet, "/api/v1/backup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Backups []BackupInfo `json:"backups"`
	}
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Backups, 1)
	assert.Equal(t, result.Filename, listed.Backups[0].Filename)

	page, err := tg.g.audit.Query(context.Background(), AuditFilters{Action: ActionBackupCreated}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestGateway_ChangePassword(t *testing.T) {
	tg := newTestGateway(t)
	tg.loginAsAdmin(t)

	// Wrong current password.
	resp := tg.do(t, http.MethodPost, "/api/v1/auth/password", map[string]string{
		"current_password": "nope",
		"new_password":     "a-brand-new-password",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Too short.
	resp = tg.do(t, http.MethodPost, "/api/v1/auth/password", map[string]string{
		"current_password": testAdminPassword,
		"new_password":     "short",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/v1/auth/password", map[string]string{
		"current_password": testAdminPassword,
		"new_password":     "a-brand-new-password",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The new password works for a fresh client.
	fresh := newTestGateway2(t, tg)
	resp = fresh.login(t, testAdminEmail, "a-brand-new-password")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_RequestIDEchoed(t *testing.T) {
	tg := newTestGateway(t)

	req, err := http.NewRequest(http.MethodGet, tg.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc-123")

	resp, err := tg.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-abc-123", resp.Header.Get("X-Request-ID"))
}

func TestNewGateway_RejectsWeakConfig(t *testing.T) {
	_, err := NewGateway(Config{
		SessionSecret: "short",
		VaultKeyHex:   "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		DataDir:       t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_SECRET")

	_, err = NewGateway(Config{
		SessionSecret: "integration-test-session-secret-0001",
		VaultKeyHex:   "tooshort",
		DataDir:       t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_KEY_HEX")
}
