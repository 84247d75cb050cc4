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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_ProbeOnline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := NewAgentRegistry(newTestStore(t))
	monitor := NewHealthMonitor(registry)
	ctx := context.Background()

	agent := testAgent("alpha", 5)
	agent.Endpoint = server.URL
	created, err := registry.Create(ctx, agent)
	require.NoError(t, err)

	health, err := monitor.Probe(ctx, *created)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, health.Status)
	assert.NotNil(t, health.LastCheckedAt)
	assert.Equal(t, "HTTP 200", health.Details)
}

func TestHealthMonitor_ProbeDegradedOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	registry := NewAgentRegistry(newTestStore(t))
	monitor := NewHealthMonitor(registry)
	ctx := context.Background()

	agent := testAgent("alpha", 5)
	agent.Endpoint = server.URL
	created, err := registry.Create(ctx, agent)
	require.NoError(t, err)

	health, err := monitor.Probe(ctx, *created)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, health.Status)
	assert.Contains(t, health.Details, "503")
}

func TestHealthMonitor_ProbeOfflineOnTransportFailure(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	monitor := NewHealthMonitor(registry)
	ctx := context.Background()

	agent := testAgent("alpha", 5)
	// Port 1 on loopback refuses the connection.
	agent.Endpoint = "http://127.0.0.1:1"
	created, err := registry.Create(ctx, agent)
	require.NoError(t, err)

	health, err := monitor.Probe(ctx, *created)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, health.Status)
	assert.Contains(t, health.Details, "probe failed")
}

func TestHealthMonitor_SweepAll(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	registry := NewAgentRegistry(newTestStore(t))
	monitor := NewHealthMonitor(registry)
	ctx := context.Background()

	reachable := testAgent("alpha", 5)
	reachable.Endpoint = up.URL
	createdUp, err := registry.Create(ctx, reachable)
	require.NoError(t, err)

	unreachable := testAgent("beta", 5)
	unreachable.Endpoint = "http://127.0.0.1:1"
	createdDown, err := registry.Create(ctx, unreachable)
	require.NoError(t, err)

	monitor.SweepAll(ctx)

	upHealth, err := registry.GetHealth(ctx, createdUp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, upHealth.Status)

	downHealth, err := registry.GetHealth(ctx, createdDown.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, downHealth.Status)
}
