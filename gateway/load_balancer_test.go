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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgent(name string, weight int) Agent {
	return Agent{
		Name:        name,
		Type:        AgentTypeLocalInference,
		Endpoint:    "http://127.0.0.1:11434",
		Model:       "llama3",
		MaxTokens:   4096,
		Temperature: 0.7,
		Priority:    5,
		Weight:      weight,
	}
}

// seedOnlineAgent creates an agent and marks it online.
func seedOnlineAgent(t *testing.T, registry *AgentRegistry, name string, weight int) *Agent {
	t.Helper()

	created, err := registry.Create(context.Background(), testAgent(name, weight))
	require.NoError(t, err)
	require.NoError(t, registry.SetProbeResult(context.Background(), created.ID, StatusOnline, 10, "ok"))
	return created
}

func TestLoadBalancer_EmptyRegistry(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	lb := NewLoadBalancer(registry)

	_, err := lb.Select(context.Background())
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestLoadBalancer_SkipsUnhealthyAgents(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	lb := NewLoadBalancer(registry)
	ctx := context.Background()

	online := seedOnlineAgent(t, registry, "alpha", 5)

	degraded, err := registry.Create(ctx, testAgent("beta", 5))
	require.NoError(t, err)
	require.NoError(t, registry.SetProbeResult(ctx, degraded.ID, StatusDegraded, 900, "slow"))

	// Never probed: stays offline.
	_, err = registry.Create(ctx, testAgent("gamma", 5))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		selected, err := lb.Select(ctx)
		require.NoError(t, err)
		assert.Equal(t, online.ID, selected.ID)
	}
}

func TestLoadBalancer_WeightedDistribution(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	lb := NewLoadBalancer(registry)
	ctx := context.Background()

	weights := map[string]int{}
	for name, weight := range map[string]int{"alpha": 5, "beta": 3, "gamma": 2} {
		agent := seedOnlineAgent(t, registry, name, weight)
		weights[agent.ID] = weight
	}

	const rounds = 1000
	counts := map[string]int{}
	for i := 0; i < rounds; i++ {
		selected, err := lb.Select(ctx)
		require.NoError(t, err)
		counts[selected.ID] += 1
	}

	// Smooth weighted round-robin is deterministic: over any multiple of the
	// total weight the split is exact.
	for id, weight := range weights {
		expected := rounds * weight / 10
		assert.Equal(t, expected, counts[id], "agent with weight %d", weight)
	}
}

func TestLoadBalancer_SmoothInterleaving(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	lb := NewLoadBalancer(registry)
	ctx := context.Background()

	heavy := seedOnlineAgent(t, registry, "heavy", 4)
	seedOnlineAgent(t, registry, "light-1", 1)
	seedOnlineAgent(t, registry, "light-2", 1)

	// The heavy agent must not monopolize: smooth selection spreads its
	// turns out, so a run never exceeds two in a row for a 4/1/1 split.
	run := 0
	for i := 0; i < 60; i++ {
		selected, err := lb.Select(ctx)
		require.NoError(t, err)
		if selected.ID == heavy.ID {
			run++
			assert.LessOrEqual(t, run, 2, "selection %d", i)
		} else {
			run = 0
		}
	}
}

func TestLoadBalancer_InvalidatedOnMutation(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	lb := NewLoadBalancer(registry)
	ctx := context.Background()

	first := seedOnlineAgent(t, registry, "alpha", 1)
	_, err := lb.Select(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, lb.HealthySnapshot())

	// A registry mutation drops the cache so the next selection sees the
	// new set without waiting out the TTL.
	second := seedOnlineAgent(t, registry, "beta", 1)
	assert.Empty(t, lb.HealthySnapshot())

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		selected, err := lb.Select(ctx)
		require.NoError(t, err)
		seen[selected.ID] = true
	}
	assert.True(t, seen[first.ID])
	assert.True(t, seen[second.ID])
}

func TestLoadBalancer_SelectAfterDelete(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	lb := NewLoadBalancer(registry)
	ctx := context.Background()

	agent := seedOnlineAgent(t, registry, "alpha", 1)
	_, err := lb.Select(ctx)
	require.NoError(t, err)

	require.NoError(t, registry.Delete(ctx, agent.ID))

	_, err = lb.Select(ctx)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestLoadBalancer_ConcurrentSelections(t *testing.T) {
	registry := NewAgentRegistry(newTestStore(t))
	lb := NewLoadBalancer(registry)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedOnlineAgent(t, registry, fmt.Sprintf("agent-%d", i), i+1)
	}

	done := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func() {
			_, err := lb.Select(ctx)
			done <- err
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, <-done)
	}
}
