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
	"sync"
	"time"
)

// balancerCacheTTL bounds how stale the healthy-agent cache may get before
// a selection reloads it from the persistence port.
const balancerCacheTTL = 30 * time.Second

// weightedAgent is one cache slot. currentWeight is the accumulator of the
// smooth weighted round-robin; it is meaningless outside the balancer lock.
type weightedAgent struct {
	agent         Agent
	currentWeight int
}

// LoadBalancer selects agents by smooth weighted round-robin over the
// currently online set. The cache is process-local; the health table is the
// source of truth it is rebuilt from.
type LoadBalancer struct {
	registry *AgentRegistry

	mu         sync.Mutex
	agents     []*weightedAgent
	loadedAt   time.Time
	loadedOnce bool
}

// NewLoadBalancer creates a balancer over the registry and hooks registry
// mutations to cache invalidation.
func NewLoadBalancer(registry *AgentRegistry) *LoadBalancer {
	lb := &LoadBalancer{registry: registry}
	registry.OnMutate(lb.Invalidate)
	return lb
}

// Invalidate drops the cache; the next selection reloads it.
func (lb *LoadBalancer) Invalidate() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.agents = nil
	lb.loadedOnce = false
}

// Select picks the next agent. ErrAgentNotFound is returned when no agent
// is currently online.
func (lb *LoadBalancer) Select(ctx context.Context) (*Agent, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if !lb.loadedOnce || time.Since(lb.loadedAt) > balancerCacheTTL {
		if err := lb.reloadLocked(ctx); err != nil {
			return nil, err
		}
	}

	if len(lb.agents) == 0 {
		return nil, ErrAgentNotFound
	}

	// Smooth weighted round-robin: every slot gains its weight, the
	// heaviest accumulator wins and pays back the total. Ties keep the
	// first-seen slot because the comparison is strict.
	total := 0
	for _, wa := range lb.agents {
		wa.currentWeight += wa.agent.Weight
		total += wa.agent.Weight
	}

	best := lb.agents[0]
	for _, wa := range lb.agents[1:] {
		if wa.currentWeight > best.currentWeight {
			best = wa
		}
	}
	best.currentWeight -= total

	selected := best.agent
	return &selected, nil
}

// reloadLocked rebuilds the cache from the registry, keeping accumulated
// weights for agents that survive the reload so the interleaving pattern
// does not reset every 30 seconds.
func (lb *LoadBalancer) reloadLocked(ctx context.Context) error {
	listed, err := lb.registry.List(ctx)
	if err != nil {
		return err
	}

	carried := make(map[string]int, len(lb.agents))
	for _, wa := range lb.agents {
		carried[wa.agent.ID] = wa.currentWeight
	}

	fresh := make([]*weightedAgent, 0, len(listed))
	for _, awh := range listed {
		if awh.Health.Status != StatusOnline {
			continue
		}
		fresh = append(fresh, &weightedAgent{
			agent:         awh.Agent,
			currentWeight: carried[awh.Agent.ID],
		})
	}

	lb.agents = fresh
	lb.loadedAt = time.Now()
	lb.loadedOnce = true

	balancerLog.Debug("", "Reloaded healthy agent cache", map[string]interface{}{
		"healthy": len(fresh),
		"total":   len(listed),
	})

	return nil
}

// HealthySnapshot returns the ids currently in the cache; tests and the
// health endpoint use it.
func (lb *LoadBalancer) HealthySnapshot() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ids := make([]string, 0, len(lb.agents))
	for _, wa := range lb.agents {
		ids = append(ids, wa.agent.ID)
	}
	return ids
}
