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
	"fmt"
	"net/http"
	"time"
)

const (
	healthSweepInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// HealthMonitor probes every registered agent on a fixed interval and on
// demand. Probe results never interrupt in-flight dispatches; they shape
// the next selection cycle.
type HealthMonitor struct {
	registry *AgentRegistry
	client   *http.Client
}

// NewHealthMonitor creates a monitor with the 5-second probe deadline.
func NewHealthMonitor(registry *AgentRegistry) *HealthMonitor {
	return &HealthMonitor{
		registry: registry,
		client:   &http.Client{Timeout: healthProbeTimeout},
	}
}

// Start runs the sweep loop until the context is cancelled. One sweep runs
// immediately so a fresh boot does not wait 30 s for first health data.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.SweepAll(ctx)

	ticker := time.NewTicker(healthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			healthLog.Info("", "Health monitor stopped", nil)
			return
		case <-ticker.C:
			hm.SweepAll(ctx)
		}
	}
}

// SweepAll probes every agent sequentially. The sweep tolerates individual
// failures; a probe that cannot even be recorded is only logged.
func (hm *HealthMonitor) SweepAll(ctx context.Context) {
	listed, err := hm.registry.List(ctx)
	if err != nil {
		healthLog.Error("", "Failed to list agents for health sweep", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, awh := range listed {
		if ctx.Err() != nil {
			return
		}
		if _, err := hm.Probe(ctx, awh.Agent); err != nil {
			healthLog.Error("", "Failed to record probe result", map[string]interface{}{
				"agent": awh.Agent.ID,
				"error": err.Error(),
			})
		}
	}
}

// Probe issues a GET against the agent's endpoint root and records the
// outcome: 2xx is online, any other response degraded, transport failure
// or timeout offline.
func (hm *HealthMonitor) Probe(ctx context.Context, agent Agent) (*AgentHealth, error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	status := StatusOffline
	details := ""

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, agent.Endpoint, nil)
	if err != nil {
		details = fmt.Sprintf("invalid endpoint: %v", err)
	} else {
		resp, err := hm.client.Do(req)
		if err != nil {
			details = fmt.Sprintf("probe failed: %v", err)
		} else {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				status = StatusOnline
				details = fmt.Sprintf("HTTP %d", resp.StatusCode)
			} else {
				status = StatusDegraded
				details = fmt.Sprintf("unexpected HTTP %d", resp.StatusCode)
			}
		}
	}
	latencyMS := time.Since(start).Milliseconds()

	if err := hm.registry.SetProbeResult(ctx, agent.ID, status, latencyMS, details); err != nil {
		return nil, err
	}

	setAgentHealthMetric(agent.Name, status)

	healthLog.Debug("", "Probed agent", map[string]interface{}{
		"agent":      agent.ID,
		"status":     string(status),
		"latency_ms": latencyMS,
	})

	return hm.registry.GetHealth(ctx, agent.ID)
}
