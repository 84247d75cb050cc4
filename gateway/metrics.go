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
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of HTTP requests handled by the gateway",
		},
		[]string{"path", "method", "status"},
	)
	promDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_total",
			Help: "Total number of dispatched agent requests",
		},
		[]string{"agent", "outcome"},
	)
	promDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Dispatch latency including the backend call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent"},
	)
	promRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"domain"},
	)
	promAgentHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_agent_health",
			Help: "Agent health by status: 1 for the current status, 0 otherwise",
		},
		[]string{"agent", "status"},
	)
	promTerminalSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_terminal_sessions",
			Help: "Number of active terminal WebSocket sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promDispatchTotal)
	prometheus.MustRegister(promDispatchDuration)
	prometheus.MustRegister(promRateLimitedTotal)
	prometheus.MustRegister(promAgentHealth)
	prometheus.MustRegister(promTerminalSessions)
}

// allHealthStatuses is used to zero the per-status gauge series before
// setting the current one, so exactly one series per agent reads 1.
var allHealthStatuses = []HealthStatus{StatusOnline, StatusOffline, StatusDegraded, StatusMaintenance}

// setAgentHealthMetric flips the per-agent status gauge set.
func setAgentHealthMetric(agentName string, status HealthStatus) {
	for _, s := range allHealthStatuses {
		value := 0.0
		if s == status {
			value = 1.0
		}
		promAgentHealth.WithLabelValues(agentName, string(s)).Set(value)
	}
}
