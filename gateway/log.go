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

import "peanut/platform/shared/logger"

// Named loggers, one per component.
var (
	gatewayLog    = logger.New("Gateway")
	authLog       = logger.New("Auth")
	auditChainLog = logger.New("AuditChain")
	rateLimitLog  = logger.New("RateLimiter")
	balancerLog   = logger.New("LoadBalancer")
	healthLog     = logger.New("HealthMonitor")
	dispatchLog   = logger.New("Dispatcher")
	vaultLog      = logger.New("Vault")
	backupLog     = logger.New("Backup")
	terminalLog   = logger.New("Terminal")
)
