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

/*
Package logger provides structured JSON logging for gateway components.

# Overview

The logger package outputs single-line JSON to stdout, making logs easily
consumable by journald, CloudWatch, or any other log aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (Gateway, HealthMonitor, AuditChain, etc.)
  - Instance ID (for correlating multiple deployments)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("Gateway")

Log messages with request context:

	log.Info("req-456", "Processing dispatch", map[string]interface{}{
	    "method": "POST",
	    "path":   "/api/v1/openclaw/dispatch",
	})

Log errors with status codes:

	log.ErrorWithCode("req-456", "Request failed", 500, err, map[string]interface{}{
	    "endpoint": "/api/v1/openclaw/dispatch",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("req-456", "Request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"Gateway","instance_id":"gw-host-1","request_id":"req-456",
	 "message":"Processing dispatch","fields":{"method":"POST"}}

# Level Threshold

SetLevel installs a process-wide minimum level; entries below it are
dropped. The gateway calls SetLevel once at startup from LOG_LEVEL.

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier (hostname when unset)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines once
the level threshold has been installed at startup.
*/
package logger
