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

// Package main is the entry point for the Peanut AI agent gateway.
//
// The gateway sits between operators and a pool of LLM backends. It
// authenticates users with password + TOTP, routes chat requests by smooth
// weighted round-robin over the healthy backends, keeps a hash-chained
// audit trail, rate-limits with adaptive backoff, and brokers the upstream
// code-assistant API behind an encrypt-at-rest credential vault.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	SESSION_SECRET - token signing secret, at least 32 bytes (required)
//	VAULT_KEY_HEX - vault encryption key, 64 hex characters (required)
//	LISTEN_PORT - HTTP server port (default: 18889)
//	CORS_ORIGIN - allowed origins, CSV (default: http://localhost:18889)
//	DATA_DIR - data directory for SQLite and backups (default: ./data)
//	LOG_LEVEL - debug|info|warn|error (default: info)
//	DEFAULT_ADMIN_PASSWORD - seeds admin@peanut.local on first boot
//	DATABASE_URL - PostgreSQL DSN (optional; default is embedded SQLite)
//	REDIS_ADDR - Redis address for the rate limiter (optional)
//	AGENTS_SEED_FILE - YAML agent provisioning file (optional)
//	BACKUP_S3_BUCKET - offsite backup bucket (optional)
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"peanut/platform/gateway"
	"peanut/platform/shared/logger"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	logger.SetLevel(os.Getenv("LOG_LEVEL"))

	if err := gateway.Run(); err != nil {
		log.Fatalf("gateway failed: %v", err)
	}
}
