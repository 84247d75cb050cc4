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

// Package gateway is the AI agent gateway: authenticated routing of chat
// requests over a weighted pool of LLM backends, a hash-chained audit
// trail, adaptive rate limiting, and an encrypt-at-rest credential vault.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const sessionPruneInterval = time.Hour

// Config is the environment-driven gateway configuration.
type Config struct {
	SessionSecret        string
	VaultKeyHex          string
	ListenPort           string
	CORSOrigins          []string
	DataDir              string
	DefaultAdminPassword string
	SecureCookies        bool
	DatabaseURL          string
	RedisAddr            string
	AgentsSeedFile       string
	BackupSink           S3SinkConfig
}

// ConfigFromEnv reads the configuration with documented defaults.
// SESSION_SECRET and VAULT_KEY_HEX are validated in NewGateway.
func ConfigFromEnv() Config {
	return Config{
		SessionSecret:        os.Getenv("SESSION_SECRET"),
		VaultKeyHex:          os.Getenv("VAULT_KEY_HEX"),
		ListenPort:           getEnv("LISTEN_PORT", "18889"),
		CORSOrigins:          splitCSV(getEnv("CORS_ORIGIN", "http://localhost:18889")),
		DataDir:              getEnv("DATA_DIR", "./data"),
		DefaultAdminPassword: getEnv("DEFAULT_ADMIN_PASSWORD", "peanut-admin-2024"),
		SecureCookies:        os.Getenv("ENV") == "production",
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AgentsSeedFile:       os.Getenv("AGENTS_SEED_FILE"),
		BackupSink: S3SinkConfig{
			Bucket:          os.Getenv("BACKUP_S3_BUCKET"),
			Region:          os.Getenv("BACKUP_S3_REGION"),
			Endpoint:        os.Getenv("BACKUP_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("BACKUP_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("BACKUP_S3_SECRET_ACCESS_KEY"),
		},
	}
}

// Gateway owns every component and the HTTP surface.
type Gateway struct {
	config Config

	store      *Store
	users      *UserStore
	tokens     *TokenService
	limiter    RateLimiter
	audit      *AuditChain
	registry   *AgentRegistry
	balancer   *LoadBalancer
	backend    *BackendClient
	dispatcher *Dispatcher
	monitor    *HealthMonitor
	vault      *VaultManager
	backup     *BackupService
	terminal   *TerminalService

	startedAt time.Time
}

// NewGateway validates the configuration, opens the store, builds every
// component, and seeds initial state.
func NewGateway(config Config) (*Gateway, error) {
	if len(config.SessionSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}
	if len(config.VaultKeyHex) != 64 {
		return nil, fmt.Errorf("VAULT_KEY_HEX must be 64 hex characters")
	}
	vaultKey, err := DeriveVaultKey(config.VaultKeyHex)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(config.DatabaseURL, config.DataDir)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:    config,
		store:     store,
		users:     NewUserStore(store),
		tokens:    NewTokenService([]byte(config.SessionSecret), store),
		audit:     NewAuditChain(store),
		registry:  NewAgentRegistry(store),
		backend:   NewBackendClient(),
		vault:     NewVaultManager(store, vaultKey),
		startedAt: time.Now(),
	}

	g.balancer = NewLoadBalancer(g.registry)
	g.dispatcher = NewDispatcher(g.registry, g.balancer, g.backend, g.audit)
	g.monitor = NewHealthMonitor(g.registry)
	g.backup = NewBackupService(store, config.DataDir, config.BackupSink)
	g.terminal = NewTerminalService(g.audit, config.DataDir, corsOriginChecker(config.CORSOrigins))

	g.limiter = NewStoreRateLimiter(store)
	if config.RedisAddr != "" {
		redisLimiter, err := NewRedisRateLimiter(config.RedisAddr)
		if err != nil {
			// Redis being down at boot must not take the gateway with it;
			// the store-backed limiter covers until a restart.
			rateLimitLog.Error("", "Redis limiter unavailable, using store-backed limiter", map[string]interface{}{
				"addr":  config.RedisAddr,
				"error": err.Error(),
			})
		} else {
			g.limiter = redisLimiter
		}
	}

	if err := g.seed(context.Background()); err != nil {
		store.Close()
		return nil, err
	}

	return g, nil
}

// seed provisions the initial admin and, optionally, the agent registry.
func (g *Gateway) seed(ctx context.Context) error {
	admin, err := g.users.SeedAdmin(ctx, "admin@peanut.local", g.config.DefaultAdminPassword)
	if err != nil {
		return fmt.Errorf("failed to seed admin: %w", err)
	}
	if admin != nil {
		gatewayLog.Info("", "Seeded initial admin user", map[string]interface{}{"email": admin.Email})
	}

	if g.config.AgentsSeedFile != "" {
		created, err := g.registry.SeedFromFile(ctx, g.config.AgentsSeedFile)
		if err != nil {
			return fmt.Errorf("failed to seed agents: %w", err)
		}
		if created > 0 {
			gatewayLog.Info("", "Seeded agent registry", map[string]interface{}{"agents": created})
		}
	}

	return nil
}

// Router builds the full HTTP surface.
func (g *Gateway) Router() http.Handler {
	r := mux.NewRouter()

	// Public endpoints
	r.HandleFunc("/health", g.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Authentication (the two public endpoints rate-limit by IP themselves)
	api.HandleFunc("/auth/login", g.handleLogin).Methods("POST")
	api.HandleFunc("/auth/totp/verify", g.handleTOTPVerify).Methods("POST")
	api.HandleFunc("/auth/logout", g.authMiddleware(g.handleLogout)).Methods("POST")
	api.HandleFunc("/auth/me", g.authMiddleware(g.handleMe)).Methods("GET")
	api.HandleFunc("/auth/totp/setup", g.authMiddleware(g.handleTOTPSetup)).Methods("POST")
	api.HandleFunc("/auth/password", g.authMiddleware(g.handleChangePassword)).Methods("POST")

	operator := g.requireRole(RoleAdmin, RoleOperator)
	admin := g.requireRole(RoleAdmin)

	// Agent registry and dispatch
	api.HandleFunc("/agents", g.authMiddleware(g.handleListAgents)).Methods("GET")
	api.HandleFunc("/agents", g.authMiddleware(operator(g.handleCreateAgent))).Methods("POST")
	api.HandleFunc("/agents/{id}", g.authMiddleware(operator(g.handleUpdateAgent))).Methods("PUT")
	api.HandleFunc("/agents/{id}", g.authMiddleware(admin(g.handleDeleteAgent))).Methods("DELETE")
	api.HandleFunc("/agents/{id}/health", g.authMiddleware(g.handleAgentHealth)).Methods("GET")
	api.HandleFunc("/openclaw/dispatch", g.authMiddleware(g.handleDispatch)).Methods("POST")

	// Audit chain
	api.HandleFunc("/audit", g.authMiddleware(operator(g.handleAuditQuery))).Methods("GET")

	// Credential vault
	api.HandleFunc("/vault/status", g.authMiddleware(g.handleVaultStatus)).Methods("GET")
	api.HandleFunc("/vault/config", g.authMiddleware(admin(g.handleVaultGetConfig))).Methods("GET")
	api.HandleFunc("/vault/config", g.authMiddleware(admin(g.handleVaultPutConfig))).Methods("PUT")
	api.HandleFunc("/vault/complete", g.authMiddleware(g.handleVaultComplete)).Methods("POST")
	api.HandleFunc("/vault/usage", g.authMiddleware(operator(g.handleVaultUsage))).Methods("GET")

	// User administration
	api.HandleFunc("/users", g.authMiddleware(admin(g.handleListUsers))).Methods("GET")
	api.HandleFunc("/users", g.authMiddleware(admin(g.handleCreateUser))).Methods("POST")
	api.HandleFunc("/users/{id}", g.authMiddleware(admin(g.handleUpdateUser))).Methods("PUT")
	api.HandleFunc("/users/{id}", g.authMiddleware(admin(g.handleDeleteUser))).Methods("DELETE")

	// Backups
	api.HandleFunc("/backup", g.authMiddleware(admin(g.handleListBackups))).Methods("GET")
	api.HandleFunc("/backup", g.authMiddleware(admin(g.handleCreateBackup))).Methods("POST")

	// Terminal (WebSocket)
	api.HandleFunc("/terminal", g.authMiddleware(operator(g.handleTerminal))).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   g.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	})

	return requestLogger(c.Handler(r))
}

// handleHealth is the public liveness endpoint.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(g.startedAt).Seconds()),
	})
}

// handleTerminal hands the upgraded connection to the terminal service.
func (g *Gateway) handleTerminal(w http.ResponseWriter, r *http.Request) {
	g.terminal.Handle(w, r, PrincipalFrom(r.Context()))
}

// StartBackground launches the health sweep and the session pruner; both
// stop when the context is cancelled.
func (g *Gateway) StartBackground(ctx context.Context) {
	go g.monitor.Start(ctx)

	go func() {
		ticker := time.NewTicker(sessionPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := g.tokens.PruneExpiredSessions(ctx)
				if err != nil {
					gatewayLog.Error("", "Failed to prune sessions", map[string]interface{}{"error": err.Error()})
					continue
				}
				if pruned > 0 {
					gatewayLog.Info("", "Pruned expired sessions", map[string]interface{}{"count": pruned})
				}
			}
		}
	}()
}

// Close releases the store and the Redis limiter when present.
func (g *Gateway) Close() error {
	if redisLimiter, ok := g.limiter.(*RedisRateLimiter); ok {
		redisLimiter.Close()
	}
	return g.store.Close()
}

// Run builds the gateway from the environment and serves until the process
// exits. cmd/gateway calls this.
func Run() error {
	g, err := NewGateway(ConfigFromEnv())
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartBackground(ctx)

	addr := ":" + g.config.ListenPort
	gatewayLog.Info("", "Peanut gateway listening", map[string]interface{}{"addr": addr})
	return http.ListenAndServe(addr, g.Router())
}

// corsOriginChecker builds the WebSocket origin check from the CORS list.
// A wildcard entry allows every origin, as does a missing Origin header
// (non-browser clients).
func corsOriginChecker(origins []string) func(r *http.Request) bool {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowAll || origin == "" || allowed[origin]
	}
}

// getEnv returns the variable or a default.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
