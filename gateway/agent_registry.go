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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AgentType classifies a backend.
type AgentType string

const (
	AgentTypeLocalInference AgentType = "local_inference"
	AgentTypeCodeAssistant  AgentType = "code_assistant"
	AgentTypeHostedA        AgentType = "hosted_a"
	AgentTypeHostedB        AgentType = "hosted_b"
	AgentTypeCustom         AgentType = "custom"
)

// IsValid reports whether the type is one of the known backends.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTypeLocalInference, AgentTypeCodeAssistant, AgentTypeHostedA, AgentTypeHostedB, AgentTypeCustom:
		return true
	default:
		return false
	}
}

// HealthStatus is the probe-derived state of an agent.
type HealthStatus string

const (
	StatusOnline      HealthStatus = "online"
	StatusOffline     HealthStatus = "offline"
	StatusDegraded    HealthStatus = "degraded"
	StatusMaintenance HealthStatus = "maintenance"
)

var ErrAgentNotFound = errors.New("agent not found")

// Agent is an immutable snapshot of an agents row.
type Agent struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        AgentType              `json:"type"`
	Endpoint    string                 `json:"endpoint"`
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
	Priority    int                    `json:"priority"`
	Weight      int                    `json:"weight"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// AgentHealth is the one-per-agent health row.
type AgentHealth struct {
	AgentID       string       `json:"agent_id"`
	Status        HealthStatus `json:"status"`
	LatencyMS     int64        `json:"latency_ms"`
	SuccessRate   float64      `json:"success_rate"`
	RequestCount  int64        `json:"request_count"`
	ErrorCount    int64        `json:"error_count"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty"`
	Details       string       `json:"details"`
}

// successRate derives the rate from the counters: neutral 1.0 before any
// request has been recorded.
func successRate(requestCount, errorCount int64) float64 {
	if requestCount <= 0 {
		return 1.0
	}
	return float64(requestCount-errorCount) / float64(requestCount)
}

// AgentWithHealth pairs an agent with its current health row.
type AgentWithHealth struct {
	Agent  Agent       `json:"agent"`
	Health AgentHealth `json:"health"`
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateAgent enforces the registry invariants. It accumulates every
// violation instead of stopping at the first.
func ValidateAgent(a Agent) []FieldError {
	var errs []FieldError

	if len(a.Name) < 2 || len(a.Name) > 64 {
		errs = append(errs, FieldError{Field: "name", Message: "name must be 2-64 characters"})
	}
	if !a.Type.IsValid() {
		errs = append(errs, FieldError{Field: "type", Message: "type must be one of local_inference, code_assistant, hosted_a, hosted_b, custom"})
	}
	if parsed, err := url.Parse(a.Endpoint); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, FieldError{Field: "endpoint", Message: "endpoint must be a valid http or https URL"})
	}
	if a.Model == "" {
		errs = append(errs, FieldError{Field: "model", Message: "model must not be empty"})
	}
	if a.MaxTokens < 1 || a.MaxTokens > 200000 {
		errs = append(errs, FieldError{Field: "max_tokens", Message: "max_tokens must be between 1 and 200000"})
	}
	if a.Temperature < 0.0 || a.Temperature > 2.0 {
		errs = append(errs, FieldError{Field: "temperature", Message: "temperature must be between 0.0 and 2.0"})
	}
	if a.Priority < 1 || a.Priority > 10 {
		errs = append(errs, FieldError{Field: "priority", Message: "priority must be between 1 and 10"})
	}
	if a.Weight < 1 || a.Weight > 100 {
		errs = append(errs, FieldError{Field: "weight", Message: "weight must be between 1 and 100"})
	}

	return errs
}

// AgentPatch is a partial update; nil fields keep their current values.
// The agent type is deliberately absent: it cannot change after creation.
type AgentPatch struct {
	Name        *string                 `json:"name"`
	Endpoint    *string                 `json:"endpoint"`
	Model       *string                 `json:"model"`
	MaxTokens   *int                    `json:"max_tokens"`
	Temperature *float64                `json:"temperature"`
	Priority    *int                    `json:"priority"`
	Weight      *int                    `json:"weight"`
	Tags        *[]string               `json:"tags"`
	Metadata    *map[string]interface{} `json:"metadata"`
}

// AgentRegistry owns the agents and agent_health tables. Registry
// mutations notify the balancer so its healthy-agent cache refreshes.
type AgentRegistry struct {
	store    *Store
	onMutate func()
}

// NewAgentRegistry creates the registry over the persistence port.
func NewAgentRegistry(store *Store) *AgentRegistry {
	return &AgentRegistry{store: store, onMutate: func() {}}
}

// OnMutate registers the cache-invalidation hook.
func (r *AgentRegistry) OnMutate(fn func()) {
	if fn != nil {
		r.onMutate = fn
	}
}

// Create validates and inserts an agent plus its health row.
func (r *AgentRegistry) Create(ctx context.Context, a Agent) (*Agent, error) {
	if errs := ValidateAgent(a); len(errs) > 0 {
		return nil, ErrValidation("Invalid agent configuration", map[string]interface{}{"fields": errs})
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Tags == nil {
		a.Tags = []string{}
	}
	if a.Metadata == nil {
		a.Metadata = map[string]interface{}{}
	}

	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin agent create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.store.rebind(`INSERT INTO agents
		(id, name, type, endpoint, model, max_tokens, temperature, priority, weight, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Name, string(a.Type), a.Endpoint, a.Model, a.MaxTokens, a.Temperature,
		a.Priority, a.Weight, string(tags), string(metadata),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}

	// The health row starts offline until the first probe reports in.
	_, err = tx.ExecContext(ctx, r.store.rebind(`INSERT INTO agent_health
		(agent_id, status, latency_ms, success_rate, request_count, error_count, last_checked_at, details)
		VALUES (?, ?, 0, 1.0, 0, 0, NULL, ?)`),
		a.ID, string(StatusOffline), "not probed yet")
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent health: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit agent create: %w", err)
	}

	r.onMutate()
	return &a, nil
}

// Update applies a partial patch and revalidates the result.
func (r *AgentRegistry) Update(ctx context.Context, id string, patch AgentPatch) (*Agent, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *current
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Endpoint != nil {
		updated.Endpoint = *patch.Endpoint
	}
	if patch.Model != nil {
		updated.Model = *patch.Model
	}
	if patch.MaxTokens != nil {
		updated.MaxTokens = *patch.MaxTokens
	}
	if patch.Temperature != nil {
		updated.Temperature = *patch.Temperature
	}
	if patch.Priority != nil {
		updated.Priority = *patch.Priority
	}
	if patch.Weight != nil {
		updated.Weight = *patch.Weight
	}
	if patch.Tags != nil {
		updated.Tags = *patch.Tags
	}
	if patch.Metadata != nil {
		updated.Metadata = *patch.Metadata
	}
	updated.UpdatedAt = time.Now().UTC()

	if errs := ValidateAgent(updated); len(errs) > 0 {
		return nil, ErrValidation("Invalid agent configuration", map[string]interface{}{"fields": errs})
	}

	tags, err := json.Marshal(updated.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	metadata, err := json.Marshal(updated.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	result, err := r.store.db.ExecContext(ctx, r.store.rebind(`UPDATE agents SET
		name = ?, endpoint = ?, model = ?, max_tokens = ?, temperature = ?,
		priority = ?, weight = ?, tags = ?, metadata = ?, updated_at = ?
		WHERE id = ?`),
		updated.Name, updated.Endpoint, updated.Model, updated.MaxTokens, updated.Temperature,
		updated.Priority, updated.Weight, string(tags), string(metadata),
		updated.UpdatedAt.Format(time.RFC3339), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return nil, ErrAgentNotFound
	}

	r.onMutate()
	return &updated, nil
}

// Delete removes an agent and cascades its health row.
func (r *AgentRegistry) Delete(ctx context.Context, id string) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin agent delete: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, r.store.rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}

	if _, err := tx.ExecContext(ctx, r.store.rebind(`DELETE FROM agent_health WHERE agent_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete agent health: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit agent delete: %w", err)
	}

	r.onMutate()
	return nil
}

// Get loads a single agent.
func (r *AgentRegistry) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.rebind(`SELECT
		id, name, type, endpoint, model, max_tokens, temperature, priority, weight, tags, metadata, created_at, updated_at
		FROM agents WHERE id = ?`), id)
	return scanAgent(row)
}

// List returns all agents paired with their health, ordered by name.
func (r *AgentRegistry) List(ctx context.Context) ([]AgentWithHealth, error) {
	rows, err := r.store.db.QueryContext(ctx, `SELECT
		a.id, a.name, a.type, a.endpoint, a.model, a.max_tokens, a.temperature, a.priority, a.weight, a.tags, a.metadata, a.created_at, a.updated_at,
		h.status, h.latency_ms, h.success_rate, h.request_count, h.error_count, h.last_checked_at, h.details
		FROM agents a
		LEFT JOIN agent_health h ON h.agent_id = a.id
		ORDER BY a.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var result []AgentWithHealth
	for rows.Next() {
		var (
			a             Agent
			agentType     string
			tagsJSON      string
			metadataJSON  string
			createdAt     string
			updatedAt     string
			status        sql.NullString
			latencyMS     sql.NullInt64
			successRateDB sql.NullFloat64
			requestCount  sql.NullInt64
			errorCount    sql.NullInt64
			lastCheckedAt sql.NullString
			details       sql.NullString
		)

		if err := rows.Scan(&a.ID, &a.Name, &agentType, &a.Endpoint, &a.Model, &a.MaxTokens,
			&a.Temperature, &a.Priority, &a.Weight, &tagsJSON, &metadataJSON, &createdAt, &updatedAt,
			&status, &latencyMS, &successRateDB, &requestCount, &errorCount, &lastCheckedAt, &details); err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}

		if err := finishAgent(&a, agentType, tagsJSON, metadataJSON, createdAt, updatedAt); err != nil {
			return nil, err
		}

		health := AgentHealth{
			AgentID:      a.ID,
			Status:       StatusOffline,
			SuccessRate:  1.0,
			Details:      details.String,
			LatencyMS:    latencyMS.Int64,
			RequestCount: requestCount.Int64,
			ErrorCount:   errorCount.Int64,
		}
		if status.Valid {
			health.Status = HealthStatus(status.String)
		}
		if successRateDB.Valid {
			health.SuccessRate = successRateDB.Float64
		}
		if lastCheckedAt.Valid && lastCheckedAt.String != "" {
			t, err := time.Parse(time.RFC3339, lastCheckedAt.String)
			if err == nil {
				health.LastCheckedAt = &t
			}
		}

		result = append(result, AgentWithHealth{Agent: a, Health: health})
	}

	return result, rows.Err()
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}

// GetHealth loads the health row for an agent.
func (r *AgentRegistry) GetHealth(ctx context.Context, agentID string) (*AgentHealth, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.rebind(`SELECT
		agent_id, status, latency_ms, success_rate, request_count, error_count, last_checked_at, details
		FROM agent_health WHERE agent_id = ?`), agentID)

	var (
		h             AgentHealth
		status        string
		lastCheckedAt sql.NullString
	)
	err := row.Scan(&h.AgentID, &status, &h.LatencyMS, &h.SuccessRate, &h.RequestCount, &h.ErrorCount, &lastCheckedAt, &h.Details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent health: %w", err)
	}

	h.Status = HealthStatus(status)
	if lastCheckedAt.Valid && lastCheckedAt.String != "" {
		t, err := time.Parse(time.RFC3339, lastCheckedAt.String)
		if err == nil {
			h.LastCheckedAt = &t
		}
	}

	return &h, nil
}

// SetProbeResult records a health probe outcome, preserving the request and
// error counters the dispatcher maintains.
func (r *AgentRegistry) SetProbeResult(ctx context.Context, agentID string, status HealthStatus, latencyMS int64, details string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.store.db.ExecContext(ctx, r.store.rebind(`UPDATE agent_health SET
		status = ?, latency_ms = ?, last_checked_at = ?, details = ?,
		success_rate = CASE WHEN request_count > 0 THEN CAST(request_count - error_count AS REAL) / request_count ELSE 1.0 END
		WHERE agent_id = ?`),
		string(status), latencyMS, now, details, agentID)
	if err != nil {
		return fmt.Errorf("failed to record probe result: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read probe update result: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}

	return nil
}

// RecordOutcome reconciles the health row after a dispatch call.
func (r *AgentRegistry) RecordOutcome(ctx context.Context, agentID string, latencyMS int64, success bool) error {
	status := StatusOnline
	errorIncrement := 0
	if !success {
		status = StatusDegraded
		errorIncrement = 1
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.store.db.ExecContext(ctx, r.store.rebind(`UPDATE agent_health SET
		request_count = request_count + 1,
		error_count = error_count + ?,
		latency_ms = ?,
		status = ?,
		last_checked_at = ?,
		success_rate = CAST(request_count + 1 - error_count - ? AS REAL) / (request_count + 1)
		WHERE agent_id = ?`),
		errorIncrement, latencyMS, string(status), now, errorIncrement, agentID)
	if err != nil {
		return fmt.Errorf("failed to record dispatch outcome: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read outcome update result: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}

	return nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var (
		a            Agent
		agentType    string
		tagsJSON     string
		metadataJSON string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&a.ID, &a.Name, &agentType, &a.Endpoint, &a.Model, &a.MaxTokens,
		&a.Temperature, &a.Priority, &a.Weight, &tagsJSON, &metadataJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}

	if err := finishAgent(&a, agentType, tagsJSON, metadataJSON, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func finishAgent(a *Agent, agentType, tagsJSON, metadataJSON, createdAt, updatedAt string) error {
	a.Type = AgentType(agentType)

	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		return fmt.Errorf("failed to parse agent tags: %w", err)
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	if err := json.Unmarshal([]byte(metadataJSON), &a.Metadata); err != nil {
		return fmt.Errorf("failed to parse agent metadata: %w", err)
	}
	if a.Metadata == nil {
		a.Metadata = map[string]interface{}{}
	}

	var err error
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return fmt.Errorf("failed to parse agent created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return fmt.Errorf("failed to parse agent updated_at: %w", err)
	}
	return nil
}

// agentSeedFile is the YAML shape accepted by SeedFromFile.
type agentSeedFile struct {
	Agents []struct {
		Name        string                 `yaml:"name"`
		Type        string                 `yaml:"type"`
		Endpoint    string                 `yaml:"endpoint"`
		Model       string                 `yaml:"model"`
		MaxTokens   int                    `yaml:"max_tokens"`
		Temperature float64                `yaml:"temperature"`
		Priority    int                    `yaml:"priority"`
		Weight      int                    `yaml:"weight"`
		Tags        []string               `yaml:"tags"`
		Metadata    map[string]interface{} `yaml:"metadata"`
	} `yaml:"agents"`
}

// SeedFromFile provisions the registry from a YAML file on first boot.
// It only runs against an empty registry; existing deployments keep their
// registry as the source of truth.
func (r *AgentRegistry) SeedFromFile(ctx context.Context, path string) (int, error) {
	count, err := r.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read agent seed file: %w", err)
	}

	var seed agentSeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse agent seed file: %w", err)
	}

	created := 0
	for _, entry := range seed.Agents {
		agent := Agent{
			Name:        entry.Name,
			Type:        AgentType(entry.Type),
			Endpoint:    entry.Endpoint,
			Model:       entry.Model,
			MaxTokens:   entry.MaxTokens,
			Temperature: entry.Temperature,
			Priority:    entry.Priority,
			Weight:      entry.Weight,
			Tags:        entry.Tags,
			Metadata:    entry.Metadata,
		}
		if agent.MaxTokens == 0 {
			agent.MaxTokens = 8192
		}
		if agent.Priority == 0 {
			agent.Priority = 5
		}
		if agent.Weight == 0 {
			agent.Weight = 1
		}

		if _, err := r.Create(ctx, agent); err != nil {
			return created, fmt.Errorf("failed to seed agent %q: %w", entry.Name, err)
		}
		created++
	}

	return created, nil
}
