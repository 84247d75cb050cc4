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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Audit action taxonomy.
const (
	ActionAuthLogin           = "auth.login"
	ActionAuthLogout          = "auth.logout"
	ActionAuthLoginFailed     = "auth.login_failed"
	ActionAuthTOTPEnabled     = "auth.totp_enabled"
	ActionAuthPasswordChanged = "auth.password_changed"
	ActionAgentCreated        = "agent.created"
	ActionAgentUpdated        = "agent.updated"
	ActionAgentDeleted        = "agent.deleted"
	ActionAgentRequest        = "agent.request"
	ActionUserCreated         = "user.created"
	ActionUserUpdated         = "user.updated"
	ActionUserDeleted         = "user.deleted"
	ActionBackupCreated       = "backup.created"
	ActionSettingsUpdated     = "settings.updated"
	ActionTerminalCommand     = "terminal.command"
)

// genesisFingerprint links the first entry of the chain.
const genesisFingerprint = "GENESIS"

// auditTimeFormat is fixed-width so lexicographic order on the stored
// timestamp column equals chronological order.
const auditTimeFormat = "2006-01-02T15:04:05.000000Z"

// AuditEntry is one row of the audit_log table. Timestamp stays in its
// stored ISO form because the fingerprint was computed over that exact
// string.
type AuditEntry struct {
	ID                  string                 `json:"id"`
	Action              string                 `json:"action"`
	ActorUserID         string                 `json:"actor_user_id"`
	ActorEmail          string                 `json:"actor_email"`
	IP                  string                 `json:"ip"`
	UserAgent           string                 `json:"user_agent"`
	ResourceType        string                 `json:"resource_type"`
	ResourceID          string                 `json:"resource_id"`
	Details             map[string]interface{} `json:"details"`
	PreviousFingerprint string                 `json:"previous_fingerprint"`
	Fingerprint         string                 `json:"fingerprint"`
	Timestamp           string                 `json:"timestamp"`
}

// AuditActor identifies who performed an audited operation.
type AuditActor struct {
	UserID    string
	Email     string
	IP        string
	UserAgent string
}

// AuditFilters narrow a query. Zero values mean "no filter".
type AuditFilters struct {
	ActorID      string
	Action       string
	ResourceType string
	From         time.Time
	To           time.Time
}

// AuditPage is the result of a chain query. IntegrityOK is false when any
// returned entry fails fingerprint recomputation; the rows are still
// returned so operators can see what was touched.
type AuditPage struct {
	Entries     []AuditEntry
	Total       int
	Pages       int
	IntegrityOK bool
}

// AuditChain is the append-only hash-linked log. Appends serialize through
// a process mutex and a transaction: the previous-fingerprint lookup and
// the insert must be atomic or concurrent appends fork the chain.
type AuditChain struct {
	store *Store

	mu sync.Mutex
	// lastStamp forces strictly increasing timestamps so the newest-row
	// lookup is unambiguous even within one microsecond.
	lastStamp time.Time
}

// NewAuditChain creates the chain over the persistence port.
func NewAuditChain(store *Store) *AuditChain {
	return &AuditChain{store: store}
}

// Append writes one entry linked to the current chain head.
func (a *AuditChain) Append(ctx context.Context, action string, actor AuditActor, resourceType, resourceID string, details map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if details == nil {
		details = map[string]interface{}{}
	}

	id, err := randomHex(16)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if !now.After(a.lastStamp) {
		now = a.lastStamp.Add(time.Microsecond)
	}
	a.lastStamp = now
	timestamp := now.Format(auditTimeFormat)

	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit append: %w", err)
	}
	defer tx.Rollback()

	previous := genesisFingerprint
	row := tx.QueryRowContext(ctx, `SELECT fingerprint FROM audit_log ORDER BY timestamp DESC LIMIT 1`)
	if err := row.Scan(&previous); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	fingerprint, detailsJSON, err := computeFingerprint(id, action, actor.UserID, resourceType, resourceID, details, previous, timestamp)
	if err != nil {
		return err
	}

	query := a.store.rebind(`INSERT INTO audit_log
		(id, action, actor_user_id, actor_email, ip, user_agent, resource_type, resource_id, details, previous_fingerprint, fingerprint, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, query,
		id, action, actor.UserID, actor.Email, actor.IP, actor.UserAgent,
		resourceType, resourceID, detailsJSON, previous, fingerprint, timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit append: %w", err)
	}

	return nil
}

// computeFingerprint hashes the canonical JSON of the chained fields.
// encoding/json marshals map keys sorted, which is the canonical form.
// The returned details string is what must be persisted: verification
// re-canonicalizes from the stored text and must reproduce this hash.
func computeFingerprint(id, action, actorUserID, resourceType, resourceID string, details map[string]interface{}, previousFingerprint, timestampISO string) (fingerprint, detailsJSON string, err error) {
	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal audit details: %w", err)
	}

	canonical := map[string]interface{}{
		"id":                   id,
		"action":               action,
		"actor_user_id":        actorUserID,
		"resource_type":        resourceType,
		"resource_id":          resourceID,
		"details":              details,
		"previous_fingerprint": previousFingerprint,
		"timestamp_iso":        timestampISO,
	}

	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), string(detailsBytes), nil
}

// VerifyEntry recomputes an entry's fingerprint from its persisted fields.
func VerifyEntry(e AuditEntry) bool {
	fingerprint, _, err := computeFingerprint(e.ID, e.Action, e.ActorUserID, e.ResourceType, e.ResourceID, e.Details, e.PreviousFingerprint, e.Timestamp)
	if err != nil {
		return false
	}
	return fingerprint == e.Fingerprint
}

// Query returns a page of entries newest-first and verifies each one.
// Tampered rows are surfaced through IntegrityOK, never hidden.
func (a *AuditChain) Query(ctx context.Context, filters AuditFilters, page, limit int) (*AuditPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	var (
		where strings.Builder
		args  []interface{}
	)
	where.WriteString(" WHERE 1=1")

	if filters.ActorID != "" {
		where.WriteString(" AND actor_user_id = ?")
		args = append(args, filters.ActorID)
	}
	if filters.Action != "" {
		where.WriteString(" AND action = ?")
		args = append(args, filters.Action)
	}
	if filters.ResourceType != "" {
		where.WriteString(" AND resource_type = ?")
		args = append(args, filters.ResourceType)
	}
	if !filters.From.IsZero() {
		where.WriteString(" AND timestamp >= ?")
		args = append(args, filters.From.UTC().Format(auditTimeFormat))
	}
	if !filters.To.IsZero() {
		where.WriteString(" AND timestamp <= ?")
		args = append(args, filters.To.UTC().Format(auditTimeFormat))
	}

	var total int
	countQuery := a.store.rebind("SELECT COUNT(*) FROM audit_log" + where.String())
	if err := a.store.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	query := a.store.rebind(`SELECT id, action, actor_user_id, actor_email, ip, user_agent,
		resource_type, resource_id, details, previous_fingerprint, fingerprint, timestamp
		FROM audit_log` + where.String() + ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, (page-1)*limit)

	rows, err := a.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	result := &AuditPage{
		Entries:     []AuditEntry{},
		Total:       total,
		IntegrityOK: true,
	}

	for rows.Next() {
		var (
			e           AuditEntry
			detailsJSON string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorUserID, &e.ActorEmail, &e.IP, &e.UserAgent,
			&e.ResourceType, &e.ResourceID, &detailsJSON, &e.PreviousFingerprint, &e.Fingerprint, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			// Unparseable details cannot reproduce the fingerprint.
			e.Details = map[string]interface{}{}
			result.IntegrityOK = false
		}

		if !VerifyEntry(e) {
			result.IntegrityOK = false
			auditChainLog.Warn("", "Audit entry failed fingerprint verification", map[string]interface{}{
				"entry_id": e.ID,
				"action":   e.Action,
			})
		}

		result.Entries = append(result.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	result.Pages = (total + limit - 1) / limit
	return result, nil
}

// Head returns the current chain head fingerprint, or GENESIS when empty.
func (a *AuditChain) Head(ctx context.Context) (string, error) {
	head := genesisFingerprint
	row := a.store.db.QueryRowContext(ctx, `SELECT fingerprint FROM audit_log ORDER BY timestamp DESC LIMIT 1`)
	if err := row.Scan(&head); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read chain head: %w", err)
	}
	return head, nil
}
