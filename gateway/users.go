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
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the privilege level of a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// IsValid reports whether the role is one of the three known levels.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// User is an immutable snapshot of a users row. Mutators return new values;
// nothing is visible to other readers until the caller persists the result.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	TOTPSecret   string     `json:"-"`
	TOTPEnabled  bool       `json:"totp_enabled"`
	BackupCodes  []string   `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// NewUser builds a user snapshot with a fresh id and hashed password.
// The email is lowercased; validation failures surface as AppErrors.
func NewUser(email, displayName, password string, role Role) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return User{}, ErrValidation("Invalid email address", nil)
	}
	if len(password) < minPasswordLength {
		return User{}, ErrValidation(fmt.Sprintf("Password must be at least %d characters", minPasswordLength), nil)
	}
	if !role.IsValid() {
		return User{}, ErrValidation("Invalid role", map[string]interface{}{"role": string(role)})
	}

	hash, err := HashPassword(password)
	if err != nil {
		return User{}, ErrInternal("Failed to hash password", err)
	}

	now := time.Now().UTC()
	return User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		BackupCodes:  []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// WithTOTPEnabled returns a copy with TOTP switched on.
func (u User) WithTOTPEnabled(secret string, backupCodes []string) User {
	u.TOTPSecret = secret
	u.TOTPEnabled = true
	u.BackupCodes = append([]string(nil), backupCodes...)
	u.UpdatedAt = time.Now().UTC()
	return u
}

// WithRecordedLogin returns a copy with the login timestamp set.
func (u User) WithRecordedLogin(at time.Time) User {
	at = at.UTC()
	u.LastLoginAt = &at
	u.UpdatedAt = at
	return u
}

// WithoutBackupCode returns a copy with the matching backup code consumed.
// The second return is false when the code is absent; codes are single-use.
func (u User) WithoutBackupCode(code string) (User, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	remaining := make([]string, 0, len(u.BackupCodes))
	found := false
	for _, c := range u.BackupCodes {
		if !found && c == code {
			found = true
			continue
		}
		remaining = append(remaining, c)
	}
	if !found {
		return u, false
	}
	u.BackupCodes = remaining
	u.UpdatedAt = time.Now().UTC()
	return u, true
}

// WithPasswordHash returns a copy carrying a new password hash.
func (u User) WithPasswordHash(hash string) User {
	u.PasswordHash = hash
	u.UpdatedAt = time.Now().UTC()
	return u
}

// WithProfile returns a copy with updated display name and role.
func (u User) WithProfile(displayName string, role Role) User {
	u.DisplayName = displayName
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	return u
}

// UserStore persists users through the persistence port.
type UserStore struct {
	store *Store
}

// NewUserStore creates a UserStore over the shared persistence port.
func NewUserStore(store *Store) *UserStore {
	return &UserStore{store: store}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// Create inserts a new user. A duplicate email maps to ErrEmailTaken.
func (us *UserStore) Create(ctx context.Context, u User) error {
	codes, err := json.Marshal(u.BackupCodes)
	if err != nil {
		return fmt.Errorf("failed to marshal backup codes: %w", err)
	}

	query := us.store.rebind(`INSERT INTO users
		(id, email, display_name, password_hash, role, totp_secret, totp_enabled, backup_codes, created_at, updated_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = us.store.db.ExecContext(ctx, query,
		u.ID, u.Email, u.DisplayName, u.PasswordHash, string(u.Role),
		nullableString(u.TOTPSecret), boolToInt(u.TOTPEnabled), string(codes),
		u.CreatedAt.UTC().Format(time.RFC3339), u.UpdatedAt.UTC().Format(time.RFC3339),
		nullableTime(u.LastLoginAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	return nil
}

// Update replaces the whole user row.
func (us *UserStore) Update(ctx context.Context, u User) error {
	codes, err := json.Marshal(u.BackupCodes)
	if err != nil {
		return fmt.Errorf("failed to marshal backup codes: %w", err)
	}

	query := us.store.rebind(`UPDATE users SET
		email = ?, display_name = ?, password_hash = ?, role = ?, totp_secret = ?,
		totp_enabled = ?, backup_codes = ?, updated_at = ?, last_login_at = ?
		WHERE id = ?`)

	result, err := us.store.db.ExecContext(ctx, query,
		u.Email, u.DisplayName, u.PasswordHash, string(u.Role),
		nullableString(u.TOTPSecret), boolToInt(u.TOTPEnabled), string(codes),
		u.UpdatedAt.UTC().Format(time.RFC3339), nullableTime(u.LastLoginAt), u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}

// GetByEmail fetches a user by lowercased email.
func (us *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := us.store.rebind(`SELECT id, email, display_name, password_hash, role, totp_secret,
		totp_enabled, backup_codes, created_at, updated_at, last_login_at
		FROM users WHERE email = ?`)
	return us.scanUser(us.store.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// GetByID fetches a user by id.
func (us *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	query := us.store.rebind(`SELECT id, email, display_name, password_hash, role, totp_secret,
		totp_enabled, backup_codes, created_at, updated_at, last_login_at
		FROM users WHERE id = ?`)
	return us.scanUser(us.store.db.QueryRowContext(ctx, query, id))
}

// List returns all users ordered by creation time.
func (us *UserStore) List(ctx context.Context) ([]User, error) {
	query := `SELECT id, email, display_name, password_hash, role, totp_secret,
		totp_enabled, backup_codes, created_at, updated_at, last_login_at
		FROM users ORDER BY created_at ASC`

	rows, err := us.store.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}

	return users, rows.Err()
}

// Delete removes a user and their sessions.
func (us *UserStore) Delete(ctx context.Context, id string) error {
	tx, err := us.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, us.store.rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}

	if _, err := tx.ExecContext(ctx, us.store.rebind(`DELETE FROM sessions WHERE user_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}

	return tx.Commit()
}

// Count returns the number of users.
func (us *UserStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := us.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// CountAdmins returns the number of admin users.
func (us *UserStore) CountAdmins(ctx context.Context) (int, error) {
	query := us.store.rebind(`SELECT COUNT(*) FROM users WHERE role = ?`)
	var count int
	if err := us.store.db.QueryRowContext(ctx, query, string(RoleAdmin)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

// SeedAdmin creates the initial admin account when the users table is empty.
func (us *UserStore) SeedAdmin(ctx context.Context, email, password string) (*User, error) {
	count, err := us.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	admin, err := NewUser(email, "Administrator", password, RoleAdmin)
	if err != nil {
		return nil, err
	}

	if err := us.Create(ctx, admin); err != nil {
		return nil, err
	}

	return &admin, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (us *UserStore) scanUser(row *sql.Row) (*User, error) {
	u, err := scanUserRow(row)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanUserRow(row rowScanner) (*User, error) {
	var (
		u           User
		role        string
		totpSecret  sql.NullString
		totpEnabled int
		codesJSON   string
		createdAt   string
		updatedAt   string
		lastLoginAt sql.NullString
	)

	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &role, &totpSecret,
		&totpEnabled, &codesJSON, &createdAt, &updatedAt, &lastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	u.Role = Role(role)
	u.TOTPSecret = totpSecret.String
	u.TOTPEnabled = totpEnabled != 0

	if err := json.Unmarshal([]byte(codesJSON), &u.BackupCodes); err != nil {
		return nil, fmt.Errorf("failed to parse backup codes: %w", err)
	}
	if u.BackupCodes == nil {
		u.BackupCodes = []string{}
	}

	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if lastLoginAt.Valid && lastLoginAt.String != "" {
		t, err := time.Parse(time.RFC3339, lastLoginAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_login_at: %w", err)
		}
		u.LastLoginAt = &t
	}

	return &u, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
