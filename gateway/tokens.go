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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	minPasswordLength = 12

	sessionTokenTTL      = 8 * time.Hour
	intermediateTokenTTL = 10 * time.Minute

	sessionCookieName = "auth_token"

	// intermediatePurpose marks tokens minted between password and TOTP
	// verification; they are accepted nowhere else.
	intermediatePurpose = "totp_pending"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is one row of the sessions table. A session token is only valid
// while its row exists and is unexpired, so logout revokes server-side.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID       string
	Email        string
	Role         Role
	TOTPVerified bool
	SessionID    string
}

// TokenService mints and validates the two token kinds and owns the
// sessions table.
type TokenService struct {
	secret []byte
	store  *Store
}

// NewTokenService creates a TokenService with the signing secret.
func NewTokenService(secret []byte, store *Store) *TokenService {
	return &TokenService{secret: secret, store: store}
}

// MintSessionToken signs an 8-hour session token and creates its row.
func (ts *TokenService) MintSessionToken(ctx context.Context, user *User, totpVerified bool) (string, *Session, error) {
	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTokenTTL),
	}

	query := ts.store.rebind(`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`)
	_, err := ts.store.db.ExecContext(ctx, query,
		session.ID, session.UserID,
		session.CreatedAt.Format(time.RFC3339), session.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":       user.ID,
		"email":         user.Email,
		"role":          string(user.Role),
		"totp_verified": totpVerified,
		"session_id":    session.ID,
		"iat":           now.Unix(),
		"exp":           session.ExpiresAt.Unix(),
	})

	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, session, nil
}

// ValidateSessionToken parses a session token and checks its session row.
func (ts *TokenService) ValidateSessionToken(ctx context.Context, tokenString string) (*Principal, error) {
	claims, err := ts.parseClaims(tokenString)
	if err != nil {
		return nil, err
	}

	sessionID := getClaimString(claims, "session_id")
	if sessionID == "" {
		return nil, errors.New("token missing session id")
	}

	session, err := ts.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	return &Principal{
		UserID:       getClaimString(claims, "user_id"),
		Email:        getClaimString(claims, "email"),
		Role:         Role(getClaimString(claims, "role")),
		TOTPVerified: getClaimBool(claims, "totp_verified"),
		SessionID:    sessionID,
	}, nil
}

// MintIntermediateToken signs the 10-minute token bridging password and
// TOTP verification. It carries a nonce and is not a session.
func (ts *TokenService) MintIntermediateToken(userID string) (string, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"nonce":   nonce,
		"purpose": intermediatePurpose,
		"iat":     now.Unix(),
		"exp":     now.Add(intermediateTokenTTL).Unix(),
	})

	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign intermediate token: %w", err)
	}

	return signed, nil
}

// ValidateIntermediateToken returns the user id carried by a well-formed,
// unexpired intermediate token.
func (ts *TokenService) ValidateIntermediateToken(tokenString string) (string, error) {
	claims, err := ts.parseClaims(tokenString)
	if err != nil {
		return "", err
	}

	if getClaimString(claims, "purpose") != intermediatePurpose {
		return "", errors.New("not an intermediate token")
	}

	userID := getClaimString(claims, "user_id")
	if userID == "" {
		return "", errors.New("token missing user id")
	}

	return userID, nil
}

func (ts *TokenService) parseClaims(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return ts.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// GetSession loads a session row.
func (ts *TokenService) GetSession(ctx context.Context, id string) (*Session, error) {
	query := ts.store.rebind(`SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ?`)

	var (
		s         Session
		createdAt string
		expiresAt string
	)
	err := ts.store.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.UserID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if s.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse session created_at: %w", err)
	}
	if s.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse session expires_at: %w", err)
	}

	return &s, nil
}

// DeleteSession removes a session row; logout calls this.
func (ts *TokenService) DeleteSession(ctx context.Context, id string) error {
	query := ts.store.rebind(`DELETE FROM sessions WHERE id = ?`)
	if _, err := ts.store.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PruneExpiredSessions removes rows whose expiry has passed.
func (ts *TokenService) PruneExpiredSessions(ctx context.Context) (int64, error) {
	query := ts.store.rebind(`DELETE FROM sessions WHERE expires_at < ?`)
	result, err := ts.store.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return result.RowsAffected()
}

// setSessionCookie writes the http-only strict-same-site session cookie.
func setSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearSessionCookie expires the session cookie.
func clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if value, ok := claims[key].(string); ok {
		return value
	}
	return ""
}

func getClaimBool(claims jwt.MapClaims, key string) bool {
	if value, ok := claims[key].(bool); ok {
		return value
	}
	return false
}
