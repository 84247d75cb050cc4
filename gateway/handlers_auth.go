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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// invalidCredentialsMessage is deliberately uniform: login failures reveal
// nothing about whether the email exists.
const invalidCredentialsMessage = "Invalid email or password"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	RequireTOTP bool   `json:"require_totp"`
	TempToken   string `json:"temp_token,omitempty"`
}

type totpVerifyRequest struct {
	TempToken string `json:"temp_token"`
	TOTPCode  string `json:"totp_code"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleLogin is the password half of the login state machine.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !g.checkRate(w, r, "login", ip, PolicyLogin) {
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	ctx := r.Context()
	actor := AuditActor{IP: ip, UserAgent: r.UserAgent()}

	user, err := g.users.GetByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		writeAppError(w, ErrInternal("Failed to load user", err))
		return
	}

	// The dummy verification keeps timing flat when the email is unknown.
	stored := dummyPasswordHash
	if user != nil {
		stored = user.PasswordHash
	}
	if !VerifyPassword(req.Password, stored) || user == nil {
		actor.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if appendErr := g.audit.Append(ctx, ActionAuthLoginFailed, actor, "user", "", map[string]interface{}{
			"email": actor.Email,
		}); appendErr != nil {
			authLog.Error(RequestIDFrom(ctx), "Failed to audit login failure", map[string]interface{}{"error": appendErr.Error()})
		}
		writeAppError(w, ErrUnauthorized(invalidCredentialsMessage))
		return
	}

	actor.UserID = user.ID
	actor.Email = user.Email

	if user.TOTPEnabled {
		tempToken, err := g.tokens.MintIntermediateToken(user.ID)
		if err != nil {
			writeAppError(w, ErrInternal("Failed to mint intermediate token", err))
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{RequireTOTP: true, TempToken: tempToken})
		return
	}

	if err := g.finishLogin(w, r, user, false, map[string]interface{}{"method": "password"}); err != nil {
		writeAppError(w, err)
	}
}

// handleTOTPVerify is the second half of the login state machine. Expired
// intermediate tokens, wrong codes, and already-consumed backup codes all
// fail with the same 401.
func (g *Gateway) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !g.checkRate(w, r, "totp", ip, PolicyTOTP) {
		return
	}

	var req totpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	ctx := r.Context()

	userID, err := g.tokens.ValidateIntermediateToken(req.TempToken)
	if err != nil {
		writeAppError(w, ErrUnauthorized("Invalid or expired verification"))
		return
	}

	user, err := g.users.GetByID(ctx, userID)
	if err != nil {
		writeAppError(w, ErrUnauthorized("Invalid or expired verification"))
		return
	}

	code := strings.TrimSpace(req.TOTPCode)
	usedBackup := false

	switch {
	case len(code) == 6 && user.TOTPSecret != "" && ValidateTOTPCode(user.TOTPSecret, code):
		// standard TOTP path
	case len(code) == 8:
		updated, ok := user.WithoutBackupCode(code)
		if !ok {
			writeAppError(w, ErrUnauthorized("Invalid or expired verification"))
			return
		}
		if err := g.users.Update(ctx, updated); err != nil {
			writeAppError(w, ErrInternal("Failed to consume backup code", err))
			return
		}
		user = &updated
		usedBackup = true
	default:
		writeAppError(w, ErrUnauthorized("Invalid or expired verification"))
		return
	}

	if err := g.finishLogin(w, r, user, true, map[string]interface{}{
		"method":      "totp",
		"used_backup": usedBackup,
	}); err != nil {
		writeAppError(w, err)
	}
}

// finishLogin records the login, appends the audit entry, mints the session
// token, and sets the cookie. Audit append failure fails the login.
func (g *Gateway) finishLogin(w http.ResponseWriter, r *http.Request, user *User, totpVerified bool, details map[string]interface{}) error {
	ctx := r.Context()

	recorded := user.WithRecordedLogin(time.Now())
	if err := g.users.Update(ctx, recorded); err != nil {
		return ErrInternal("Failed to record login", err)
	}

	token, _, err := g.tokens.MintSessionToken(ctx, user, totpVerified)
	if err != nil {
		return ErrInternal("Failed to mint session token", err)
	}

	actor := AuditActor{UserID: user.ID, Email: user.Email, IP: clientIP(r), UserAgent: r.UserAgent()}
	if err := g.audit.Append(ctx, ActionAuthLogin, actor, "user", user.ID, details); err != nil {
		return ErrInternal("Failed to record audit entry", err)
	}

	setSessionCookie(w, token, g.config.SecureCookies)
	writeJSON(w, http.StatusOK, loginResponse{RequireTOTP: false})
	return nil
}

// handleLogout deletes the session row and clears the cookie.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFrom(ctx)

	if err := g.tokens.DeleteSession(ctx, principal.SessionID); err != nil {
		writeAppError(w, ErrInternal("Failed to delete session", err))
		return
	}

	if err := g.audit.Append(ctx, ActionAuthLogout, actorFrom(r), "user", principal.UserID, nil); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	clearSessionCookie(w, g.config.SecureCookies)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleMe returns the authenticated user's profile.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())

	user, err := g.users.GetByID(r.Context(), principal.UserID)
	if err != nil {
		writeAppError(w, ErrUnauthorized("Authentication required"))
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleTOTPSetup mints a fresh enrolment and enables TOTP on the user row.
func (g *Gateway) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFrom(ctx)

	user, err := g.users.GetByID(ctx, principal.UserID)
	if err != nil {
		writeAppError(w, ErrUnauthorized("Authentication required"))
		return
	}

	enrolment, err := GenerateTOTPEnrolment(user.Email)
	if err != nil {
		writeAppError(w, ErrInternal("Failed to generate TOTP enrolment", err))
		return
	}

	updated := user.WithTOTPEnabled(enrolment.Secret, enrolment.BackupCodes)
	if err := g.users.Update(ctx, updated); err != nil {
		writeAppError(w, ErrInternal("Failed to enable TOTP", err))
		return
	}

	if err := g.audit.Append(ctx, ActionAuthTOTPEnabled, actorFrom(r), "user", user.ID, nil); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusOK, enrolment)
}

// handleChangePassword rotates the caller's password.
func (g *Gateway) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	ctx := r.Context()
	principal := PrincipalFrom(ctx)

	user, err := g.users.GetByID(ctx, principal.UserID)
	if err != nil {
		writeAppError(w, ErrUnauthorized("Authentication required"))
		return
	}

	if !VerifyPassword(req.CurrentPassword, user.PasswordHash) {
		writeAppError(w, ErrUnauthorized("Current password is incorrect"))
		return
	}

	if len(req.NewPassword) < minPasswordLength {
		writeAppError(w, ErrValidation(fmt.Sprintf("Password must be at least %d characters", minPasswordLength), nil))
		return
	}

	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		writeAppError(w, ErrInternal("Failed to hash password", err))
		return
	}

	if err := g.users.Update(ctx, user.WithPasswordHash(hash)); err != nil {
		writeAppError(w, ErrInternal("Failed to update password", err))
		return
	}

	if err := g.audit.Append(ctx, ActionAuthPasswordChanged, actorFrom(r), "user", user.ID, nil); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
