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
	"net/http"

	"github.com/gorilla/mux"
)

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

type updateUserRequest struct {
	DisplayName *string `json:"display_name"`
	Role        *string `json:"role"`
}

// handleListUsers returns all users; the JSON tags on User already keep
// hashes and secrets out of the payload.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.users.List(r.Context())
	if err != nil {
		writeAppError(w, ErrInternal("Failed to list users", err))
		return
	}
	if users == nil {
		users = []User{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// handleCreateUser creates an account administratively.
func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	user, err := NewUser(req.Email, req.DisplayName, req.Password, Role(req.Role))
	if err != nil {
		writeAppError(w, err)
		return
	}

	ctx := r.Context()
	if err := g.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeAppError(w, ErrConflict("Email already registered"))
			return
		}
		writeAppError(w, ErrInternal("Failed to create user", err))
		return
	}

	if err := g.audit.Append(ctx, ActionUserCreated, actorFrom(r), "user", user.ID, map[string]interface{}{
		"email": user.Email,
		"role":  string(user.Role),
	}); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// handleUpdateUser changes display name and/or role.
func (g *Gateway) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, ErrValidation("Invalid request body", nil))
		return
	}

	ctx := r.Context()
	user, err := g.users.GetByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		writeAppError(w, ErrNotFound("User not found"))
		return
	}
	if err != nil {
		writeAppError(w, ErrInternal("Failed to load user", err))
		return
	}

	displayName := user.DisplayName
	role := user.Role
	if req.DisplayName != nil {
		displayName = *req.DisplayName
	}
	if req.Role != nil {
		role = Role(*req.Role)
		if !role.IsValid() {
			writeAppError(w, ErrValidation("Invalid role", map[string]interface{}{"role": *req.Role}))
			return
		}
	}

	// Demoting the last admin would lock everyone out of administration.
	if user.Role == RoleAdmin && role != RoleAdmin {
		admins, err := g.users.CountAdmins(ctx)
		if err != nil {
			writeAppError(w, ErrInternal("Failed to count admins", err))
			return
		}
		if admins <= 1 {
			writeAppError(w, ErrConflict("Cannot demote the last admin"))
			return
		}
	}

	updated := user.WithProfile(displayName, role)
	if err := g.users.Update(ctx, updated); err != nil {
		writeAppError(w, ErrInternal("Failed to update user", err))
		return
	}

	if err := g.audit.Append(ctx, ActionUserUpdated, actorFrom(r), "user", id, map[string]interface{}{
		"display_name": displayName,
		"role":         string(role),
	}); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteUser removes a user and their sessions. Self-deletion and
// deleting the last admin are refused.
func (g *Gateway) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()
	principal := PrincipalFrom(ctx)

	if id == principal.UserID {
		writeAppError(w, ErrValidation("Cannot delete your own account", nil))
		return
	}

	user, err := g.users.GetByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		writeAppError(w, ErrNotFound("User not found"))
		return
	}
	if err != nil {
		writeAppError(w, ErrInternal("Failed to load user", err))
		return
	}

	if user.Role == RoleAdmin {
		admins, err := g.users.CountAdmins(ctx)
		if err != nil {
			writeAppError(w, ErrInternal("Failed to count admins", err))
			return
		}
		if admins <= 1 {
			writeAppError(w, ErrConflict("Cannot delete the last admin"))
			return
		}
	}

	if err := g.users.Delete(ctx, id); err != nil {
		writeAppError(w, ErrInternal("Failed to delete user", err))
		return
	}

	if err := g.audit.Append(ctx, ActionUserDeleted, actorFrom(r), "user", id, map[string]interface{}{
		"email": user.Email,
	}); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
