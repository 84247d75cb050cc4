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
	"net/http"
	"strconv"
	"time"
)

// handleAuditQuery pages through the chain with optional filters. Integrity
// failures are surfaced in the payload, never hidden.
func (g *Gateway) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filters := AuditFilters{
		ActorID:      query.Get("actor_id"),
		Action:       query.Get("action"),
		ResourceType: query.Get("resource_type"),
	}
	if from := query.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filters.From = t
		}
	}
	if to := query.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filters.To = t
		}
	}

	page, _ := strconv.Atoi(query.Get("page"))
	limit, _ := strconv.Atoi(query.Get("limit"))

	result, err := g.audit.Query(r.Context(), filters, page, limit)
	if err != nil {
		writeAppError(w, ErrInternal("Failed to query audit log", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":         result.Entries,
		"total":           result.Total,
		"pages":           result.Pages,
		"integrity_valid": result.IntegrityOK,
	})
}
