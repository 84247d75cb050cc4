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

import "net/http"

// handleCreateBackup snapshots every table and audits the export.
func (g *Gateway) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := g.backup.Create(ctx)
	if err != nil {
		writeAppError(w, ErrInternal("Failed to create backup", err))
		return
	}

	details := map[string]interface{}{
		"filename": result.Filename,
		"offsite":  result.Offsite,
	}
	for table, count := range result.Tables {
		details["rows_"+table] = count
	}
	if err := g.audit.Append(ctx, ActionBackupCreated, actorFrom(r), "backup", result.Filename, details); err != nil {
		writeAppError(w, ErrInternal("Failed to record audit entry", err))
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// handleListBackups lists snapshots on disk.
func (g *Gateway) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := g.backup.List()
	if err != nil {
		writeAppError(w, ErrInternal("Failed to list backups", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}
