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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand_Allowed(t *testing.T) {
	argv, err := ValidateCommand("ls -la /tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "-la", "/tmp"}, argv)

	argv, err = ValidateCommand("  git status  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"git", "status"}, argv)
}

func TestValidateCommand_Rejections(t *testing.T) {
	cases := []struct {
		name string
		line string
		kind ErrorKind
	}{
		{"empty", "", KindValidation},
		{"whitespace only", "   ", KindValidation},
		{"too long", "echo " + strings.Repeat("x", terminalMaxCmdBytes), KindValidation},
		{"not allowlisted", "curl http://example.com", KindForbidden},
		{"vim not allowlisted", "vim /etc/passwd", KindForbidden},
		{"forbidden rm", "rm -rf /", KindForbidden},
		{"forbidden sudo", "sudo ls", KindForbidden},
		{"forbidden inside allowlisted", "echo hello | bash", KindForbidden},
		{"forbidden kill", "kill -9 1", KindForbidden},
		{"case insensitive screen", "SUDO ls", KindForbidden},
		{"chmod", "chmod 777 /etc", KindForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateCommand(tc.line)
			appErr, ok := err.(*AppError)
			require.True(t, ok, "expected AppError, got %v", err)
			assert.Equal(t, tc.kind, appErr.Kind)
		})
	}
}

func TestTerminalService_SessionSlots(t *testing.T) {
	ts := NewTerminalService(NewAuditChain(newTestStore(t)), t.TempDir(), nil)

	for i := 0; i < maxTerminalSessions; i++ {
		require.True(t, ts.tryAcquire(), "slot %d", i)
	}
	assert.Equal(t, maxTerminalSessions, ts.ActiveSessions())

	// The cap refuses the next session.
	assert.False(t, ts.tryAcquire())

	ts.release()
	assert.True(t, ts.tryAcquire())
}

func TestTerminalService_RunCommandExecutesAndAudits(t *testing.T) {
	store := newTestStore(t)
	audit := NewAuditChain(store)
	ts := NewTerminalService(audit, t.TempDir(), nil)
	ctx := context.Background()

	output := ts.runCommand(ctx, "echo hello-terminal", testActor())
	assert.Equal(t, "hello-terminal\n", string(output))

	page, err := audit.Query(ctx, AuditFilters{Action: ActionTerminalCommand}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "terminal", page.Entries[0].ResourceType)
	assert.Equal(t, "echo", page.Entries[0].ResourceID)
	assert.Equal(t, "echo hello-terminal", page.Entries[0].Details["command"])
	assert.Equal(t, true, page.Entries[0].Details["success"])
}

func TestTerminalService_RunCommandRejectsWithoutExecuting(t *testing.T) {
	store := newTestStore(t)
	audit := NewAuditChain(store)
	ts := NewTerminalService(audit, t.TempDir(), nil)
	ctx := context.Background()

	output := ts.runCommand(ctx, "rm -rf /", testActor())
	assert.True(t, strings.HasPrefix(string(output), "error: "))

	// Rejected lines never reach the audit chain; nothing ran.
	page, err := audit.Query(ctx, AuditFilters{Action: ActionTerminalCommand}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestTerminalService_RunCommandFailureAppended(t *testing.T) {
	store := newTestStore(t)
	audit := NewAuditChain(store)
	ts := NewTerminalService(audit, t.TempDir(), nil)
	ctx := context.Background()

	output := ts.runCommand(ctx, "cat no-such-file-here", testActor())
	assert.Contains(t, string(output), "error:")

	page, err := audit.Query(ctx, AuditFilters{Action: ActionTerminalCommand}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, false, page.Entries[0].Details["success"])
}
