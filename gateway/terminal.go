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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxTerminalSessions = 10

	terminalPongWait    = 60 * time.Second
	terminalPingPeriod  = 30 * time.Second
	terminalWriteWait   = 10 * time.Second
	terminalCmdTimeout  = 30 * time.Second
	terminalMaxOutput   = 1 << 20 // 1 MiB combined stdout+stderr per command
	terminalMaxCmdBytes = 4096
)

// terminalAllowedCommands is the executable allowlist. Command names not in
// this set are rejected before anything runs.
var terminalAllowedCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "grep": true,
	"find": true, "pwd": true, "whoami": true, "df": true, "du": true,
	"wc": true, "file": true, "stat": true, "tree": true, "git": true,
	"date": true, "uname": true, "hostname": true, "sort": true,
	"uniq": true, "cut": true, "tr": true, "echo": true, "env": true,
	"printenv": true, "which": true,
}

// terminalForbiddenPatterns screens every argument. A command line carrying
// any of these never executes, allowlisted or not.
var terminalForbiddenPatterns = []string{
	"rm -rf", "rm -r", "rmdir", "dd ", "mkfs", "fdisk", "format",
	"kill", "killall", "shutdown", "reboot", "halt", "poweroff",
	"sudo", "su ", "chmod", "chown",
	">/dev/", "| bash", "| sh", "eval ", "exec ",
}

// TerminalService runs allowlisted commands over WebSocket. Commands are
// tokenized and executed directly; no shell interpreter is ever involved,
// so pipes and redirections in the input are inert text that the forbidden
// screen rejects anyway.
type TerminalService struct {
	audit    *AuditChain
	workDir  string
	upgrader websocket.Upgrader

	mu    sync.Mutex
	slots int
}

// NewTerminalService creates the terminal port rooted at workDir.
func NewTerminalService(audit *AuditChain, workDir string, checkOrigin func(r *http.Request) bool) *TerminalService {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &TerminalService{
		audit:   audit,
		workDir: workDir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ValidateCommand tokenizes a command line and applies the allowlist and
// the forbidden-pattern screen. It returns the argv to execute.
func ValidateCommand(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrValidation("Empty command", nil)
	}
	if len(line) > terminalMaxCmdBytes {
		return nil, ErrValidation("Command too long", nil)
	}

	lower := strings.ToLower(line)
	for _, pattern := range terminalForbiddenPatterns {
		if strings.Contains(lower, pattern) {
			return nil, ErrForbidden("Command contains a forbidden pattern")
		}
	}

	argv := strings.Fields(line)
	if !terminalAllowedCommands[argv[0]] {
		return nil, ErrForbidden(fmt.Sprintf("Command %q is not allowed", argv[0]))
	}

	return argv, nil
}

// tryAcquire claims a session slot; the caller must release it.
func (ts *TerminalService) tryAcquire() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.slots >= maxTerminalSessions {
		return false
	}
	ts.slots++
	promTerminalSessions.Set(float64(ts.slots))
	return true
}

func (ts *TerminalService) release() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.slots--
	promTerminalSessions.Set(float64(ts.slots))
}

// ActiveSessions returns the current session count.
func (ts *TerminalService) ActiveSessions() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.slots
}

// Handle upgrades the request and serves one terminal session. The global
// cap refuses the 11th session with close code 1013 (try again later).
func (ts *TerminalService) Handle(w http.ResponseWriter, r *http.Request, principal *Principal) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		terminalLog.Warn("", "WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if !ts.tryAcquire() {
		deadline := time.Now().Add(terminalWriteWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "terminal session limit reached"), deadline)
		conn.Close()
		return
	}
	defer ts.release()
	defer conn.Close()

	terminalLog.Info("", "Terminal session opened", map[string]interface{}{"user": principal.UserID})

	actor := AuditActor{
		UserID:    principal.UserID,
		Email:     principal.Email,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	// The write mutex serializes command replies and keepalive pings; the
	// read loop is the only reader.
	var writeMu sync.Mutex
	send := func(messageType int, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(terminalWriteWait))
		return conn.WriteMessage(messageType, payload)
	}

	conn.SetReadLimit(terminalMaxCmdBytes)
	conn.SetReadDeadline(time.Now().Add(terminalPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(terminalPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(terminalPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := send(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		line := string(payload)
		output := ts.runCommand(r.Context(), line, actor)
		if err := send(websocket.TextMessage, output); err != nil {
			break
		}
	}

	terminalLog.Info("", "Terminal session closed", map[string]interface{}{"user": principal.UserID})
}

// runCommand validates, executes, audits, and caps the output of one line.
func (ts *TerminalService) runCommand(ctx context.Context, line string, actor AuditActor) []byte {
	argv, err := ValidateCommand(line)
	if err != nil {
		return []byte("error: " + err.(*AppError).Message + "\n")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, terminalCmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = ts.workDir

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	runErr := cmd.Run()

	if err := ts.audit.Append(ctx, ActionTerminalCommand, actor, "terminal", argv[0], map[string]interface{}{
		"command": line,
		"success": runErr == nil,
	}); err != nil {
		terminalLog.Error("", "Failed to audit terminal command", map[string]interface{}{"error": err.Error()})
	}

	output := combined.Bytes()
	if len(output) > terminalMaxOutput {
		output = append(output[:terminalMaxOutput], []byte("\n[output truncated]\n")...)
	}

	if runErr != nil {
		output = append(output, []byte(fmt.Sprintf("error: %v\n", runErr))...)
	}

	return output
}
