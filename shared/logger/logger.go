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

package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// minLevel is the process-wide threshold, set once from LOG_LEVEL at startup.
var minLevel = INFO

// SetLevel sets the minimum level that will be emitted. Unknown names
// fall back to INFO.
func SetLevel(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		minLevel = DEBUG
	case "INFO", "":
		minLevel = INFO
	case "WARN", "WARNING":
		minLevel = WARN
	case "ERROR":
		minLevel = ERROR
	default:
		minLevel = INFO
	}
}

// Logger provides structured logging for a single gateway component
type Logger struct {
	Component  string
	InstanceID string
}

// LogEntry represents a structured log entry written as one JSON line
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Instance ID comes from the environment when deployed; the hostname
	// is a reasonable identity for a single-node gateway.
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		instanceID = hostname
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration field
func (l *Logger) InfoWithDuration(requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(requestID, message, fields)
}

// ErrorWithCode logs an error with a status code
func (l *Logger) ErrorWithCode(requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(requestID, message, fields)
}
