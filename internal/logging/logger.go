/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/config"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelOrder = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	JobID      string                 `json:"job_id,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Duration   *time.Duration         `json:"duration_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StatusCode *int                   `json:"status_code,omitempty"`
	Method     string                 `json:"method,omitempty"`
	Path       string                 `json:"path,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Caller     string                 `json:"caller,omitempty"`
}

// Logger provides structured logging functionality
type Logger struct {
	out       *output
	level     LogLevel
	component string
	fields    map[string]interface{}
}

// output is shared by every logger derived from the same root so that
// concurrent writers never interleave lines.
type output struct {
	mu     sync.Mutex
	writer io.Writer
	text   bool
}

// contextKey is used for context keys to avoid collisions
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	agentIDKey   contextKey = "agent_id"
	jobIDKey     contextKey = "job_id"
)

// NewLogger creates a new logger instance writing to stdout
func NewLogger(cfg config.LoggingConfig) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger that writes to w
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *Logger {
	level := LogLevel(strings.ToLower(cfg.Level))
	if _, ok := levelOrder[level]; !ok {
		level = LevelInfo
	}

	return &Logger{
		out:    &output{writer: w, text: strings.EqualFold(cfg.Format, "text")},
		level:  level,
		fields: make(map[string]interface{}),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewLoggerWithWriter(config.LoggingConfig{Level: "fatal"}, io.Discard)
}

func (l *Logger) clone(fields map[string]interface{}) *Logger {
	return &Logger{
		out:       l.out,
		level:     l.level,
		component: l.component,
		fields:    fields,
	}
}

// WithComponent creates a new logger with a component name
func (l *Logger) WithComponent(component string) *Logger {
	logger := l.clone(copyFields(l.fields))
	logger.component = component
	return logger
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := copyFields(l.fields)
	for k, v := range fields {
		newFields[k] = v
	}
	return l.clone(newFields)
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	fields := copyFields(l.fields)
	fields[key] = value
	return l.clone(fields)
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.clone(copyFields(l.fields))

	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		logger.fields["request_id"] = requestID
	}
	if agentID, ok := ctx.Value(agentIDKey).(string); ok {
		logger.fields["agent_id"] = agentID
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok {
		logger.fields["job_id"] = jobID
	}

	return logger
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.log(LevelDebug, message, nil)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...), nil)
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.log(LevelInfo, message, nil)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.log(LevelWarn, message, nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, fmt.Sprintf(format, args...), nil)
}

// Error logs an error message
func (l *Logger) Error(message string, err error) {
	l.log(LevelError, message, err)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(err error, format string, args ...interface{}) {
	l.log(LevelError, fmt.Sprintf(format, args...), err)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, err error) {
	l.log(LevelFatal, message, err)
	os.Exit(1)
}

// LogRequest logs an HTTP request
func (l *Logger) LogRequest(method, path, remoteAddr, userAgent string, statusCode int, duration time.Duration) {
	if !l.shouldLog(LevelInfo) {
		return
	}
	entry := l.createEntry(LevelInfo, "HTTP request", nil)
	entry.Method = method
	entry.Path = path
	entry.RemoteAddr = remoteAddr
	entry.UserAgent = userAgent
	entry.StatusCode = &statusCode
	entry.Duration = &duration
	entry.Operation = "http_request"

	l.writeEntry(entry)
}

// LogRPC logs the outcome of a dispatched protocol method
func (l *Logger) LogRPC(method, agentID string, code int, duration time.Duration) {
	level := LevelInfo
	message := fmt.Sprintf("RPC %s", method)
	if code != 0 {
		level = LevelWarn
		message = fmt.Sprintf("RPC %s rejected", method)
	}
	if !l.shouldLog(level) {
		return
	}

	entry := l.createEntry(level, message, nil)
	entry.Operation = "rpc"
	entry.Method = method
	entry.Duration = &duration
	if agentID != "" {
		entry.AgentID = agentID
	}
	if code != 0 {
		entry.Fields = ensureFields(entry.Fields)
		entry.Fields["code"] = code
	}

	l.writeEntry(entry)
}

// LogJob logs job lifecycle transitions
func (l *Logger) LogJob(jobID, status string, attempt int, duration *time.Duration, err error) {
	level := LevelInfo
	message := fmt.Sprintf("Job %s", status)
	if err != nil {
		level = LevelError
		message = fmt.Sprintf("Job %s: %s", status, err.Error())
	}
	if !l.shouldLog(level) {
		return
	}

	entry := l.createEntry(level, message, err)
	entry.JobID = jobID
	entry.Operation = "job"
	entry.Duration = duration
	entry.Fields = ensureFields(entry.Fields)
	entry.Fields["status"] = status
	entry.Fields["attempt"] = attempt

	l.writeEntry(entry)
}

// LogAuth logs an authentication decision. Reasons are coarse categories only.
func (l *Logger) LogAuth(agentID, keyID, outcome, reason string) {
	level := LevelDebug
	if outcome != "ok" {
		level = LevelWarn
	}
	if !l.shouldLog(level) {
		return
	}

	entry := l.createEntry(level, "Authentication "+outcome, nil)
	entry.AgentID = agentID
	entry.Operation = "auth"
	entry.Fields = ensureFields(entry.Fields)
	if keyID != "" {
		entry.Fields["key_id"] = keyID
	}
	if reason != "" {
		entry.Fields["reason"] = reason
	}

	l.writeEntry(entry)
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, message string, err error) {
	if !l.shouldLog(level) {
		return
	}

	entry := l.createEntry(level, message, err)
	l.writeEntry(entry)
}

// createEntry creates a log entry
func (l *Logger) createEntry(level LogLevel, message string, err error) *LogEntry {
	entry := &LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Component: l.component,
		Fields:    copyFields(l.fields),
	}

	if err != nil {
		entry.Error = err.Error()
	}

	// Add caller information for errors and above
	if level == LevelError || level == LevelFatal {
		if pc, file, line, ok := runtime.Caller(3); ok {
			if fn := runtime.FuncForPC(pc); fn != nil {
				entry.Caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
			} else {
				entry.Caller = fmt.Sprintf("%s:%d", file, line)
			}
		}
	}

	// Promote context fields
	if requestID, ok := entry.Fields["request_id"].(string); ok {
		entry.RequestID = requestID
		delete(entry.Fields, "request_id")
	}
	if agentID, ok := entry.Fields["agent_id"].(string); ok {
		entry.AgentID = agentID
		delete(entry.Fields, "agent_id")
	}
	if jobID, ok := entry.Fields["job_id"].(string); ok {
		entry.JobID = jobID
		delete(entry.Fields, "job_id")
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	return entry
}

// writeEntry writes a log entry to the output
func (l *Logger) writeEntry(entry *LogEntry) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.text {
		fmt.Fprintln(l.out.writer, formatText(entry))
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to simple text output if JSON marshaling fails
		fmt.Fprintln(l.out.writer, formatText(entry))
		return
	}

	fmt.Fprintln(l.out.writer, string(data))
}

func formatText(entry *LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", entry.Timestamp.Format(time.RFC3339), strings.ToUpper(string(entry.Level)))
	if entry.Component != "" {
		fmt.Fprintf(&b, " [%s]", entry.Component)
	}
	b.WriteString(" ")
	b.WriteString(entry.Message)
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%q", entry.Error)
	}

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	return b.String()
}

// shouldLog determines if a message should be logged based on level
func (l *Logger) shouldLog(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[l.level]
}

// copyFields creates a copy of a fields map
func copyFields(fields map[string]interface{}) map[string]interface{} {
	copy := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copy[k] = v
	}
	return copy
}

func ensureFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return make(map[string]interface{})
	}
	return fields
}

// Context helper functions

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetAgentID extracts the agent ID from context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(agentIDKey).(string); ok {
		return agentID
	}
	return ""
}
