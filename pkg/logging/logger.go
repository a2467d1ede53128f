// Package logging provides the structured logger used across the library.
// Estimator diagnostics (proposal importance weights, per-step designs) are
// emitted here at DEBUG severity instead of being printed inline.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogEntry is a single structured log record.
type LogEntry struct {
	Time     int64
	Severity Severity
	Message  string
	File     string
	Line     int
	Fields   map[string]interface{}
}

// Output is a logging destination.
type Output interface {
	Write(LogEntry) error
	Sync() error
	Close() error
}

// Logger provides the core logging functionality.
type Logger struct {
	mu       sync.Mutex
	severity Severity
	outputs  []Output
	fields   map[string]interface{} // default fields for all logs
}

// Config allows flexible logger configuration.
type Config struct {
	Severity      Severity
	Outputs       []Output
	DefaultFields map[string]interface{}
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg Config) *Logger {
	return &Logger{
		severity: cfg.Severity,
		outputs:  cfg.Outputs,
		fields:   cfg.DefaultFields,
	}
}

func (l *Logger) logf(s Severity, fields map[string]interface{}, format string, args ...interface{}) {
	if s < l.severity {
		return
	}

	_, file, line, _ := runtime.Caller(2)

	entry := LogEntry{
		Time:     time.Now().UnixNano(),
		Severity: s,
		Message:  fmt.Sprintf(format, args...),
		File:     filepath.Base(file),
		Line:     line,
		Fields:   make(map[string]interface{}),
	}
	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for k, v := range fields {
		entry.Fields[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, out := range l.outputs {
		if err := out.Write(entry); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write log entry: %v\n", err)
		}
	}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.logf(DEBUG, nil, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.logf(INFO, nil, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.logf(WARN, nil, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.logf(ERROR, nil, format, args...) }

// DebugWith logs at DEBUG severity with structured fields, the channel the
// numerical telemetry of the estimators goes through.
func (l *Logger) DebugWith(fields map[string]interface{}, format string, args ...interface{}) {
	l.logf(DEBUG, fields, format, args...)
}

// GetLogger returns the global logger instance, creating a default
// INFO-level console logger on first use.
func GetLogger() *Logger {
	mu.RLock()
	if l := defaultLogger; l != nil {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(Config{
			Severity: INFO,
			Outputs:  []Output{NewConsoleOutput(true)},
		})
	}
	return defaultLogger
}

// SetLogger replaces the global logger instance.
func SetLogger(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := ""
	for _, k := range keys {
		parts += fmt.Sprintf(" %s=%v", k, fields[k])
	}
	return parts
}
