// Package logging provides structured JSON logging for the offgrid engine.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelOrder = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a case-insensitive level name onto a LogLevel, defaulting
// to info for unknown names.
func ParseLevel(s string) LogLevel {
	switch level := LogLevel(strings.ToUpper(s)); level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return level
	}
	return LevelInfo
}

// Logger provides structured JSON logging.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
}

var (
	globalMu sync.Mutex
	global   *Logger
)

// Init configures the global logger. It replaces any default logger created
// lazily by Get, so a log call issued before configuration does not pin the
// defaults.
func Init(out io.Writer, minLevel LogLevel) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = &Logger{
		out:      out,
		minLevel: minLevel,
	}
}

// Get returns the global logger, creating a stdout logger at Info level if
// Init has not run yet.
func Get() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = &Logger{out: os.Stdout, minLevel: LevelInfo}
	}
	return global
}

// New creates a standalone logger, used where a non-global instance is
// needed (tests, embedded use).
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{out: out, minLevel: minLevel}
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Context:   context,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}

// shouldLog reports whether the level clears the configured minimum.
func (l *Logger) shouldLog(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, first(context))
}

// Info logs an informational message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, first(context))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, first(context))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, first(context))
}

func first(context []map[string]interface{}) map[string]interface{} {
	if len(context) > 0 {
		return context[0]
	}
	return nil
}

// Debug logs a debug message on the global logger.
func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

// Info logs an informational message on the global logger.
func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

// Warn logs a warning message on the global logger.
func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

// Error logs an error message on the global logger.
func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
