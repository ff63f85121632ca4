// Package logging provides leveled console output for queue components.
// Durable state lives in the streams; this package only reports what the
// producer, consumers and reclaimer are doing as it happens.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Fields carries structured key=value context for one entry.
type Fields map[string]interface{}

// Logger writes one line per entry: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "WARNING" {
		lvl = LevelWarn
	}
	if _, ok := levelPriority[lvl]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// WithComponent returns a new logger with the given component name.
// The copy shares the parent's output and lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Queue event helpers ---

// TaskClaimed logs a claimed task.
func (l *Logger) TaskClaimed(taskID, entryID, taskType string, retryCount int) {
	l.Debug("task_claimed", Fields{
		"task":    taskID,
		"entry":   entryID,
		"type":    taskType,
		"attempt": retryCount + 1,
	})
}

// TaskAcked logs a successful completion.
func (l *Logger) TaskAcked(taskID string, duration time.Duration) {
	l.Info("task_acked", Fields{
		"task":     taskID,
		"duration": duration.String(),
	})
}

// TaskRetried logs a requeue after failure.
func (l *Logger) TaskRetried(taskID string, retryCount, maxRetries int, reason string) {
	l.Warn("task_retried", Fields{
		"task":        taskID,
		"retry_count": retryCount,
		"max_retries": maxRetries,
		"error":       reason,
	})
}

// TaskDeadLettered logs a terminal failure.
func (l *Logger) TaskDeadLettered(taskID string, retryCount int, reason string) {
	l.Error("task_dead_lettered", Fields{
		"task":        taskID,
		"retry_count": retryCount,
		"error":       reason,
	})
}

// SweepComplete logs the outcome of a reclaim sweep.
func (l *Logger) SweepComplete(scanned, reclaimed int, duration time.Duration) {
	fields := Fields{
		"scanned":   scanned,
		"reclaimed": reclaimed,
		"duration":  duration.String(),
	}
	if reclaimed > 0 {
		l.Info("sweep_complete", fields)
	} else {
		l.Debug("sweep_complete", fields)
	}
}
