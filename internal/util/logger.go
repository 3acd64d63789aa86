package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a scoped logrus logger. Every logger derived from the same
// root shares one in-memory buffer, which GET /logs serves.
type Logger struct {
	base   *logrus.Logger
	scope  string
	buffer *memoryHook
}

// NewLogger creates a logger writing to stdout
func NewLogger(level string) *Logger {
	return NewLoggerWithOutput(level, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to out
func NewLoggerWithOutput(level string, out io.Writer) *Logger {
	buffer := &memoryHook{}
	return &Logger{
		base:   newBase(level, out, &logrus.TextFormatter{FullTimestamp: true}, buffer),
		buffer: buffer,
	}
}

func newBase(level string, out io.Writer, formatter logrus.Formatter, buffer *memoryHook) *logrus.Logger {
	base := logrus.New()
	base.SetFormatter(formatter)
	base.SetOutput(out)
	base.SetLevel(ParseLevel(level))
	base.AddHook(buffer)
	return base
}

// ParseLevel maps mountebank level names onto logrus levels; unknown
// names mean info
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithScope returns a logger prefixing messages with [scope]
func (l *Logger) WithScope(scope string) *Logger {
	return &Logger{base: l.base, scope: scope, buffer: l.buffer}
}

// AtLevel returns a logger with the same output, scope and buffer that
// filters at level instead
func (l *Logger) AtLevel(level string) *Logger {
	return &Logger{
		base:   newBase(level, l.base.Out, l.base.Formatter, l.buffer),
		scope:  l.scope,
		buffer: l.buffer,
	}
}

// ScopePrefix returns the scope
func (l *Logger) ScopePrefix() string {
	return l.scope
}

func (l *Logger) log(level logrus.Level, msg string) {
	if l.scope != "" {
		msg = "[" + l.scope + "] " + msg
	}
	l.base.Log(level, msg)
}

func (l *Logger) Debug(args ...interface{}) { l.log(logrus.DebugLevel, fmt.Sprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.log(logrus.InfoLevel, fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.log(logrus.WarnLevel, fmt.Sprint(args...)) }
func (l *Logger) Error(args ...interface{}) { l.log(logrus.ErrorLevel, fmt.Sprint(args...)) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(logrus.DebugLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(logrus.InfoLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(logrus.WarnLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(logrus.ErrorLevel, fmt.Sprintf(format, args...))
}

// LogEntry is one captured log line
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// memoryHook keeps every entry the logger emits
type memoryHook struct {
	mu      sync.RWMutex
	entries []LogEntry
}

func (h *memoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *memoryHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, LogEntry{
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Timestamp: entry.Time.Format(time.RFC3339),
	})
	return nil
}

// GetEntries returns the captured entries in [start, end). Bounds are
// clamped; a negative end means through the last entry.
func (l *Logger) GetEntries(start, end int) []LogEntry {
	h := l.buffer
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := len(h.entries)
	start = max(0, min(start, total))
	if end < 0 || end > total {
		end = total
	}
	if start >= end {
		return []LogEntry{}
	}
	return append([]LogEntry(nil), h.entries[start:end]...)
}
