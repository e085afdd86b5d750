// Package logger is the leveled printf-style logger shared by the manager,
// supervisor and worker processes. Every line carries the writing pid so
// the interleaved stderr of a process tree stays readable.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables all logging
	LevelNone
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a level name. Unknown names mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

const timeLayout = "2006-01-02 15:04:05.000"

// sink is the destination shared by a logger and everything derived from
// it with WithPrefix.
type sink struct {
	level atomic.Int32
	pid   int

	mu     sync.Mutex
	w      io.Writer
	file   *os.File
	closed bool
}

func (s *sink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, _ = io.WriteString(s.w, line)
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Logger writes leveled, prefixed lines to a file or writer.
type Logger struct {
	out    *sink
	prefix string
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// Init makes the global logger append to logPath. An empty path
// disables logging.
func Init(level Level, logPath string) error {
	l, err := New(level, logPath, "")
	if err != nil {
		return err
	}
	setGlobal(l)
	return nil
}

// InitWriter makes the global logger write to w. Supervisor and worker
// processes use this with os.Stderr so their lines end up in the
// manager's output.
func InitWriter(level Level, w io.Writer, prefix string) {
	setGlobal(NewWriter(level, w, prefix))
}

func setGlobal(l *Logger) {
	globalMu.Lock()
	old := globalLogger
	globalLogger = l
	globalMu.Unlock()

	if old != nil && old.out != l.out {
		_ = old.Close()
	}
}

// New creates a Logger appending to the file at logPath.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone || logPath == "" {
		return NewWriter(LevelNone, nil, prefix), nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := NewWriter(level, file, prefix)
	l.out.file = file
	return l, nil
}

// NewWriter creates a Logger that writes to w. A nil w discards.
func NewWriter(level Level, w io.Writer, prefix string) *Logger {
	if w == nil {
		w = io.Discard
		level = LevelNone
	}
	out := &sink{w: w, pid: os.Getpid()}
	out.level.Store(int32(level))
	return &Logger{out: out, prefix: prefix}
}

// Global returns the process logger. It discards until Init or
// InitWriter is called.
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewWriter(LevelNone, nil, "")
	}
	return globalLogger
}

// WithPrefix derives a logger that shares the destination and appends
// prefix to the existing one, separated by a colon.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l.prefix != "" {
		prefix = l.prefix + ":" + prefix
	}
	return &Logger{out: l.out, prefix: prefix}
}

// SetLevel changes the level of this logger and every logger sharing its
// destination.
func (l *Logger) SetLevel(level Level) {
	l.out.level.Store(int32(level))
}

func (l *Logger) GetLevel() Level {
	return Level(l.out.level.Load())
}

func (l *Logger) enabled(level Level) bool {
	current := l.GetLevel()
	return current != LevelNone && level >= current
}

func (l *Logger) log(level Level, format string, args ...any) {
	if !l.enabled(level) {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(timeLayout))
	fmt.Fprintf(&b, " %d [%s] ", l.out.pid, level)
	if l.prefix != "" {
		b.WriteString("[" + l.prefix + "] ")
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	l.out.write(b.String())
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Fatal logs an unrecoverable condition at error level. It does not exit;
// the caller decides how to wind down.
func (l *Logger) Fatal(format string, args ...any) {
	l.log(LevelError, "FATAL: "+format, args...)
}

// Close closes the destination. Every logger sharing it goes quiet.
func (l *Logger) Close() error {
	return l.out.close()
}

func Debug(format string, args ...any) { Global().Debug(format, args...) }
func Info(format string, args ...any)  { Global().Info(format, args...) }
func Warn(format string, args ...any)  { Global().Warn(format, args...) }
func Error(format string, args ...any) { Global().Error(format, args...) }
func Fatal(format string, args ...any) { Global().Fatal(format, args...) }
