// Package logging provides the structured logging sink shared by every
// component of the proxy: the graph engine, transports, and node
// implementations. Child loggers carry structured fields (nodeId, nodeType,
// requestId, ...) rather than string prefixes so that per-node loggers
// attached during loadGraph stay greppable.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Field is a single structured key/value attached to a logger or a log call.
type Field struct {
	Key   string
	Value interface{}
}

func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Logger is a level-gated sink that writes formatted lines to a file or
// discards them. Child loggers inherit the parent's sink and level but
// carry their own accumulated fields.
type Logger struct {
	mu       sync.RWMutex
	level    *Level // shared with the root so SetLevel propagates to children
	logger   *log.Logger
	fields   []Field
	file     *os.File
	disabled bool
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Init initializes the process-wide global logger.
func Init(level Level, logPath string) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(level, logPath, false)
	})
	return err
}

// New creates a root Logger writing to logPath. If logPath is empty or level
// is LevelNone, no file is opened: the logger writes to stderr when
// toConsole is true and discards everything otherwise. With a file, setting
// toConsole also mirrors every logged line to stderr (handy when running
// acphastd attached to a terminal rather than as a daemon).
func New(level Level, logPath string, toConsole bool) (*Logger, error) {
	lvl := level
	l := &Logger{level: &lvl}

	if level == LevelNone || logPath == "" {
		if toConsole {
			l.logger = log.New(os.Stderr, "", 0)
			return l, nil
		}
		l.logger = log.New(io.Discard, "", 0)
		l.disabled = true
		return l, nil
	}

	if dir := filepath.Dir(logPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l.file = file
	var w io.Writer = file
	if toConsole {
		w = io.MultiWriter(file, os.Stderr)
	}
	l.logger = log.New(w, "", 0)
	return l, nil
}

// Global returns the process-wide logger, defaulting to a discarding logger
// if Init was never called.
func Global() *Logger {
	if globalLogger == nil {
		lvl := LevelNone
		globalLogger = &Logger{level: &lvl, logger: log.New(io.Discard, "", 0), disabled: true}
	}
	return globalLogger
}

// With returns a child logger carrying the parent's fields plus these.
// Used by the graph engine to bind {nodeId, nodeType} at loadGraph time.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{
		level:    l.level,
		logger:   l.logger,
		fields:   merged,
		file:     l.file,
		disabled: l.disabled,
	}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.level
}

func (l *Logger) fieldString() string {
	if len(l.fields) == 0 {
		return ""
	}
	// Stable order for diffable logs.
	sorted := append([]Field(nil), l.fields...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var b strings.Builder
	for i, f := range sorted {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", f.Key, f.Value)
	}
	return b.String()
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.disabled || level < *l.level {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	msg := fmt.Sprintf(format, args...)
	if fields := l.fieldString(); fields != "" {
		msg = msg + " " + fields
	}

	l.logger.Println(fmt.Sprintf("%s [%s] %s", timestamp, level, msg))
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Package-level convenience wrappers over the global logger.

func Debug(format string, args ...interface{}) { Global().Debug(format, args...) }
func Info(format string, args ...interface{})  { Global().Info(format, args...) }
func Warn(format string, args ...interface{})  { Global().Warn(format, args...) }
func Error(format string, args ...interface{}) { Global().Error(format, args...) }
