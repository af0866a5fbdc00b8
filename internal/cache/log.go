package cache

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// LogLevel controls how chatty the cache's observability hook is.
type LogLevel int32

const (
	// LogNone disables save/fetch/expire messages
	LogNone LogLevel = iota
	// LogInfo reports entry lifecycle events
	LogInfo
	// LogDebug also reports lookups and disk activity
	LogDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "none"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLogLevel parses "none", "info" or "debug". Unknown values map to none.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LogInfo
	case "debug", "trace":
		return LogDebug
	default:
		return LogNone
	}
}

// Category groups log messages by lifecycle event.
type Category int

const (
	CategorySave Category = iota
	CategoryFetch
	CategoryExpire
)

func (c Category) String() string {
	switch c {
	case CategorySave:
		return "save"
	case CategoryFetch:
		return "fetch"
	case CategoryExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// Logger is the cache's logging sink. Lifecycle messages are gated by the
// configured LogLevel; programmer and I/O errors are always reported.
type Logger struct {
	base  *log.Logger
	level atomic.Int32
}

// NewLogger wraps base. A nil base logs to stderr.
func NewLogger(base *log.Logger, level LogLevel) *Logger {
	if base == nil {
		base = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "cacheit",
			Level:  log.DebugLevel,
		})
	}
	l := &Logger{base: base}
	l.SetLevel(level)
	return l
}

// SetLevel changes the lifecycle log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// Level returns the lifecycle log level.
func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// Log emits a lifecycle message if level is enabled.
func (l *Logger) Log(msg string, category Category, level LogLevel, keyvals ...interface{}) {
	if l == nil || level == LogNone || l.Level() < level {
		return
	}

	keyvals = append([]interface{}{"category", category.String()}, keyvals...)
	switch level {
	case LogDebug:
		l.base.Debug(msg, keyvals...)
	default:
		l.base.Info(msg, keyvals...)
	}
}

// Warn reports a recoverable problem such as a skipped file.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	l.base.Warn(msg, keyvals...)
}

// Error reports a dropped request or failed I/O.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	l.base.Error(msg, keyvals...)
}
