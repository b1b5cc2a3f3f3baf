package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"golang.zx2c4.com/wireguard/device"
)

// LogLevel is the verbosity threshold of the process logger
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLevel maps a level name (case-insensitive) to a LogLevel.
// Unknown names fall back to INFO and return false.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "TRACE":
		return DEBUG, true
	case "INFO", "":
		return INFO, true
	case "WARN", "WARNING":
		return WARN, true
	case "ERROR":
		return ERROR, true
	case "FATAL":
		return FATAL, true
	}
	return INFO, false
}

func (l LogLevel) apex() log.Level {
	switch l {
	case DEBUG:
		return log.DebugLevel
	case WARN:
		return log.WarnLevel
	case ERROR:
		return log.ErrorLevel
	case FATAL:
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Logger wraps an apex logger behind the printf-style API used across the daemon
type Logger struct {
	mu    sync.RWMutex
	base  *log.Logger
	level LogLevel
}

var defaultLogger atomic.Pointer[Logger]

// New creates a logger writing through handler h at the given level
func New(h log.Handler, level LogLevel) *Logger {
	return &Logger{
		base:  &log.Logger{Handler: h, Level: level.apex()},
		level: level,
	}
}

// Init sets up the process logger. A nil writer means stdout.
func Init(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.Store(New(text.New(w), INFO))
}

// GetLogger returns the process logger, creating a stdout logger on first use
func GetLogger() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultLogger.CompareAndSwap(nil, New(text.New(os.Stdout), INFO))
	return defaultLogger.Load()
}

// SetLogger replaces the process logger; used by tests to capture output
func SetLogger(l *Logger) {
	defaultLogger.Store(l)
}

// SetLevel changes the verbosity threshold
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.base = &log.Logger{Handler: l.base.Handler, Level: level.apex()}
}

// Level returns the current threshold
func (l *Logger) Level() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) apex() *log.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.apex().Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.apex().Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.apex().Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.apex().Errorf(format, args...)
}

// Fatal logs and exits the process
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.apex().Fatalf(format, args...)
}

// WireGuardLogger adapts the logger for the wireguard-go device
func (l *Logger) WireGuardLogger(prefix string) *device.Logger {
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			l.Debug(prefix+format, args...)
		},
		Errorf: func(format string, args ...any) {
			l.Error(prefix+format, args...)
		},
	}
}

func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().Fatal(format, args...)
}
