package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
	Fields  map[string]string
}

// Logger provides printf-style structured logging with streaming support.
// Loggers derived with WithFields share output, level and subscribers with their parent.
type Logger struct {
	core   *core
	fields map[string]string
}

type core struct {
	serviceName string
	version     string
	out         *logrus.Logger

	mu          sync.RWMutex
	subscribers []chan LogEntry
}

// New creates a new logger instance writing to stderr
func New(serviceName, version string) *Logger {
	return NewWithOutput(serviceName, version, os.Stderr)
}

// NewWithOutput creates a logger writing to w
func NewWithOutput(serviceName, version string, w io.Writer) *Logger {
	out := logrus.New()
	out.SetOutput(w)
	out.SetLevel(logrus.InfoLevel)
	out.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	return &Logger{
		core: &core{
			serviceName: serviceName,
			version:     version,
			out:         out,
			subscribers: make([]chan LogEntry, 0),
		},
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWithOutput("nop", "", io.Discard)
}

// SetLevel sets the minimum level (debug, info, warn, error)
func (l *Logger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.core.out.SetLevel(lvl)
	return nil
}

// Subscribe returns a channel to receive log entries
func (l *Logger) Subscribe() <-chan LogEntry {
	ch := make(chan LogEntry, 100)

	l.core.mu.Lock()
	l.core.subscribers = append(l.core.subscribers, ch)
	l.core.mu.Unlock()

	return ch
}

// WithFields returns a logger that attaches fields to every entry
func (l *Logger) WithFields(fields map[string]string) *Logger {
	merged := make(map[string]string, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{core: l.core, fields: merged}
}

// WithComponent is shorthand for WithFields with a component name
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(map[string]string{"component": name})
}

func toLogrusLevel(level string) logrus.Level {
	switch level {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	case "FATAL":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *Logger) log(level, message string) {
	lvl := toLogrusLevel(level)
	if !l.core.out.IsLevelEnabled(lvl) {
		return
	}

	fields := logrus.Fields{"service": l.core.serviceName}
	if l.core.version != "" {
		fields["version"] = l.core.version
	}
	for k, v := range l.fields {
		fields[k] = v
	}
	l.core.out.WithFields(fields).Log(lvl, message)

	entry := LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: message,
		Fields:  l.fields,
	}

	// Always send to subscribers if any
	l.core.mu.RLock()
	for _, ch := range l.core.subscribers {
		select {
		case ch <- entry:
		default:
			// Skip if channel is full
		}
	}
	l.core.mu.RUnlock()
}

func render(message string, args []interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(message, args...)
	}
	return message
}

// Debug logs a debug message with optional formatting
func (l *Logger) Debug(message string, args ...interface{}) {
	l.log("DEBUG", render(message, args))
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log("DEBUG", fmt.Sprintf(format, args...))
}

// Info logs an info message with optional formatting
func (l *Logger) Info(message string, args ...interface{}) {
	l.log("INFO", render(message, args))
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log("INFO", fmt.Sprintf(format, args...))
}

// Warn logs a warning message with optional formatting
func (l *Logger) Warn(message string, args ...interface{}) {
	l.log("WARN", render(message, args))
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log("WARN", fmt.Sprintf(format, args...))
}

// Error logs an error message with optional formatting
func (l *Logger) Error(message string, args ...interface{}) {
	l.log("ERROR", render(message, args))
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log("ERROR", fmt.Sprintf(format, args...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) {
	l.log("FATAL", message)
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log("FATAL", fmt.Sprintf(format, args...))
	os.Exit(1)
}
