// Package logging provides a printf-style component logger for the daemon.
//
// Log lines go to ~/.ami/logs/app.log and stdout. Secrets (bearer tokens,
// api keys) are redacted before a line is written anywhere.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	sinkInstance *sink
	sinkOnce     sync.Once
)

// sink owns the shared log file; component loggers fan into it.
type sink struct {
	file   *os.File
	logger *log.Logger
	level  Level
	mu     sync.Mutex
}

func getSink() *sink {
	sinkOnce.Do(func() {
		sinkInstance = newSink(LevelDebug)
	})
	return sinkInstance
}

func newSink(level Level) *sink {
	s := &sink{level: level}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("logging: failed to resolve home directory: %v", err)
		return s
	}
	logDir := filepath.Join(home, ".ami", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("logging: failed to create log directory: %v", err)
		return s
	}
	file, err := os.OpenFile(filepath.Join(logDir, "app.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logging: failed to open log file: %v", err)
		return s
	}
	s.file = file
	s.logger = log.New(file, "", 0) // we format ourselves
	return s
}

// SetLevel sets the minimum level for the shared sink.
func SetLevel(level Level) {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// ParseLevel maps a level name to a Level; unknown names default to info.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// componentLogger scopes the shared sink to a component name.
type componentLogger struct {
	component string
}

// NewComponentLogger returns a logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *componentLogger) log(level Level, format string, args ...any) {
	s := getSink()
	if level < s.level {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "AMI"
	}
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	sanitized := sanitizeLogLine(logLine)

	if s.logger != nil {
		s.logger.Print(sanitized)
	}
	fmt.Print(sanitized)
}

func levelToString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

const redactionPlaceholder = "[REDACTED]"

var (
	bearerTokenPattern   = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	sensitivePairPattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|token|secret|password|cookie|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+)`,
	)
)

func sanitizeLogLine(line string) string {
	sanitized := bearerTokenPattern.ReplaceAllString(line, "${1}"+redactionPlaceholder)
	sanitized = sensitivePairPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		sub := sensitivePairPattern.FindStringSubmatch(match)
		if len(sub) != 4 {
			return match
		}
		return sub[1] + redactionPlaceholder + sub[3]
	})
	sanitized = standaloneSecretPattern.ReplaceAllString(sanitized, redactionPlaceholder)
	return sanitized
}
