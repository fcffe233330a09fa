package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents an enumeration of log levels
type Level int

const (
	Critical Level = 50
	Fatal    Level = Critical
	Error    Level = 40
	Warning  Level = 30
	Info     Level = 20
	Debug    Level = 10
	NotSet   Level = 0
)

// Logger provides structured logging with context
type Logger struct {
	prefix   string
	logger   *log.Logger
	level    Level
	levelMux sync.Mutex
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, level ...Level) *Logger {
	levelValue := Warning
	if len(level) > 0 {
		levelValue = level[0]
	}
	localEnv := os.Getenv("LOCAL")
	if strings.ToLower(localEnv) == "true" || localEnv == "1" {
		levelValue = Debug
	}
	return &Logger{
		prefix: prefix,
		logger: log.New(os.Stdout, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
		level:  levelValue,
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.levelMux.Lock()
	defer l.levelMux.Unlock()
	l.level = level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(Debug, "DEBUG", msg, keyvals...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(Info, "INFO", msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(Warning, "WARN", msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(Error, "ERROR", msg, keyvals...)
}

func (l *Logger) log(level Level, tag, msg string, keyvals ...interface{}) {
	l.levelMux.Lock()
	defer l.levelMux.Unlock()
	if l.level > level {
		return
	}
	l.logger.Println(l.formatMessage(tag, msg, keyvals...))
}

// formatMessage formats a message with key-value pairs
func (l *Logger) formatMessage(level, msg string, keyvals ...interface{}) string {
	formatted := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			formatted += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
		}
	}
	return formatted
}
