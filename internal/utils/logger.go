// internal/utils/logger.go

package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for logging throughout the application.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warn(msg string)
	Warnf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// LogConfig configures the global log sink.
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
	Console    bool   `yaml:"console" json:"console"`
	JSON       bool   `yaml:"json" json:"json"`
	// StackTraces captures call stacks on structured errors; internal
	// failures then log them.
	StackTraces     bool `yaml:"stack_traces" json:"stack_traces"`
	StackTraceDepth int  `yaml:"stack_trace_depth,omitempty" json:"stack_trace_depth,omitempty"`
}

var (
	baseMu     sync.RWMutex
	baseLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// InitLogger replaces the global log sink. Loggers created earlier through
// NewComponentLogger pick up the new sink on their next call.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console || cfg.File == "" {
		if cfg.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		}
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	logger := zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger().Level(level)

	baseMu.Lock()
	baseLogger = logger
	baseMu.Unlock()

	errCfg := DefaultErrorConfig()
	errCfg.EnableStackTrace = cfg.StackTraces
	if cfg.StackTraceDepth > 0 {
		errCfg.StackTraceDepth = cfg.StackTraceDepth
	}
	SetGlobalErrorConfig(errCfg)
	return nil
}

// SetOutput points the global sink at w. Tests use it to capture output.
func SetOutput(w io.Writer, level zerolog.Level) {
	baseMu.Lock()
	baseLogger = zerolog.New(w).With().Timestamp().Logger().Level(level)
	baseMu.Unlock()
}

func currentBase() zerolog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return baseLogger
}

// ZeroLogger adapts zerolog to the Logger interface.
type ZeroLogger struct {
	fields map[string]interface{}
}

// NewLogger returns a logger without component scope.
func NewLogger() Logger {
	return &ZeroLogger{fields: map[string]interface{}{}}
}

// NewComponentLogger returns a logger tagged with the component name.
func NewComponentLogger(component string) Logger {
	return &ZeroLogger{fields: map[string]interface{}{"component": component}}
}

// NopLogger discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

func (l *ZeroLogger) event(level zerolog.Level) *zerolog.Event {
	base := currentBase()
	ev := base.WithLevel(level)
	if ev == nil {
		return nil
	}
	return ev.Fields(l.fields)
}

func (l *ZeroLogger) Debug(msg string) {
	if ev := l.event(zerolog.DebugLevel); ev != nil {
		ev.Msg(msg)
	}
}

func (l *ZeroLogger) Debugf(format string, args ...interface{}) {
	if ev := l.event(zerolog.DebugLevel); ev != nil {
		ev.Msgf(format, args...)
	}
}

func (l *ZeroLogger) Info(msg string) {
	if ev := l.event(zerolog.InfoLevel); ev != nil {
		ev.Msg(msg)
	}
}

func (l *ZeroLogger) Infof(format string, args ...interface{}) {
	if ev := l.event(zerolog.InfoLevel); ev != nil {
		ev.Msgf(format, args...)
	}
}

func (l *ZeroLogger) Warn(msg string) {
	if ev := l.event(zerolog.WarnLevel); ev != nil {
		ev.Msg(msg)
	}
}

func (l *ZeroLogger) Warnf(format string, args ...interface{}) {
	if ev := l.event(zerolog.WarnLevel); ev != nil {
		ev.Msgf(format, args...)
	}
}

func (l *ZeroLogger) Error(msg string) {
	if ev := l.event(zerolog.ErrorLevel); ev != nil {
		ev.Msg(msg)
	}
}

func (l *ZeroLogger) Errorf(format string, args ...interface{}) {
	if ev := l.event(zerolog.ErrorLevel); ev != nil {
		ev.Msgf(format, args...)
	}
}

func (l *ZeroLogger) WithField(key string, value interface{}) Logger {
	newFields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &ZeroLogger{fields: newFields}
}

func (l *ZeroLogger) WithFields(fields map[string]interface{}) Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &ZeroLogger{fields: newFields}
}

type nopLogger struct{}

func (nopLogger) Debug(string)                                 {}
func (nopLogger) Debugf(string, ...interface{})                {}
func (nopLogger) Info(string)                                  {}
func (nopLogger) Infof(string, ...interface{})                 {}
func (nopLogger) Warn(string)                                  {}
func (nopLogger) Warnf(string, ...interface{})                 {}
func (nopLogger) Error(string)                                 {}
func (nopLogger) Errorf(string, ...interface{})                {}
func (n nopLogger) WithField(string, interface{}) Logger       { return n }
func (n nopLogger) WithFields(map[string]interface{}) Logger   { return n }
