// Package logger provides structured logging for the dataflow engine
package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	mu           sync.RWMutex
)

// contextKey is the type for context keys
type contextKey string

const (
	// RunIDKey is the context key for the engine run ID
	RunIDKey contextKey = "run_id"
	// fieldsKey carries accumulated zap fields, typically entity labels
	fieldsKey contextKey = "fields"
)

// Config represents logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init builds a logger from cfg and installs it as the global logger
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// New creates a zap logger. An empty level means info; "warning" is accepted
// as an alias of warn.
func New(cfg Config) (*zap.Logger, error) {
	levelName := strings.ToLower(cfg.Level)
	switch levelName {
	case "":
		levelName = "info"
	case "warning":
		levelName = "warn"
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}
	if encoding != "json" && encoding != "console" {
		return nil, fmt.Errorf("invalid log encoding %q", encoding)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if cfg.Development {
		l = l.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return l, nil
}

// Get returns the global logger, creating an info level JSON logger on first
// use
func Get() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		var err error
		globalLogger, err = New(Config{Level: "info", Encoding: "json"})
		if err != nil {
			globalLogger = zap.NewNop()
		}
	}
	return globalLogger
}

// Set replaces the global logger, mainly for tests and embedding
func Set(l *zap.Logger) {
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Sync()
}

// ContextWithFields returns a context carrying fields that WithContext will
// attach to every logger derived from it. Fields accumulate across calls.
func ContextWithFields(ctx context.Context, fields ...zap.Field) context.Context {
	existing, _ := ctx.Value(fieldsKey).([]zap.Field)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey, merged)
}

// FieldsFromContext returns the fields stored by ContextWithFields
func FieldsFromContext(ctx context.Context) []zap.Field {
	fields, _ := ctx.Value(fieldsKey).([]zap.Field)
	return fields
}

// WithContext returns the global logger decorated with the run ID and the
// fields carried by ctx
func WithContext(ctx context.Context) *zap.Logger {
	return Decorate(Get(), ctx)
}

// Decorate adds the run ID and the fields carried by ctx to l
func Decorate(l *zap.Logger, ctx context.Context) *zap.Logger {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		l = l.With(zap.String(string(RunIDKey), runID))
	}
	if fields := FieldsFromContext(ctx); len(fields) > 0 {
		l = l.With(fields...)
	}
	return l
}
