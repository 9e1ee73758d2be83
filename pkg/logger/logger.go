// Package logger provides structured logging for scpipe.
//
// A single global zap logger is shared by all stages. Run, stage and
// sample identity travel through the context: the pipeline attaches
// them with the Context* constructors and every log call recovers them
// with WithContext, so a grep for one run_id yields the full story of
// that run.
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// contextKey is the type for context keys
type contextKey string

const (
	// RunIDKey is the context key for the pipeline run ID
	RunIDKey contextKey = "run_id"
	// StageKey is the context key for the pipeline stage name
	StageKey contextKey = "stage"
	// SampleKey is the context key for the sample label
	SampleKey contextKey = "sample"
)

// Config represents logger configuration
type Config struct {
	Level    string
	Encoding string // json or console
}

// Init initializes the global logger. Only the first call takes
// effect; later calls are no-ops so libraries cannot reconfigure the
// binary's logging.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = newLogger(cfg)
	})
	return err
}

// newLogger creates a new zap logger
func newLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: cfg.Encoding,
		EncoderConfig: zapcore.EncoderConfig{
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
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// Get returns the global logger, initializing it with info-level JSON
// output if Init was never called.
func Get() *zap.Logger {
	if globalLogger == nil {
		if err := Init(Config{Level: "info", Encoding: "json"}); err != nil {
			logger, _ := zap.NewProduction()
			globalLogger = logger
		}
	}
	return globalLogger
}

// ContextWithRun attaches a run ID to the context.
func ContextWithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// ContextWithStage attaches a stage name to the context.
func ContextWithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}

// ContextWithSample attaches a sample label to the context.
func ContextWithSample(ctx context.Context, sample string) context.Context {
	return context.WithValue(ctx, SampleKey, sample)
}

// WithContext returns the global logger annotated with whichever of
// run_id, stage and sample the context carries.
func WithContext(ctx context.Context) *zap.Logger {
	logger := Get()

	for _, key := range []contextKey{RunIDKey, StageKey, SampleKey} {
		if value, ok := ctx.Value(key).(string); ok {
			logger = logger.With(zap.String(string(key), value))
		}
	}

	return logger
}

// Sync flushes any buffered log entries
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
