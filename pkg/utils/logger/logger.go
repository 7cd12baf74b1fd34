package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"apexhv/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv names the environment variable that overrides the configured level.
const LevelEnv = "APEXHV_LOG"

const defaultLevel = "info"

var globalLogger *Logger

// Logger wraps zap logger with context support
type Logger struct {
	zap *zap.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`      // trace, debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path or "stdout"
	ErrorPath  string `yaml:"errorPath"`  // error log file path or "stderr"
}

// Init initializes the global logger
func Init(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// ResolveLevel picks the level from the environment, then the configured value,
// then the fixed default.
func ResolveLevel(configured string) string {
	if env := strings.TrimSpace(os.Getenv(LevelEnv)); env != "" {
		return env
	}
	if configured != "" {
		return configured
	}
	return defaultLevel
}

// parseLevel maps a level name onto zap. zap has no trace level, so trace is
// debug with stack traces attached from warn upwards.
func parseLevel(name string) (zapcore.Level, zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = defaultLevel
	}
	if name == "trace" {
		return zapcore.DebugLevel, zapcore.WarnLevel, nil
	}
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return level, zapcore.ErrorLevel, fmt.Errorf("invalid log level: %w", err)
	}
	return level, zapcore.ErrorLevel, nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg Config) (*Logger, error) {
	level, stackLevel, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	// Encoder config
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    "func",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     customTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Choose encoder
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	// Output paths
	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = "stdout"
	}

	var writeSyncer zapcore.WriteSyncer
	switch outputPath {
	case "stdout":
		writeSyncer = zapcore.AddSync(os.Stdout)
	case "stderr":
		writeSyncer = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	}

	errorPath := cfg.ErrorPath
	if errorPath == "" {
		errorPath = "stderr"
	}
	var errorSyncer zapcore.WriteSyncer
	switch errorPath {
	case "stderr":
		errorSyncer = zapcore.AddSync(os.Stderr)
	case "stdout":
		errorSyncer = zapcore.AddSync(os.Stdout)
	default:
		file, err := os.OpenFile(errorPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open error log file: %w", err)
		}
		errorSyncer = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	// Create logger with caller info; internal zap errors go to the error path
	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(stackLevel),
		zap.ErrorOutput(errorSyncer),
	)

	return &Logger{zap: zapLogger}, nil
}

// NewWriterLogger builds a JSON logger on an arbitrary writer. Tests use it to
// capture output.
func NewWriterLogger(w io.Writer, level string) (*Logger, error) {
	lvl, stackLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = customTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(w), lvl)
	return &Logger{zap: zap.New(core, zap.AddStacktrace(stackLevel))}, nil
}

// SetGlobal replaces the global logger.
func SetGlobal(l *Logger) {
	globalLogger = l
}

// customTimeEncoder formats time in RFC3339 format with milliseconds
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02T15:04:05.000Z07:00"))
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithContext extracts fields from context (boot id, partition) and returns logger with those fields
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	fields := extractFieldsFromContext(ctx)
	return l.zap.With(fields...)
}

// extractFieldsFromContext extracts structured fields from context
func extractFieldsFromContext(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field

	if bootID := ctx.Value(contextkey.BootID); bootID != nil {
		fields = append(fields, zap.String("boot_id", fmt.Sprint(bootID)))
	}

	if partition := ctx.Value(contextkey.Partition); partition != nil {
		fields = append(fields, zap.String("partition", fmt.Sprint(partition)))
	}

	return fields
}

// WithBootID stores the hypervisor run identifier in ctx.
func WithBootID(ctx context.Context, bootID string) context.Context {
	return context.WithValue(ctx, contextkey.BootID, bootID)
}

// WithPartition stores the partition name in ctx.
func WithPartition(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, contextkey.Partition, name)
}

// Global logger convenience functions

// Debug logs a debug message
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Debug(msg, fields...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Info(msg, fields...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Warn(msg, fields...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Error(msg, fields...)
}

// Log logs at a level given by name; unknown names log at info.
func Log(ctx context.Context, level string, msg string, fields ...zap.Field) {
	switch strings.ToLower(level) {
	case "trace", "debug":
		Debug(ctx, msg, fields...)
	case "warn", "warning":
		Warn(ctx, msg, fields...)
	case "error":
		Error(ctx, msg, fields...)
	default:
		Info(ctx, msg, fields...)
	}
}

// Sync flushes the global logger
func Sync() error {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Sync()
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	return globalLogger
}
