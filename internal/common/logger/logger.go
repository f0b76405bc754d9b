// Package logger provides the structured zap logger every component of
// the task execution core is constructed with. Two logger shapes exist:
// the process-wide logger built from configuration at startup, and the
// per-task file logger that writes one task's dispatcher trail to its
// workspace (logs/dispatcher.log).
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects level, encoding and destination for a logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console/text
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or a file path
}

// Logger wraps *zap.Logger so components carry one import and the field
// vocabulary of this service (task_id above all) stays in one place.
type Logger struct {
	zap *zap.Logger
}

// NewLogger builds a Logger from cfg. An empty level means info; "text"
// is accepted as an alias for console encoding.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	switch cfg.Format {
	case "console", "text":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zcfg.Encoding = "json"
	}

	if cfg.OutputPath != "" {
		zcfg.OutputPaths = []string{cfg.OutputPath}
		zcfg.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	zl, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return &Logger{zap: zl}, nil
}

// NewTaskFileLogger builds the per-task dispatcher logger: JSON lines at
// debug level appended to path. It is independent of the process-wide
// logger, so one task's trail never interleaves with another's.
func NewTaskFileLogger(path string) (*Logger, error) {
	return NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a new Logger with the given fields attached to every
// subsequent entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithTaskID returns a new Logger tagged with the task driving the
// current work. Every per-task collaborator (Dispatcher, Planner, Worker,
// Reflector) logs through one of these.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.WithFields(zap.String("task_id", taskID))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}
