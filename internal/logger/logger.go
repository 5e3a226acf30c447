// Package logger provides the process-wide structured logger used by
// every engine. It wraps zap rather than re-deriving zap's own API.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.Logger

func init() {
	// Usable before Init() runs (tests, early bootstrap).
	base = zap.NewNop()
}

// Init builds the process logger. level is one of debug/info/warn/error.
func Init(level string, development bool) error {
	lvl := zapcore.InfoLevel
	_ = lvl.UnmarshalText([]byte(level))

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	base = l
	return nil
}

// L returns the process logger.
func L() *zap.Logger { return base }

func Debug(msg string, fields ...zap.Field) { base.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { base.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { base.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { base.Error(msg, fields...) }

// Sync flushes buffered log entries; call on shutdown.
func Sync() error { return base.Sync() }

// With returns a child logger with the given fields attached to every entry.
func With(fields ...zap.Field) *zap.Logger { return base.With(fields...) }
