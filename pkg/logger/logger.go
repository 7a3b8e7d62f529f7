// Package logger provides the process-wide structured logger.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = newDefault().Sugar()

func newDefault() *zap.Logger {
	l, _ := zap.NewProduction()
	return l
}

// Setup rebuilds the global logger from the given level and format
// ("json" or "console"). The caller should defer Sync().
func Setup(level, format string) error {
	lvl := zap.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zap.DebugLevel
	case "info":
		lvl = zap.InfoLevel
	case "warn", "warning":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	if strings.ToLower(format) == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	log = l.Sugar()
	return nil
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = log.Sync()
}

// Debug logs a debug message with key-value pairs.
func Debug(msg string, kv ...any) { log.Debugw(msg, kv...) }

// Info logs an info message with key-value pairs.
func Info(msg string, kv ...any) { log.Infow(msg, kv...) }

// Warn logs a warning message with key-value pairs.
func Warn(msg string, kv ...any) { log.Warnw(msg, kv...) }

// Error logs an error message with key-value pairs.
func Error(msg string, kv ...any) { log.Errorw(msg, kv...) }
