// SPDX-License-Identifier: Apache-2.0

// Package log wires go.uber.org/zap behind logr.Logger so every
// controller depends only on logr and never imports zap directly.
package log

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the zap encoder.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Level selects the minimum emitted severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// New builds a logr.Logger backed by zap, configured per format/level.
func New(format Format, level Level) (logr.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case LevelDebug:
		zapLevel = zapcore.DebugLevel
	case LevelInfo, "":
		zapLevel = zapcore.InfoLevel
	case LevelError:
		zapLevel = zapcore.ErrorLevel
	default:
		return logr.Logger{}, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case FormatText, "":
		cfg.Encoding = "console"
	case FormatJSON:
		cfg.Encoding = "json"
	default:
		return logr.Logger{}, fmt.Errorf("unknown log format %q", format)
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("building zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// Must panics if New returns an error; used at process start-up where
// a broken logging configuration should abort immediately.
func Must(format Format, level Level) logr.Logger {
	l, err := New(format, level)
	if err != nil {
		panic(err)
	}
	return l
}
