// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package logging builds the zap loggers used by the scheduler process.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/changkun/monsched"
)

// New builds a zap.Logger configured for development or production.
// level overrides the default level when non-empty.
func New(development bool, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NewFile builds a JSON logger appending to path.
func NewFile(path string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = []string{path}
	cfg.Sampling = nil
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build file logger: %w", err)
	}
	return logger, nil
}

// Sink returns a monsched.LogFunc that writes engine lines into log, for
// hosts that keep a second logger such as a per-job audit file.
func Sink(log *zap.Logger) monsched.LogFunc {
	log = log.Named("sink")
	return func(jobID, message string, level monsched.Level) {
		fields := []zap.Field{zap.String("job_id", jobID)}
		switch level {
		case monsched.LevelError:
			log.Error(message, fields...)
		case monsched.LevelWarn:
			log.Warn(message, fields...)
		default:
			log.Info(message, fields...)
		}
	}
}
