// Package logging builds the zap loggers used across arbor.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Level is debug, info, warn or error. Defaults to info.
	Level string
	// File, if set, receives JSON logs in addition to stderr.
	File string
	// Verbose forces debug level.
	Verbose bool
	// Quiet drops stderr output (file output is kept).
	Quiet bool
}

// New builds a logger. Stderr gets the console encoding; the optional file
// gets the production JSON encoding.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	atom := zap.NewAtomicLevelAt(level)

	var cores []zapcore.Core
	if !opts.Quiet {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), atom))
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		config := zap.NewProductionConfig()
		config.Level = atom
		config.OutputPaths = []string{opts.File}
		config.ErrorOutputPaths = []string{opts.File}
		fileLogger, err := config.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		cores = append(cores, fileLogger.Core())
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

// DebugFunc adapts a logger to printf-style debug hooks.
func DebugFunc(l *zap.Logger) func(format string, args ...interface{}) {
	if l == nil {
		return func(string, ...interface{}) {}
	}
	sugar := l.Sugar()
	return func(format string, args ...interface{}) {
		sugar.Debugf(format, args...)
	}
}
