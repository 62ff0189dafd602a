// Package logging builds the process-wide zap logger. Console output goes
// to stderr; when a log directory is configured a second JSON core writes
// to a dated file under it. Components derive child loggers via Named.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // json or console (console output only)
	LogDir  string // empty disables the file core
	Verbose bool   // forces debug level
}

// New constructs the root logger. The returned close function flushes and
// releases the log file; it is safe to call even when no file is open.
func New(opts Options) (*zap.Logger, func(), error) {
	level := parseLevel(opts.Level)
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if opts.Format == "console" {
		cc := encCfg
		cc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(cc)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	closeFn := func() {}
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		name := fmt.Sprintf("aires-%s.log", time.Now().UTC().Format("20060102"))
		f, err := os.OpenFile(filepath.Join(opts.LogDir, name),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level))
		closeFn = func() { _ = f.Close() }
	}

	logger := zap.New(zapcore.NewTee(cores...))
	return logger, closeFn, nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
