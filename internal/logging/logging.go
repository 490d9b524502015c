// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tillbook/tillbook/internal/config"
)

// New returns a logger writing human-readable lines to stderr and, when
// cfg.File is set, JSON lines to a size-rotated file.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stderr), level),
	}

	if cfg.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(Rotator(cfg)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// Rotator returns the rotating file sink for cfg.File.
func Rotator(cfg config.LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
}
